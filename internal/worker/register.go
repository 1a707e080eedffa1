// Package worker exposes helpers to register workflows and activities with a
// Temporal worker.
package worker

import (
	sdkactivity "go.temporal.io/sdk/activity"
	sdkworker "go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-llmrouter/internal/activity"
	"github.com/ahrav/go-llmrouter/internal/workflow"
)

// Registry is the registration surface shared by sdkworker.Worker and the
// Temporal test environments.
type Registry interface {
	RegisterWorkflowWithOptions(w any, options sdkworkflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options sdkactivity.RegisterOptions)
}

var _ Registry = sdkworker.Worker(nil)

// RegisterAll registers the inference workflows and activities under their
// stable names. It must be called once, before the worker starts.
func RegisterAll(r Registry, acts *activity.Activities, wfs *workflow.Workflows) {
	r.RegisterWorkflowWithOptions(wfs.Inference, sdkworkflow.RegisterOptions{Name: workflow.InferenceWorkflowName})
	r.RegisterWorkflowWithOptions(wfs.Batch, sdkworkflow.RegisterOptions{Name: workflow.BatchWorkflowName})

	r.RegisterActivityWithOptions(acts.Inference, sdkactivity.RegisterOptions{Name: activity.InferenceActivityName})
	r.RegisterActivityWithOptions(acts.StreamInference, sdkactivity.RegisterOptions{Name: activity.StreamInferenceActivityName})
	r.RegisterActivityWithOptions(acts.BatchInference, sdkactivity.RegisterOptions{Name: activity.BatchInferenceActivityName})
}
