package workflow

import (
	"strings"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-llmrouter/internal/activity"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// Registered workflow names.
const (
	InferenceWorkflowName = "InferenceWorkflow"
	BatchWorkflowName     = "BatchInferenceWorkflow"
)

// InferenceInput is the argument of the inference workflow.
type InferenceInput struct {
	Request transport.InferenceRequest `json:"request"`

	// Stream drains the answer through the streaming activity.
	Stream bool `json:"stream,omitempty"`
}

// Workflows carries the activity options derived from the worker's client
// configuration.
type Workflows struct {
	unary     workflow.ActivityOptions
	streaming workflow.ActivityOptions
	batch     workflow.ActivityOptions
}

// New derives activity options from cfg. A nil cfg uses the defaults.
func New(cfg *configuration.Config) *Workflows {
	return &Workflows{
		unary:     activity.ActivityOptions(cfg),
		streaming: activity.StreamActivityOptions(cfg),
		batch:     activity.BatchActivityOptions(cfg),
	}
}

// Inference runs one inference call as a durable workflow. A streamed
// answer is folded into a response; a mid-stream failure yields an
// unsuccessful response carrying the partial text.
func (w *Workflows) Inference(ctx workflow.Context, in InferenceInput) (*transport.InferenceResponse, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "inference.v", workflow.DefaultVersion, currentVersion)

	if strings.TrimSpace(in.Request.Prompt) == "" {
		return nil, temporal.NewNonRetryableApplicationError(
			"invalid inference request",
			"Validation",
			activity.ErrActivityValidation,
		)
	}

	logger := workflow.GetLogger(ctx)

	if !in.Stream {
		ctx = workflow.WithActivityOptions(ctx, w.unary)
		var resp transport.InferenceResponse
		if err := workflow.ExecuteActivity(ctx, activity.InferenceActivityName, in.Request).Get(ctx, &resp); err != nil {
			logger.Error("Inference activity failed", "error", err)
			return nil, err
		}
		return &resp, nil
	}

	ctx = workflow.WithActivityOptions(ctx, w.streaming)
	var res activity.StreamResult
	if err := workflow.ExecuteActivity(ctx, activity.StreamInferenceActivityName, in.Request).Get(ctx, &res); err != nil {
		logger.Error("Stream activity failed", "error", err)
		return nil, err
	}
	if res.Error != "" {
		logger.Warn("Stream ended with error", "error_kind", res.ErrorKind, "chunks", res.Chunks)
	}
	return &transport.InferenceResponse{
		Text:    res.Text,
		ModelID: res.ModelID,
		Metrics: res.Metrics,
		Success: res.Error == "",
		Error:   res.Error,
	}, nil
}

// Batch runs a batch as a durable workflow. Member failures are reported in
// the result and never fail the workflow.
func (w *Workflows) Batch(ctx workflow.Context, in activity.BatchInput) (*activity.BatchResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "batch.v", workflow.DefaultVersion, currentVersion)

	if len(in.Requests) == 0 {
		return nil, temporal.NewNonRetryableApplicationError(
			"invalid batch request",
			"Validation",
			activity.ErrActivityValidation,
		)
	}

	ao := w.batch
	if in.Timeout > 0 && ao.StartToCloseTimeout < in.Timeout+w.unary.StartToCloseTimeout {
		ao.StartToCloseTimeout = in.Timeout + w.unary.StartToCloseTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var res activity.BatchResult
	if err := workflow.ExecuteActivity(ctx, activity.BatchInferenceActivityName, in).Get(ctx, &res); err != nil {
		workflow.GetLogger(ctx).Error("Batch activity failed", "error", err, "size", len(in.Requests))
		return nil, err
	}
	return &res, nil
}
