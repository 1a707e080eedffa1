package worker

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-llmrouter/internal/activity"
	"github.com/ahrav/go-llmrouter/internal/llm"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	"github.com/ahrav/go-llmrouter/internal/workflow"
	"github.com/ahrav/go-llmrouter/pkg/events"
)

// InitializeLLMClient creates the inference client used by the activities.
// Returns the client for dependency injection rather than setting global state.
func InitializeLLMClient(ctx context.Context, cfg *configuration.Config, opts ...llm.Option) (*llm.Client, error) {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}

	c, err := llm.NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return c, nil
}

// Dial connects to Temporal using the worker section of cfg, logging through
// logger.
func Dial(cfg configuration.TemporalConfig, logger *slog.Logger) (client.Client, error) {
	hostPort, namespace := cfg.HostPort, cfg.Namespace
	if hostPort == "" {
		hostPort = configuration.DefaultTemporalHostPort
	}
	if namespace == "" {
		namespace = configuration.DefaultTemporalNamespace
	}

	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    log.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", hostPort, err)
	}
	return c, nil
}

// Run registers the inference workflows and activities on taskQueue and
// serves them until ctx is cancelled.
func Run(
	ctx context.Context,
	tc client.Client,
	taskQueue string,
	llmClient activity.InferenceClient,
	cfg *configuration.Config,
	sink events.EventSink,
) error {
	if taskQueue == "" {
		taskQueue = configuration.DefaultTaskQueue
	}

	w := sdkworker.New(tc, taskQueue, sdkworker.Options{})
	RegisterAll(w, activity.NewActivities(llmClient, sink), workflow.New(cfg))

	interrupt := make(chan any)
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()

	if err := w.Run(interrupt); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}
