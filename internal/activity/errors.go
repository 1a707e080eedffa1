package activity

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// ErrActivityValidation is returned when activity input is rejected before
// any call is made. It is never retried.
var ErrActivityValidation = errors.New("activity input validation failed")

// heartbeatTimeout bounds the gap between stream heartbeats.
const heartbeatTimeout = 30 * time.Second

// ToApplicationError converts a client error into a Temporal application
// error. The error type is the kind name, retryability follows the kind and
// a server-suggested delay becomes the next retry delay. Nil stays nil.
func ToApplicationError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return err
	}

	classified := llmerrors.Classify(err)
	opts := temporal.ApplicationErrorOptions{
		NonRetryable: !classified.IsRetryable(),
		Cause:        err,
	}
	if delay, ok := classified.SuggestedDelay(); ok && !opts.NonRetryable {
		opts.NextRetryDelay = delay
	}
	return temporal.NewApplicationErrorWithOptions(classified.Message, string(classified.Kind), opts)
}

// nonRetryable wraps cause as a non-retryable application error tagged tag.
func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

// NonRetryableErrorTypes lists the error types Temporal must never retry.
func NonRetryableErrorTypes() []string {
	var types []string
	for _, kind := range llmerrors.Kinds() {
		switch kind {
		case llmerrors.KindNetwork, llmerrors.KindTimeout, llmerrors.KindRateLimit,
			llmerrors.KindHTTP, llmerrors.KindProtocol:
			// Retryability of these depends on the status or code.
			continue
		}
		types = append(types, string(kind))
	}
	return types
}

// ActivityOptions derives activity options from the client configuration.
// The client already retries each call, so Temporal makes a single attempt;
// StartToCloseTimeout covers every client attempt plus the backoff between.
func ActivityOptions(cfg *configuration.Config) workflow.ActivityOptions {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	attempts := time.Duration(cfg.Retry.MaxAttempts + 1)
	budget := attempts*cfg.Timeout + time.Duration(cfg.Retry.MaxAttempts)*cfg.Retry.MaxDelay

	return workflow.ActivityOptions{
		StartToCloseTimeout: budget,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        cfg.Retry.BaseDelay,
			BackoffCoefficient:     cfg.Retry.Multiplier,
			MaximumInterval:        cfg.Retry.MaxDelay,
			MaximumAttempts:        1,
			NonRetryableErrorTypes: NonRetryableErrorTypes(),
		},
	}
}

// StreamActivityOptions adds a heartbeat timeout to ActivityOptions so a
// stalled stream is detected before the start-to-close timeout.
func StreamActivityOptions(cfg *configuration.Config) workflow.ActivityOptions {
	ao := ActivityOptions(cfg)
	ao.HeartbeatTimeout = heartbeatTimeout
	return ao
}

// BatchActivityOptions extends ActivityOptions so the batch deadline fits.
func BatchActivityOptions(cfg *configuration.Config) workflow.ActivityOptions {
	ao := ActivityOptions(cfg)
	if cfg != nil && cfg.Batch.Timeout+time.Minute > ao.StartToCloseTimeout {
		ao.StartToCloseTimeout = cfg.Batch.Timeout + time.Minute
	}
	return ao
}
