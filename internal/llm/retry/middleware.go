package retry

import (
	"context"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// NewMiddleware wraps a handler so every call runs through the engine.
// Each attempt calls the next handler with the same request; middleware
// placed after this one (rate limiting, circuit breaking) therefore runs
// once per attempt.
func NewMiddleware(e *Engine) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
			return Run(ctx, e, func(ctx context.Context) (*transport.InferenceResponse, error) {
				return next.Handle(ctx, req)
			})
		})
	}
}

// NewRetryMiddlewareWithConfig creates retry middleware with its own engine.
// It fails when policy does not validate.
func NewRetryMiddlewareWithConfig(policy configuration.RetryPolicy, opts ...Option) (transport.Middleware, error) {
	e, err := NewEngine(policy, opts...)
	if err != nil {
		return nil, err
	}
	return NewMiddleware(e), nil
}
