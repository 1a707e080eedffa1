// Package retry drives inference calls through bounded retry attempts.
// Delays come from a pure backoff function; sleeping and randomness are
// pluggable so retry timing can be tested deterministically.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// Attempt describes a failed attempt that is about to be retried.
// Observers receive it after the backoff delay has been computed and
// before the engine sleeps.
type Attempt struct {
	Index int // zero-based index of the failed attempt
	Total int // attempts planned, MaxAttempts+1
	Err   *llmerrors.Error
	Delay time.Duration // wait before the next attempt
}

// Observer receives a report for every retried attempt. It runs on the
// calling goroutine and must not block.
type Observer func(Attempt)

// Sleeper suspends until d elapses or ctx is done. Sleep returns ctx.Err()
// when the context ends first. Tests substitute a Sleeper to make retry
// timing instantaneous or recorded.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// timerSleeper waits on a real timer and gives up when ctx is done.
type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine runs operations under a RetryPolicy.
// An Engine is safe for concurrent use; each Run call keeps its own state.
type Engine struct {
	policy    configuration.RetryPolicy
	rng       Rand
	sleeper   Sleeper
	observers []Observer
	logger    *slog.Logger
	stats     *retryStats
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand injects the jitter source.
func WithRand(r Rand) Option { return func(e *Engine) { e.rng = r } }

// WithSleeper replaces the timer-based sleep primitive.
func WithSleeper(s Sleeper) Option { return func(e *Engine) { e.sleeper = s } }

// WithObserver registers a callback for every retried attempt.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the logger; the component attribute is added automatically.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine validates policy and builds an engine. Defaults are a real
// timer, the global jitter source and slog.Default; options replace them.
// An invalid policy yields a Configuration error.
func NewEngine(policy configuration.RetryPolicy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		policy:  policy,
		rng:     globalRand{},
		sleeper: timerSleeper{},
		logger:  slog.Default(),
		stats:   &retryStats{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "retry")
	return e, nil
}

// Policy returns the engine's retry policy.
func (e *Engine) Policy() configuration.RetryPolicy { return e.policy }

// Operation is a single attempt of a retried call.
type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op under the engine's policy, discarding any result. It has the
// same retry semantics as Run.
func (e *Engine) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run invokes op at most MaxAttempts+1 times.
//
// Success returns immediately. A failure that is not retryable, or that
// happens on the last allowed attempt, is returned without sleeping.
// Otherwise the engine waits for the backoff delay and tries again. Every
// returned error is classified. Cancelling ctx aborts a pending sleep and
// the call returns the classified context error.
//
// When ctx carries a transport.RequestContext its attempt counter is
// updated before each attempt.
func Run[T any](ctx context.Context, e *Engine, op Operation[T]) (T, error) {
	var zero T
	total := e.policy.MaxAttempts + 1
	rc, _ := transport.RequestContextFrom(ctx)

	for attempt := 0; attempt < total; attempt++ {
		// Fail fast if context is already cancelled to avoid wasted attempts.
		if err := ctx.Err(); err != nil {
			e.stats.failedRetries.Add(1)
			return zero, llmerrors.FromContext(err)
		}
		if rc != nil {
			rc.SetAttempt(attempt)
		}

		result, err := op(ctx)
		e.stats.totalAttempts.Add(1)

		// Success - return immediately to minimize latency.
		if err == nil {
			if attempt > 0 {
				e.stats.successfulRetries.Add(1)
				e.logger.Info("request succeeded after retry", "attempt", attempt+1, "total", total)
			} else {
				e.stats.successfulFirstAttempts.Add(1)
			}
			return result, nil
		}

		classified := llmerrors.Classify(err)

		// Avoid retrying errors that will always fail.
		if !classified.IsRetryable() {
			e.stats.failedRetries.Add(1)
			e.logger.Debug("non-retryable error",
				"error", classified,
				"error_kind", classified.Kind,
				"attempt", attempt+1)
			return zero, classified
		}

		if attempt == total-1 {
			e.stats.failedRetries.Add(1)
			e.logger.Error("all retries exhausted",
				"error", classified,
				"error_kind", classified.Kind,
				"attempts", total)
			return zero, classified
		}

		delay := Backoff(attempt, classified, e.policy, e.rng)
		e.recordBackoff(delay)
		e.report(Attempt{Index: attempt, Total: total, Err: classified, Delay: delay})

		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			e.stats.failedRetries.Add(1)
			e.logger.Warn("context cancelled during retry backoff",
				"attempt", attempt+1,
				"last_error", classified)
			return zero, llmerrors.FromContext(err)
		}
	}

	// Unreachable: the loop returns on its last iteration.
	return zero, llmerrors.New(llmerrors.KindOther, "retry loop exited without result")
}

func (e *Engine) report(a Attempt) {
	e.logger.Warn("retrying after failure",
		"attempt", a.Index+1,
		"total", a.Total,
		"error_kind", a.Err.Kind,
		"error", a.Err.Message,
		"delay", a.Delay)
	for _, o := range e.observers {
		o(a)
	}
}
