package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/retry"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newEngine(t *testing.T, policy configuration.RetryPolicy, opts ...retry.Option) (*retry.Engine, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	e, err := retry.NewEngine(policy, append([]retry.Option{retry.WithSleeper(sleeper)}, opts...)...)
	require.NoError(t, err)
	return e, sleeper
}

func failing(kind llmerrors.ErrorKind, times int, calls *int) retry.Operation[string] {
	return func(context.Context) (string, error) {
		*calls++
		if *calls <= times {
			return "", llmerrors.New(kind, "attempt failed")
		}
		return "ok", nil
	}
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	policy := testPolicy()
	policy.Multiplier = 0.5

	_, err := retry.NewEngine(policy)
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))

	_, err = retry.NewRetryMiddlewareWithConfig(policy)
	assert.Error(t, err)
}

func TestRunNonRetryableAttemptsOnce(t *testing.T) {
	nonRetryable := []llmerrors.ErrorKind{
		llmerrors.KindAuthentication, llmerrors.KindValidation, llmerrors.KindModelNotFound,
		llmerrors.KindInference, llmerrors.KindConfiguration, llmerrors.KindStreaming,
		llmerrors.KindSerialization, llmerrors.KindOther,
	}

	for _, kind := range nonRetryable {
		t.Run(string(kind), func(t *testing.T) {
			e, sleeper := newEngine(t, testPolicy())
			calls := 0

			_, err := retry.Run(context.Background(), e, failing(kind, 100, &calls))
			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, kind, llmerrors.KindOf(err))
			assert.Empty(t, sleeper.delays)
		})
	}
}

func TestRunSucceedsOnAttemptK(t *testing.T) {
	policy := testPolicy() // MaxAttempts 5, so up to 6 invocations
	for k := 1; k <= policy.MaxAttempts+1; k++ {
		e, sleeper := newEngine(t, policy)
		calls := 0

		got, err := retry.Run(context.Background(), e, failing(llmerrors.KindTimeout, k-1, &calls))
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, "ok", got)
		assert.Equal(t, k, calls)
		assert.Len(t, sleeper.delays, k-1)
	}
}

func TestRunPermanentRetryableFailure(t *testing.T) {
	for _, maxAttempts := range []int{0, 1, 3} {
		policy := testPolicy()
		policy.MaxAttempts = maxAttempts
		e, sleeper := newEngine(t, policy)
		calls := 0

		_, err := retry.Run(context.Background(), e, failing(llmerrors.KindRateLimit, 1000, &calls))
		require.Error(t, err)
		assert.Equal(t, maxAttempts+1, calls)
		assert.Len(t, sleeper.delays, maxAttempts, "no sleep after the final attempt")
		assert.Equal(t, llmerrors.KindRateLimit, llmerrors.KindOf(err))
		assert.Equal(t, "attempt failed", llmerrors.Classify(err).Message)
	}
}

func TestRunNetworkScenario(t *testing.T) {
	policy := configuration.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
	var reports []retry.Attempt
	e, sleeper := newEngine(t, policy, retry.WithObserver(func(a retry.Attempt) { reports = append(reports, a) }))
	calls := 0

	got, err := retry.Run(context.Background(), e, failing(llmerrors.KindNetwork, 2, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)

	require.Len(t, reports, 2)
	for i, r := range reports {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, 3, r.Total)
		assert.Equal(t, llmerrors.KindNetwork, r.Err.Kind)
		assert.Equal(t, sleeper.delays[i], r.Delay)
	}
}

func TestRunHonorsRetryAfter(t *testing.T) {
	e, sleeper := newEngine(t, testPolicy())
	calls := 0
	op := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, llmerrors.NewRateLimitError("throttled", 1500*time.Millisecond)
		}
		return 7, nil
	}

	got, err := retry.Run(context.Background(), e, op)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, sleeper.delays)
}

func TestRunClassifiesRawErrors(t *testing.T) {
	e, _ := newEngine(t, testPolicy())
	calls := 0

	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("something odd")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, llmerrors.KindOther, llmerrors.KindOf(err))

	var classified *llmerrors.Error
	assert.ErrorAs(t, err, &classified)
}

func TestRunUpdatesRequestContext(t *testing.T) {
	e, _ := newEngine(t, testPolicy())
	rc := transport.NewRequestContext(context.Background(), "s")
	ctx := transport.WithRequestContext(context.Background(), rc)

	var seen []int
	err := e.Do(ctx, func(ctx context.Context) error {
		got, ok := transport.RequestContextFrom(ctx)
		require.True(t, ok)
		seen = append(seen, got.Attempt())
		if len(seen) < 3 {
			return llmerrors.New(llmerrors.KindNetwork, "reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, 2, rc.Attempt())
}

func TestRunCancelledContext(t *testing.T) {
	e, _ := newEngine(t, testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retry.Run(ctx, e, failing(llmerrors.KindNetwork, 0, &calls))
	require.Error(t, err)
	assert.Zero(t, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, llmerrors.KindOther, llmerrors.KindOf(err))
}

func TestRunCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := retry.SleeperFunc(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})
	e, err := retry.NewEngine(testPolicy(), retry.WithSleeper(sleeper))
	require.NoError(t, err)

	calls := 0
	_, err = retry.Run(ctx, e, failing(llmerrors.KindNetwork, 100, &calls))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStats(t *testing.T) {
	e, _ := newEngine(t, testPolicy())

	calls := 0
	_, err := retry.Run(context.Background(), e, failing(llmerrors.KindNetwork, 2, &calls))
	require.NoError(t, err)

	calls = 0
	_, err = retry.Run(context.Background(), e, failing(llmerrors.KindNetwork, 0, &calls))
	require.NoError(t, err)

	calls = 0
	_, err = retry.Run(context.Background(), e, failing(llmerrors.KindValidation, 1, &calls))
	require.Error(t, err)

	stats := e.Stats()
	assert.Equal(t, int64(5), stats.TotalAttempts)
	assert.Equal(t, int64(1), stats.SuccessfulRetries)
	assert.Equal(t, int64(1), stats.FailedCalls)
	assert.InDelta(t, 5.0/3.0, stats.AverageAttempts, 1e-9)
	assert.Equal(t, 200*time.Millisecond, stats.MaxBackoff)
}

func TestMiddleware(t *testing.T) {
	e, sleeper := newEngine(t, testPolicy())
	calls := 0
	core := transport.HandlerFunc(func(context.Context, *transport.InferenceRequest) (*transport.InferenceResponse, error) {
		calls++
		if calls < 3 {
			return nil, llmerrors.NewHTTPError(503, "unavailable")
		}
		return &transport.InferenceResponse{Text: "done", Success: true}, nil
	})

	h := transport.Chain(core, retry.NewMiddleware(e))
	resp, err := h.Handle(context.Background(), &transport.InferenceRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeper.delays, 2)
}
