package retry

import (
	"sync/atomic"
	"time"
)

// retryStats provides thread-safe retry metrics using atomic operations.
// Every call through the engine updates exactly one of the outcome counters
// (first-attempt success, success after retry, failure), so their sum is
// the number of calls.
type retryStats struct {
	totalAttempts           atomic.Int64 // Attempts across all calls, retries included
	successfulRetries       atomic.Int64 // Calls that succeeded after retry
	failedRetries           atomic.Int64 // Calls that ended in an error
	successfulFirstAttempts atomic.Int64 // Calls that succeeded on the first attempt
	maxBackoff              atomic.Int64 // Maximum backoff duration in nanoseconds
}

// Stats holds aggregated metrics for an engine. It is a point-in-time
// snapshot; counters keep moving while calls are in flight, so fields may
// be read from slightly different instants.
type Stats struct {
	// TotalAttempts counts initial attempts and all retries.
	TotalAttempts int64 `json:"total_attempts"`
	// SuccessfulRetries counts calls that succeeded only after one or more retries.
	SuccessfulRetries int64 `json:"successful_retries"`
	// FailedCalls counts calls that returned an error.
	FailedCalls int64 `json:"failed_calls"`
	// AverageAttempts is the average number of attempts per call.
	AverageAttempts float64 `json:"average_attempts"`
	// MaxBackoff is the longest backoff applied.
	MaxBackoff time.Duration `json:"max_backoff"`
}

// recordBackoff raises the recorded maximum backoff to backoff if larger.
func (e *Engine) recordBackoff(backoff time.Duration) {
	backoffNanos := backoff.Nanoseconds()
	// Update max backoff atomically to avoid race conditions.
	for {
		current := e.stats.maxBackoff.Load()
		if backoffNanos <= current {
			break
		}
		if e.stats.maxBackoff.CompareAndSwap(current, backoffNanos) {
			break
		}
	}
}

// Stats returns a snapshot of the engine's retry statistics.
// AverageAttempts is 1 until the first call completes.
func (e *Engine) Stats() Stats {
	totalAttempts := e.stats.totalAttempts.Load()
	successfulRetries := e.stats.successfulRetries.Load()
	failed := e.stats.failedRetries.Load()
	firstAttempts := e.stats.successfulFirstAttempts.Load()

	averageAttempts := 1.0
	if calls := firstAttempts + successfulRetries + failed; calls > 0 {
		averageAttempts = float64(totalAttempts) / float64(calls)
	}

	return Stats{
		TotalAttempts:     totalAttempts,
		SuccessfulRetries: successfulRetries,
		FailedCalls:       failed,
		AverageAttempts:   averageAttempts,
		MaxBackoff:        time.Duration(e.stats.maxBackoff.Load()),
	}
}
