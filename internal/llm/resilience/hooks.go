package resilience

import (
	"github.com/ahrav/go-llmrouter/internal/llm/batch"
	"github.com/ahrav/go-llmrouter/internal/llm/retry"
)

// RetryObserver returns a retry.Observer that counts retried attempts by
// error kind and records the chosen delays.
func RetryObserver(metrics Metrics) retry.Observer {
	return func(a retry.Attempt) {
		tags := map[string]string{"error_kind": string(a.Err.Kind)}
		metrics.IncrementCounter(MetricRetries, tags, 1)
		metrics.RecordHistogram(MetricRetryDelay, tags, a.Delay.Seconds())
	}
}

// RecordBatch publishes the item counts and elapsed time of a finished batch.
func RecordBatch(metrics Metrics, s *batch.Summary) {
	if s == nil {
		return
	}
	for status, n := range map[batch.Status]int{
		batch.StatusSucceeded: s.Succeeded,
		batch.StatusFailed:    s.Failed,
		batch.StatusSkipped:   s.Skipped,
	} {
		metrics.SetGauge(MetricBatchItems, map[string]string{"status": string(status)}, float64(n))
	}
	metrics.RecordHistogram(MetricBatchElapsed, map[string]string{}, s.Elapsed.Seconds())
}
