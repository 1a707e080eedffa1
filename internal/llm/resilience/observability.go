// Package resilience provides the observability layer of the inference
// pipeline: structured request logging, a tag-based Metrics interface with a
// Prometheus implementation, and in-memory request statistics. Hooks are
// provided so retry attempts and batch summaries feed the same metrics.
package resilience

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// ContentTruncationLimit caps the response preview written to logs.
const ContentTruncationLimit = 200

// Metric names emitted by the pipeline.
const (
	MetricRequestsTotal   = "requests_total"
	MetricRequestsSuccess = "requests_success_total"
	MetricRequestsErrors  = "requests_errors_total"
	MetricRequestDuration = "request_duration_seconds"
	MetricTokensGenerated = "tokens_generated"
	MetricCacheHits       = "cache_hits_total"
	MetricRetries         = "retries_total"
	MetricRetryDelay      = "retry_delay_seconds"
	MetricBatchItems      = "batch_items"
	MetricBatchElapsed    = "batch_elapsed_seconds"
)

// Metrics provides an interface for collecting observability data from
// inference operations. It supports counters, histograms, and gauges with
// tag-based dimensionality. A given metric name must always be used with the
// same set of tag keys.
type Metrics interface {
	// IncrementCounter increases a counter metric by a given value.
	IncrementCounter(name string, tags map[string]string, value float64)
	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, tags map[string]string, value float64)
	// SetGauge sets a gauge metric to a specific value.
	SetGauge(name string, tags map[string]string, value float64)
}

// NoOpMetrics discards all data. It is used when metrics are disabled.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a new no-op metrics collector.
func NewNoOpMetrics() *NoOpMetrics { return &NoOpMetrics{} }

// IncrementCounter implements Metrics.
func (n *NoOpMetrics) IncrementCounter(string, map[string]string, float64) {}

// RecordHistogram implements Metrics.
func (n *NoOpMetrics) RecordHistogram(string, map[string]string, float64) {}

// SetGauge implements Metrics.
func (n *NoOpMetrics) SetGauge(string, map[string]string, float64) {}

// LoggingMiddleware logs every inference call and records request metrics.
// Prompt and response text are replaced by their lengths when redaction
// is enabled.
type LoggingMiddleware struct {
	logger        *slog.Logger
	metrics       Metrics
	redactPrompts bool
	now           func() time.Time
}

// NewLoggingMiddleware creates the observability middleware. Nil logger
// and metrics fall back to slog.Default and NoOpMetrics.
func NewLoggingMiddleware(config configuration.ObservabilityConfig, logger *slog.Logger, metrics Metrics) transport.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}

	lm := &LoggingMiddleware{
		logger:        logger.With("component", "client"),
		metrics:       metrics,
		redactPrompts: config.RedactPrompts,
		now:           time.Now,
	}
	return lm.Middleware()
}

// Middleware returns the handler wrapper.
func (m *LoggingMiddleware) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
			requestID := requestIDFrom(ctx)
			baseTags := map[string]string{
				"model":    modelTag(req.ModelID),
				"protocol": string(req.Protocol),
			}

			m.logRequest(req, requestID)
			m.metrics.IncrementCounter(MetricRequestsTotal, baseTags, 1)

			start := m.now()
			resp, err := next.Handle(ctx, req)
			duration := m.now().Sub(start)

			m.metrics.RecordHistogram(MetricRequestDuration, baseTags, duration.Seconds())

			if err != nil {
				m.handleError(req, err, requestID, duration, baseTags)
			} else if resp != nil {
				m.handleSuccess(req, resp, requestID, duration, baseTags)
			}
			return resp, err
		})
	}
}

func (m *LoggingMiddleware) logRequest(req *transport.InferenceRequest, requestID string) {
	fields := []any{
		"request_id", requestID,
		"model", req.ModelID,
		"protocol", req.Protocol,
		"session_id", req.SessionID,
		"timeout_seconds", req.Timeout.Seconds(),
		"cacheable", req.IdempotencyKey != "",
	}
	if o := req.Options; o != nil {
		if o.MaxTokens != nil {
			fields = append(fields, "max_tokens", *o.MaxTokens)
		}
		if o.Temperature != nil {
			fields = append(fields, "temperature", *o.Temperature)
		}
	}
	if m.redactPrompts {
		fields = append(fields, "prompt_length", len(req.Prompt))
	} else {
		fields = append(fields, "prompt", req.Prompt)
	}

	m.logger.Info("inference request started", fields...)
}

func (m *LoggingMiddleware) handleError(
	req *transport.InferenceRequest,
	err error,
	requestID string,
	duration time.Duration,
	baseTags map[string]string,
) {
	kind := llmerrors.KindOf(err)
	errorTags := maps.Clone(baseTags)
	errorTags["error_kind"] = string(kind)
	m.metrics.IncrementCounter(MetricRequestsErrors, errorTags, 1)

	m.logger.Error("inference request failed",
		"request_id", requestID,
		"model", req.ModelID,
		"duration_ms", duration.Milliseconds(),
		"error_kind", kind,
		"retryable", llmerrors.IsRetryable(err),
		"error", err.Error(),
	)
}

func (m *LoggingMiddleware) handleSuccess(
	req *transport.InferenceRequest,
	resp *transport.InferenceResponse,
	requestID string,
	duration time.Duration,
	baseTags map[string]string,
) {
	m.metrics.IncrementCounter(MetricRequestsSuccess, baseTags, 1)
	if resp.Cached {
		m.metrics.IncrementCounter(MetricCacheHits, baseTags, 1)
	}

	fields := []any{
		"request_id", requestID,
		"model", req.ModelID,
		"served_by", resp.ModelID,
		"duration_ms", duration.Milliseconds(),
		"cached", resp.Cached,
	}
	if resp.Metrics != nil {
		m.metrics.RecordHistogram(MetricTokensGenerated, baseTags, float64(resp.Metrics.TokensGenerated))
		fields = append(fields,
			"tokens_generated", resp.Metrics.TokensGenerated,
			"server_latency_ms", resp.Metrics.LatencyMs,
		)
	}

	if m.redactPrompts {
		fields = append(fields, "response_length", len(resp.Text))
	} else {
		content := resp.Text
		if len(content) > ContentTruncationLimit {
			content = content[:ContentTruncationLimit] + "..."
		}
		fields = append(fields, "response_preview", content)
	}

	m.logger.Info("inference request completed", fields...)
}

func requestIDFrom(ctx context.Context) string {
	if rc, ok := transport.RequestContextFrom(ctx); ok && rc.RequestID != "" {
		return rc.RequestID
	}
	return uuid.NewString()
}

func modelTag(model string) string {
	if model == "" {
		return "default"
	}
	return model
}
