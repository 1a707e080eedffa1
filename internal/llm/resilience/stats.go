package resilience

import (
	"context"
	"maps"
	"sync"
	"time"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// ObservabilityStats is a snapshot of in-process request statistics.
// Counts are per logical call: a call retried three times counts once.
type ObservabilityStats struct {
	// RequestsTotal counts finished calls, successful or not.
	RequestsTotal int64 `json:"requests_total"`
	// RequestsSuccess counts calls that returned a response.
	RequestsSuccess int64 `json:"requests_success"`
	// RequestsError counts calls that returned an error.
	RequestsError int64 `json:"requests_error"`
	// CacheHits counts successful calls served from the response cache.
	CacheHits int64 `json:"cache_hits"`
	// ErrorsByKind breaks RequestsError down by error kind.
	ErrorsByKind map[string]int64 `json:"errors_by_kind"`
	// AverageLatencyMs is the running mean of call latency.
	AverageLatencyMs float64 `json:"average_latency_ms"`
	// TotalTokens sums generated tokens reported by successful calls.
	TotalTokens int64 `json:"total_tokens"`
}

// StatsRecorder accumulates ObservabilityStats without any external
// backend, so a client can report usage even with metrics disabled.
type StatsRecorder struct {
	mu    sync.Mutex
	stats ObservabilityStats
	now   func() time.Time
}

// NewStatsRecorder returns an empty recorder.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{
		stats: ObservabilityStats{ErrorsByKind: make(map[string]int64)},
		now:   time.Now,
	}
}

// Middleware returns a handler wrapper feeding the recorder. Place it
// outside the retry middleware so each logical call is recorded once.
func (r *StatsRecorder) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
			start := r.now()
			resp, err := next.Handle(ctx, req)
			r.Record(resp, err, r.now().Sub(start))
			return resp, err
		})
	}
}

// Record adds one finished call to the statistics. A nil resp with a nil
// err counts as a success without tokens.
func (r *StatsRecorder) Record(resp *transport.InferenceResponse, err error, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.RequestsTotal++
	if err != nil {
		s.RequestsError++
		s.ErrorsByKind[string(llmerrors.KindOf(err))]++
	} else {
		s.RequestsSuccess++
		if resp != nil {
			if resp.Cached {
				s.CacheHits++
			}
			if resp.Metrics != nil {
				s.TotalTokens += int64(resp.Metrics.TokensGenerated)
			}
		}
	}

	// Running mean.
	n := float64(s.RequestsTotal)
	s.AverageLatencyMs = (s.AverageLatencyMs*(n-1) + float64(latency.Milliseconds())) / n
}

// Snapshot returns a copy of the current statistics. The returned map is
// owned by the caller.
func (r *StatsRecorder) Snapshot() ObservabilityStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.stats
	c.ErrorsByKind = maps.Clone(r.stats.ErrorsByKind)
	return c
}
