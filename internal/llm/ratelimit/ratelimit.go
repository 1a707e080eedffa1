// Package ratelimit throttles outgoing inference calls with a client-side
// token bucket per model.
//
// The limiter never blocks: a call that finds its bucket empty fails with a
// RateLimit error carrying the time until the next token, and the retry
// engine waits that long before trying again. Because the middleware sits
// inside the retry loop, every attempt consumes a token.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

const (
	// CleanupInterval determines the frequency of stale limiter cleanup.
	CleanupInterval = 10 * time.Minute

	// LimiterTTL is how long a limiter may go unused before it is eligible
	// for removal.
	LimiterTTL = 30 * time.Minute

	// defaultKey buckets requests that do not name a model.
	defaultKey = "default"
)

// timedLimiter wraps a token bucket with its last access time so idle
// buckets can be dropped without a lock on the hot path.
type timedLimiter struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// Limiter holds one token bucket per key.
type Limiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*timedLimiter

	allowed atomic.Int64
	denied  atomic.Int64

	cleanupMu   sync.Mutex
	cleanupStop chan struct{}
	cleanupDone sync.WaitGroup

	logger *slog.Logger
}

// New creates a limiter refilling cfg.RequestsPerMinute tokens per minute
// with a bucket of cfg.Burst tokens.
func New(cfg configuration.RateLimitConfig, logger *slog.Logger) (*Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, llmerrors.Newf(llmerrors.KindConfiguration,
			"invalid rate limit: requests_per_minute must be positive (got %d)", cfg.RequestsPerMinute)
	}
	if cfg.Burst <= 0 {
		return nil, llmerrors.Newf(llmerrors.KindConfiguration,
			"invalid rate limit: burst must be positive (got %d)", cfg.Burst)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:    cfg.Burst,
		limiters: make(map[string]*timedLimiter),
		logger:   logger.With("component", "ratelimit"),
	}, nil
}

// Allow takes one token from key's bucket. When the bucket is empty it
// returns a RateLimit error whose RetryAfter is the wait for the next token;
// no token is consumed in that case.
func (l *Limiter) Allow(key string) error {
	lim := l.getOrCreate(key)
	now := time.Now()
	if lim.AllowN(now, 1) {
		l.allowed.Add(1)
		return nil
	}

	// Reserve only to learn the delay, then give the token back.
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay <= 0 {
		delay = time.Millisecond
	}

	l.denied.Add(1)
	l.logger.Debug("request throttled", "key", key, "retry_after", delay)
	return llmerrors.NewRateLimitError("client rate limit exceeded for "+key, delay)
}

// Middleware returns a transport.Middleware that applies Allow per model id.
func (l *Limiter) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
			key := req.ModelID
			if key == "" {
				key = defaultKey
			}
			if err := l.Allow(key); err != nil {
				return nil, err
			}
			return next.Handle(ctx, req)
		})
	}
}

// getOrCreate returns key's bucket using double-checked locking.
func (l *Limiter) getOrCreate(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	l.mu.RLock()
	if tl, ok := l.limiters[key]; ok {
		// Touch under the read lock so CleanupStale cannot drop it first.
		tl.lastUsed.Store(now)
		l.mu.RUnlock()
		return tl.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok := l.limiters[key]; ok {
		tl.lastUsed.Store(now)
		return tl.limiter
	}
	tl := &timedLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
	tl.lastUsed.Store(now)
	l.limiters[key] = tl
	return tl.limiter
}

// CleanupStale removes buckets unused since before. A bucket that has not
// refilled completely is kept, so dropping it can never grant extra tokens.
func (l *Limiter) CleanupStale(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := before.UnixNano()
	removed := 0
	for key, tl := range l.limiters {
		if tl.lastUsed.Load() >= cutoff {
			continue
		}
		if tl.limiter.TokensAt(now) < float64(l.burst) {
			continue
		}
		delete(l.limiters, key)
		removed++
	}
	return removed
}

// Start launches the background cleanup loop. It is a no-op when the loop
// is already running.
func (l *Limiter) Start() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if l.cleanupStop != nil {
		return
	}

	stop := make(chan struct{})
	l.cleanupStop = stop
	l.cleanupDone.Add(1)
	go func() {
		defer l.cleanupDone.Done()
		ticker := time.NewTicker(CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := l.CleanupStale(time.Now().Add(-LimiterTTL)); n > 0 {
					l.logger.Debug("removed idle rate limiters", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup loop and waits for it to exit. It is idempotent.
func (l *Limiter) Stop() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if l.cleanupStop == nil {
		return
	}
	close(l.cleanupStop)
	l.cleanupDone.Wait()
	l.cleanupStop = nil
}
