package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// probeKeyPrefix namespaces the Redis probe guards.
const probeKeyPrefix = "llmrouter:cb:probe:"

// ErrCircuitNotFound is returned by State and Reset for an unknown key.
var ErrCircuitNotFound = errors.New("circuit not found")

// ProbeStore coordinates half-open probes between processes. *redis.Client
// satisfies it.
type ProbeStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Breakers holds one circuit per protocol and model.
//
// Circuits are created on first use and live for the lifetime of the
// client. A nil *Breakers is valid and admits every request, which is how
// a disabled breaker is represented. Breakers is safe for concurrent use.
type Breakers struct {
	cfg      configuration.CircuitBreakerConfig
	settings breakerSettings
	probes   ProbeStore
	circuits *shardedBreakers
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures Breakers.
type Option func(*Breakers)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(b *Breakers) { b.now = now } }

// WithProbeStore enables cross-process probe coordination through store.
func WithProbeStore(store ProbeStore) Option { return func(b *Breakers) { b.probes = store } }

// New creates the breaker set. It returns nil when cfg is disabled, and a
// nil *Breakers passes every request through.
func New(cfg configuration.CircuitBreakerConfig, logger *slog.Logger, opts ...Option) *Breakers {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breakers{
		cfg: cfg,
		settings: breakerSettings{
			failureThreshold: cfg.FailureThreshold,
			successThreshold: cfg.SuccessThreshold,
			openTimeout:      cfg.OpenTimeout,
			maxProbes:        cfg.HalfOpenProbes,
			adaptive:         cfg.Adaptive,
		},
		circuits: newShardedBreakers(),
		now:      time.Now,
		logger:   logger.With("component", "circuit_breaker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Key names the circuit for a protocol and model.
func Key(protocol configuration.Protocol, model string) string {
	if model == "" {
		model = "default"
	}
	return string(protocol) + ":" + model
}

// Acquire asks the circuit for key to admit one request. On success the
// caller must pass the request's outcome to done. A rejection is a Network
// error carrying the time left before the circuit probes again.
func (b *Breakers) Acquire(ctx context.Context, key string) (done func(error), err error) {
	if b == nil {
		return func(error) {}, nil
	}

	limit := b.cfg.MaxBreakers
	if limit == 0 {
		limit = configuration.DefaultMaxBreakers
	}
	br, ok := b.circuits.getOrCreate(key, func() *breaker {
		return newBreaker(key, b.settings, b.now, b.logger)
	}, limit)
	if !ok {
		// Too many circuits; the request proceeds unguarded.
		b.logger.Warn("circuit breaker limit reached", "circuit", key, "limit", limit)
		return func(error) {}, nil
	}

	adm := br.allow()
	if !adm.allowed {
		if adm.retryIn > 0 {
			return nil, &llmerrors.Error{
				Kind:       llmerrors.KindNetwork,
				Message:    fmt.Sprintf("circuit open for %s", key),
				RetryAfter: adm.retryIn,
			}
		}
		return nil, llmerrors.Newf(llmerrors.KindNetwork, "circuit half-open for %s: probe limit reached", key)
	}

	release := adm.release
	if adm.probe && b.probes != nil {
		if !b.acquireProbeGuard(ctx, key) {
			release()
			br.counters.probeConflicts.Add(1)
			return nil, llmerrors.Newf(llmerrors.KindNetwork, "circuit half-open for %s: probe in progress elsewhere", key)
		}
		guarded := release
		release = func() {
			guarded()
			b.releaseProbeGuard(key)
		}
	}

	return func(err error) {
		defer release()
		if countsAsFailure(err) {
			br.recordFailure()
			return
		}
		br.recordSuccess()
	}, nil
}

// Middleware applies a circuit per protocol and model to unary inference.
// The protocol is the request's override or defaultProtocol. A nil
// receiver returns a nil middleware, which transport.Chain skips.
func (b *Breakers) Middleware(defaultProtocol configuration.Protocol) transport.Middleware {
	if b == nil {
		return nil
	}
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
			protocol := req.Protocol
			if protocol == "" {
				protocol = defaultProtocol
			}
			done, err := b.Acquire(ctx, Key(protocol, req.ModelID))
			if err != nil {
				return nil, err
			}
			resp, err := next.Handle(ctx, req)
			done(err)
			return resp, err
		})
	}
}

// countsAsFailure reports whether err signals an unhealthy server. Caller
// mistakes, rate limiting and cancellation leave the circuit alone.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	e := llmerrors.Classify(err)
	switch e.Kind {
	case llmerrors.KindNetwork, llmerrors.KindTimeout:
		return true
	case llmerrors.KindHTTP, llmerrors.KindProtocol:
		return e.IsRetryable() && e.StatusCode != 429 && e.StatusCode != 408
	default:
		return false
	}
}

func (b *Breakers) acquireProbeGuard(ctx context.Context, key string) bool {
	ttl := b.cfg.ProbeTimeout
	if ttl <= 0 {
		ttl = configuration.DefaultProbeTimeout
	}
	ok, err := b.probes.SetNX(ctx, probeKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		b.logger.Warn("failed to acquire probe guard", "circuit", key, "error", err)
		return true
	}
	return ok
}

func (b *Breakers) releaseProbeGuard(key string) {
	// The request context may already be done; the release must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.probes.Del(ctx, probeKeyPrefix+key).Err(); err != nil {
		b.logger.Warn("failed to release probe guard", "circuit", key, "error", err)
	}
}

// State returns the state of the circuit for key, or ErrCircuitNotFound
// when no request has used it yet.
func (b *Breakers) State(key string) (State, error) {
	if b == nil {
		return StateClosed, ErrCircuitNotFound
	}
	br, ok := b.circuits.get(key)
	if !ok {
		return StateClosed, ErrCircuitNotFound
	}
	return br.current(), nil
}

// Reset forces the circuit for key closed and clears its counters.
// It returns ErrCircuitNotFound for an unknown key.
func (b *Breakers) Reset(key string) error {
	if b == nil {
		return ErrCircuitNotFound
	}
	br, ok := b.circuits.get(key)
	if !ok {
		return ErrCircuitNotFound
	}
	br.force(StateClosed)
	return nil
}
