// Package cache serves repeated deterministic inference requests from Redis.
//
// Only requests carrying an idempotency key are cached, and only successful
// responses are stored. Any Redis failure degrades to a cache bypass; the
// cache never turns a working request into a failing one.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

const (
	pingTimeout        = 5 * time.Second
	cleanupTimeout     = 2 * time.Second
	defaultLeaseTTL    = 30 * time.Second
	retryCheckInterval = 100 * time.Millisecond
	leaseSuffix        = ":lease"
)

// Store is the subset of the Redis API the cache needs.
// *redis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// entry is the JSON document stored under a cache key.
type entry struct {
	Text       string                      `json:"text"`
	ModelID    string                      `json:"model_id,omitempty"`
	Metrics    *transport.InferenceMetrics `json:"metrics,omitempty"`
	Metadata   map[string]any              `json:"metadata,omitempty"`
	StoredAtMs int64                       `json:"stored_at_ms"`
}

// Cache is a response cache middleware backed by a Store.
type Cache struct {
	store    Store
	ttl      time.Duration
	maxAge   time.Duration
	leaseTTL time.Duration
	enabled  bool
	logger   *slog.Logger
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxAge rejects entries older than d even if Redis still holds them.
func WithMaxAge(d time.Duration) Option { return func(c *Cache) { c.maxAge = d } }

// WithLeaseTTL bounds how long a lease protects an in-flight computation.
func WithLeaseTTL(d time.Duration) Option { return func(c *Cache) { c.leaseTTL = d } }

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New returns a cache over store. A nil store or cfg.Enabled == false
// yields a pass-through cache.
func New(cfg configuration.CacheConfig, store Store, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:    store,
		ttl:      cfg.TTL,
		leaseTTL: defaultLeaseTTL,
		enabled:  cfg.Enabled && store != nil,
		logger:   logger.With("component", "cache"),
		now:      time.Now,
	}
	if c.ttl <= 0 {
		c.ttl = configuration.DefaultCacheTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRedis dials Redis from cfg and pings it. When the ping fails the
// returned cache is disabled and the client is closed; the error is
// logged, not returned, so a missing Redis never blocks startup.
func NewRedis(ctx context.Context, cfg configuration.CacheConfig, logger *slog.Logger) (*Cache, *redis.Client) {
	if !cfg.Enabled {
		return New(cfg, nil, logger), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("redis unavailable, response cache disabled", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		cfg.Enabled = false
		return New(cfg, nil, logger), nil
	}
	return New(cfg, client, logger), client
}

// Enabled reports whether lookups reach Redis.
func (c *Cache) Enabled() bool { return c.enabled }

// Middleware returns the cache as a handler middleware.
func (c *Cache) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
			if !c.enabled || req == nil || req.IdempotencyKey == "" {
				return next.Handle(ctx, req)
			}
			return c.handle(ctx, req, next)
		})
	}
}

func (c *Cache) handle(
	ctx context.Context,
	req *transport.InferenceRequest,
	next transport.Handler,
) (*transport.InferenceResponse, error) {
	key := transport.CacheKey(req.ModelID, transport.IdemKey(req.IdempotencyKey))

	if resp, ok := c.lookup(ctx, key); ok {
		return resp, nil
	}
	c.misses.Add(1)

	leaseKey := key + leaseSuffix
	acquired, err := c.store.SetNX(ctx, leaseKey, "1", c.leaseTTL).Result()
	switch {
	case err != nil:
		c.errors.Add(1)
		c.logger.Warn("cache lease error", "error", err, "key", key)
	case !acquired:
		// Another caller is computing this response. Wait once for it.
		select {
		case <-time.After(retryCheckInterval):
			if resp, ok := c.lookup(ctx, key); ok {
				return resp, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		defer c.release(leaseKey) //nolint:contextcheck // release must outlive a cancelled request
	}

	resp, err := next.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Success {
		if err := c.save(ctx, key, resp); err != nil {
			c.errors.Add(1)
			c.logger.Warn("cache set error", "error", err, "key", key)
		}
	}
	return resp, nil
}

// lookup returns a cached response for key. Misses, corrupt entries and
// Redis errors all report false.
func (c *Cache) lookup(ctx context.Context, key string) (*transport.InferenceResponse, bool) {
	raw, err := c.store.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache get error", "error", err, "key", key)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.errors.Add(1)
		c.logger.Warn("corrupt cache entry", "error", err, "key", key)
		c.discard(ctx, key)
		return nil, false
	}
	if c.maxAge > 0 {
		age := c.now().Sub(time.UnixMilli(e.StoredAtMs))
		if age < 0 || age > c.maxAge {
			c.discard(ctx, key)
			return nil, false
		}
	}

	c.hits.Add(1)
	c.logger.Debug("cache hit", "key", key)
	return &transport.InferenceResponse{
		Text:     e.Text,
		ModelID:  e.ModelID,
		Metrics:  e.Metrics,
		Metadata: e.Metadata,
		Success:  true,
		Cached:   true,
	}, true
}

func (c *Cache) save(ctx context.Context, key string, resp *transport.InferenceResponse) error {
	data, err := json.Marshal(entry{
		Text:       resp.Text,
		ModelID:    resp.ModelID,
		Metrics:    resp.Metrics,
		Metadata:   resp.Metadata,
		StoredAtMs: c.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.store.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) discard(ctx context.Context, key string) {
	if err := c.store.Del(ctx, key).Err(); err != nil {
		c.logger.Debug("cache delete error", "error", err, "key", key)
	}
}

func (c *Cache) release(leaseKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.store.Del(ctx, leaseKey).Err(); err != nil {
		c.logger.Warn("lease cleanup error", "error", err, "key", leaseKey)
	}
}
