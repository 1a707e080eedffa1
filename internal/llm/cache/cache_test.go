package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-llmrouter/internal/llm/cache"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

var errRedisDown = errors.New("redis down")

// fakeStore is an in-memory Store with optional error injection.
type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
	nxErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeStore) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeStore) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = toString(value)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nxErr != nil {
		return redis.NewBoolResult(false, f.nxErr)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = toString(value)
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func toString(v any) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func enabledConfig() configuration.CacheConfig {
	return configuration.CacheConfig{Enabled: true, TTL: time.Hour, RedisAddr: "localhost:6379"}
}

func countingHandler(calls *atomic.Int32) transport.Handler {
	return transport.HandlerFunc(func(_ context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
		calls.Add(1)
		return &transport.InferenceResponse{Text: "answer to " + req.Prompt, ModelID: req.ModelID, Success: true}, nil
	})
}

func keyedRequest() *transport.InferenceRequest {
	return &transport.InferenceRequest{Prompt: "hi", ModelID: "llama", IdempotencyKey: "abc123"}
}

func TestCacheHitAfterMiss(t *testing.T) {
	store := newFakeStore()
	c := cache.New(enabledConfig(), store, nil)
	var calls atomic.Int32
	h := c.Middleware()(countingHandler(&calls))

	first, err := h.Handle(context.Background(), keyedRequest())
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := h.Handle(context.Background(), keyedRequest())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "answer to hi", second.Text)
	assert.Equal(t, "llama", second.ModelID)
	assert.True(t, second.Success)

	assert.Equal(t, int32(1), calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	key := transport.CacheKey("llama", "abc123")
	assert.Equal(t, time.Hour, store.ttls[key])
	assert.False(t, store.has(key+":lease"), "lease must be released")
}

func TestCacheBypassesRequestsWithoutKey(t *testing.T) {
	store := newFakeStore()
	c := cache.New(enabledConfig(), store, nil)
	var calls atomic.Int32
	h := c.Middleware()(countingHandler(&calls))

	for range 2 {
		resp, err := h.Handle(context.Background(), &transport.InferenceRequest{Prompt: "hi"})
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, store.data)
}

func TestCacheDisabledIsPassThrough(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	c := cache.New(cfg, newFakeStore(), nil)
	assert.False(t, c.Enabled())

	var calls atomic.Int32
	h := c.Middleware()(countingHandler(&calls))
	for range 2 {
		_, err := h.Handle(context.Background(), keyedRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	store := newFakeStore()
	c := cache.New(enabledConfig(), store, nil)
	failing := transport.HandlerFunc(func(context.Context, *transport.InferenceRequest) (*transport.InferenceResponse, error) {
		return nil, llmerrors.NewHTTPError(500, "boom")
	})

	_, err := c.Middleware()(failing).Handle(context.Background(), keyedRequest())
	require.Error(t, err)
	assert.False(t, store.has(transport.CacheKey("llama", "abc123")))
}

func TestCacheDegradesOnRedisErrors(t *testing.T) {
	store := newFakeStore()
	store.getErr = errRedisDown
	store.setErr = errRedisDown
	store.nxErr = errRedisDown
	c := cache.New(enabledConfig(), store, nil)
	var calls atomic.Int32

	resp, err := c.Middleware()(countingHandler(&calls)).Handle(context.Background(), keyedRequest())
	require.NoError(t, err)
	assert.Equal(t, "answer to hi", resp.Text)
	assert.Equal(t, int64(3), c.Stats().Errors)
}

func TestCacheDiscardsCorruptEntry(t *testing.T) {
	store := newFakeStore()
	key := transport.CacheKey("llama", "abc123")
	store.data[key] = "not json"
	c := cache.New(enabledConfig(), store, nil)
	var calls atomic.Int32

	resp, err := c.Middleware()(countingHandler(&calls)).Handle(context.Background(), keyedRequest())
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, store.has(key), "fresh response replaces the corrupt entry")
}

func TestCacheRejectsStaleEntries(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := cache.New(enabledConfig(), store, nil, cache.WithMaxAge(time.Minute), cache.WithClock(clock))
	var calls atomic.Int32
	h := c.Middleware()(countingHandler(&calls))

	_, err := h.Handle(context.Background(), keyedRequest())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	resp, err := h.Handle(context.Background(), keyedRequest())
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheWaitsForLeaseHolder(t *testing.T) {
	store := newFakeStore()
	key := transport.CacheKey("llama", "abc123")
	store.data[key+":lease"] = "1"
	c := cache.New(enabledConfig(), store, nil)

	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		data, _ := json.Marshal(map[string]any{"text": "from peer", "stored_at_ms": time.Now().UnixMilli()})
		store.Set(context.Background(), key, data, time.Hour)
	}()

	resp, err := c.Middleware()(countingHandler(&calls)).Handle(context.Background(), keyedRequest())
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, "from peer", resp.Text)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNewRedisDisabledConfig(t *testing.T) {
	c, client := cache.NewRedis(context.Background(), configuration.CacheConfig{}, nil)
	assert.Nil(t, client)
	assert.False(t, c.Enabled())
}

func TestNewRedisUnreachableDegrades(t *testing.T) {
	cfg := enabledConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	c, client := cache.NewRedis(context.Background(), cfg, nil)
	assert.Nil(t, client)
	assert.False(t, c.Enabled())
}
