package llm_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-llmrouter/internal/llm"
	"github.com/ahrav/go-llmrouter/internal/llm/batch"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/retry"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// fakeServer is an in-process inference server. Handlers for a path can be
// swapped per test; every request is recorded.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []recorded
}

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{handlers: make(map[string]http.HandlerFunc)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}

		fs.mu.Lock()
		fs.requests = append(fs.requests, rec)
		h, ok := fs.handlers[r.URL.Path]
		fs.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) handle(path string, h http.HandlerFunc) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.handlers["/api/v1/"+path] = h
}

func (fs *fakeServer) recorded() []recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]recorded(nil), fs.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// echoInference answers every inference call with the prompt it received.
func echoInference(w http.ResponseWriter, r *http.Request) {
	var req transport.InferenceRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]any{
		"text":     "echo: " + req.Prompt,
		"model_id": req.ModelID,
		"success":  true,
		"metrics":  map[string]any{"tokens_generated": 3},
	})
}

func noSleep() retry.Option {
	return retry.WithSleeper(retry.SleeperFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func testConfig(baseURL string) *configuration.Config {
	cfg := configuration.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.APIKey = "secret"
	cfg.Timeout = 5 * time.Second
	cfg.RateLimit.Enabled = false
	return cfg
}

func newClient(t *testing.T, cfg *configuration.Config, opts ...llm.Option) *llm.Client {
	t.Helper()
	opts = append([]llm.Option{llm.WithRetryOptions(noSleep()), llm.WithoutLimiterCleanup()}, opts...)
	c, err := llm.NewClient(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInferenceSendsSessionAndHeaders(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	c := newClient(t, testConfig(fs.URL))

	c.SetSessionID("sess-1")
	resp, err := c.Inference(context.Background(), &transport.InferenceRequest{Prompt: "hello", ModelID: "llama"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Text)
	assert.Equal(t, "llama", resp.ModelID)

	reqs := fs.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "sess-1", reqs[0].header.Get("X-Session-ID"))
	assert.Equal(t, "sess-1", reqs[0].body["session_id"])
	assert.Equal(t, "Bearer secret", reqs[0].header.Get("Authorization"))
	assert.NotEmpty(t, reqs[0].header.Get("X-Request-ID"))
	assert.Empty(t, reqs[0].header.Get("Idempotency-Key"), "non-deterministic requests carry no key")
}

func TestInferenceValidationNeedsNoNetwork(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	c := newClient(t, testConfig(fs.URL))

	tooHot := 3.0
	for _, req := range []*transport.InferenceRequest{
		nil,
		{Prompt: "   "},
		{Prompt: "ok", Options: &transport.InferenceOptions{Temperature: &tooHot}},
	} {
		_, err := c.Inference(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
	}
	assert.Empty(t, fs.recorded())
}

func TestInferenceRetriesTransientFailures(t *testing.T) {
	fs := newFakeServer(t)
	var calls atomic.Int32
	fs.handle("inference", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "warming up"})
			return
		}
		echoInference(w, r)
	})
	c := newClient(t, testConfig(fs.URL))

	resp, err := c.Inference(context.Background(), &transport.InferenceRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Text)
	assert.Equal(t, int32(3), calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Retry.TotalAttempts)
	assert.Equal(t, int64(1), stats.Retry.SuccessfulRetries)
	assert.Equal(t, int64(1), stats.Requests.RequestsSuccess)

	reqs := fs.recorded()
	assert.Equal(t, reqs[0].header.Get("X-Request-ID"), reqs[2].header.Get("X-Request-ID"),
		"every attempt carries the same request id")
}

func TestInferenceDoesNotRetryAuthentication(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad key"})
	})
	c := newClient(t, testConfig(fs.URL))

	_, err := c.Inference(context.Background(), &transport.InferenceRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindAuthentication, llmerrors.KindOf(err))
	assert.Len(t, fs.recorded(), 1)
	assert.Equal(t, map[string]int64{"authentication": 1}, c.Stats().Requests.ErrorsByKind)
}

func TestInferenceCircuitOpensOnRepeatedFailures(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "overloaded"})
	})
	cfg := testConfig(fs.URL)
	cfg.Retry.MaxAttempts = 0
	cfg.CircuitBreaker.Enabled = true
	cfg.CircuitBreaker.FailureThreshold = 2
	c := newClient(t, cfg)

	req := &transport.InferenceRequest{Prompt: "hi", ModelID: "llama"}
	for range 2 {
		_, err := c.Inference(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, llmerrors.KindHTTP, llmerrors.KindOf(err))
	}

	_, err := c.Inference(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindNetwork, llmerrors.KindOf(err))
	assert.Contains(t, err.Error(), "circuit open for http:llama")
	assert.Len(t, fs.recorded(), 2)

	stats := c.Stats().Circuits
	assert.Equal(t, 1, stats.StateCount["open"])
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestInferenceServerReportedFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "model crashed"})
	})
	c := newClient(t, testConfig(fs.URL))

	_, err := c.Inference(context.Background(), &transport.InferenceRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindInference, llmerrors.KindOf(err))
	assert.Contains(t, err.Error(), "model crashed")
}

func TestInferenceRateLimited(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	cfg := testConfig(fs.URL)
	cfg.RateLimit = configuration.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	cfg.Retry.MaxAttempts = 0
	c := newClient(t, cfg)

	_, err := c.Inference(context.Background(), &transport.InferenceRequest{Prompt: "first"})
	require.NoError(t, err)

	_, err = c.Inference(context.Background(), &transport.InferenceRequest{Prompt: "second"})
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindRateLimit, llmerrors.KindOf(err))
	delay, ok := llmerrors.CarriedDelay(err)
	assert.True(t, ok)
	assert.Greater(t, delay, 50*time.Second)

	assert.Len(t, fs.recorded(), 1)
	require.NotNil(t, c.Stats().RateLimit)
	assert.Equal(t, int64(1), c.Stats().RateLimit.Denied)
}

// mapStore is a minimal cache.Store.
type mapStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *mapStore) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mapStore) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = asString(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mapStore) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = asString(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mapStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func asString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func TestDeterministicInferenceIsCached(t *testing.T) {
	fs := newFakeServer(t)
	var calls atomic.Int32
	fs.handle("inference", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		echoInference(w, r)
	})
	cfg := testConfig(fs.URL)
	cfg.Cache.Enabled = true
	cfg.Cache.RedisAddr = "unused:6379"
	c := newClient(t, cfg, llm.WithCacheStore(&mapStore{data: map[string]string{}}))

	zero := 0.0
	req := &transport.InferenceRequest{Prompt: "what is 2+2", ModelID: "llama",
		Options: &transport.InferenceOptions{Temperature: &zero}}

	first, err := c.Inference(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.Inference(context.Background(), &transport.InferenceRequest{
		Prompt: "what   is 2+2", ModelID: "llama", Options: &transport.InferenceOptions{Temperature: &zero},
	})
	require.NoError(t, err)
	assert.True(t, second.Cached, "whitespace differences map to the same key")
	assert.Equal(t, first.Text, second.Text)

	assert.Equal(t, int32(1), calls.Load())
	assert.NotEmpty(t, fs.recorded()[0].header.Get("Idempotency-Key"))
	assert.Equal(t, int64(1), c.Stats().Cache.Hits)
	assert.Empty(t, req.IdempotencyKey, "caller's request is not mutated")
}

func TestStreamInference(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"token\":%q,\"is_complete\":false}\n\n", tok)
		}
		fmt.Fprint(w, "data: {\"token\":\"\",\"is_complete\":true,\"model_id\":\"llama\"}\n\n")
	})
	c := newClient(t, testConfig(fs.URL))

	s, err := c.StreamInference(context.Background(), &transport.InferenceRequest{Prompt: "hi"})
	require.NoError(t, err)
	defer s.Close()

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Text)
	assert.True(t, result.Complete)

	reqs := fs.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "text/event-stream", reqs[0].header.Get("Accept"))
	opts, _ := reqs[0].body["options"].(map[string]any)
	assert.Equal(t, true, opts["stream"])
}

func TestStreamInferenceRetriesConnection(t *testing.T) {
	fs := newFakeServer(t)
	var calls atomic.Int32
	fs.handle("inference/stream", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "data: {\"token\":\"ok\",\"is_complete\":false}\n\ndata: [DONE]\n\n")
	})
	c := newClient(t, testConfig(fs.URL))

	s, err := c.StreamInference(context.Background(), &transport.InferenceRequest{Prompt: "hi"})
	require.NoError(t, err)
	defer s.Close()

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBatchInference(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	c := newClient(t, testConfig(fs.URL))
	c.SetSessionID("batch-session")

	reqs := []*transport.InferenceRequest{{Prompt: "a"}, {Prompt: ""}, {Prompt: "c"}}
	summary, err := c.BatchInference(context.Background(), reqs, batch.Options{MaxConcurrent: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, "echo: a", summary.Outcomes[0].Response.Text)
	assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(summary.Outcomes[1].Err))
	assert.Equal(t, "echo: c", summary.Outcomes[2].Response.Text)

	ids := map[string]bool{}
	for _, r := range fs.recorded() {
		assert.Equal(t, "batch-session", r.header.Get("X-Session-ID"))
		ids[r.header.Get("X-Request-ID")] = true
	}
	assert.Len(t, ids, 2, "each member gets its own request id")
}

func TestSessionManagementIsConcurrencySafe(t *testing.T) {
	c := newClient(t, testConfig("http://localhost:1"))
	assert.Empty(t, c.SessionID())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SetSessionID(fmt.Sprintf("s-%d", i))
		}()
		go func() {
			defer wg.Done()
			_ = c.SessionID()
		}()
	}
	wg.Wait()
	assert.True(t, strings.HasPrefix(c.SessionID(), "s-"))

	c.ClearSession()
	assert.Empty(t, c.SessionID())
}

func TestChatCompletionFormatsPrompt(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	c := newClient(t, testConfig(fs.URL))

	resp, err := c.ChatCompletion(context.Background(), []transport.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, "llama", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: system: be brief\nuser: hi\nassistant:", resp.Text)

	_, err = c.ChatCompletion(context.Background(), nil, "", nil)
	assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
}

func TestQuickInferenceUsesDefaults(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	c := newClient(t, testConfig(fs.URL))

	_, err := c.QuickInference(context.Background(), "hi", "")
	require.NoError(t, err)

	opts, _ := fs.recorded()[0].body["options"].(map[string]any)
	assert.EqualValues(t, transport.DefaultMaxTokens, opts["max_tokens"])
	assert.EqualValues(t, transport.DefaultTemperature, opts["temperature"])
}

func TestAdminOperations(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "version": "2.0"})
	})
	fs.handle("status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models_loaded": 2})
	})
	fs.handle("metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"cpu_usage": 12.5, "active_connections": 4})
	})
	fs.handle("models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": []map[string]any{{"id": "llama", "loaded": true}}})
	})
	fs.handle("models/llama", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "llama", "name": "Llama", "loaded": true})
	})
	fs.handle("models/load", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "model": map[string]any{"id": "phi"}})
	})
	fs.handle("models/unload", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "unloaded"})
	})
	c := newClient(t, testConfig(fs.URL))
	ctx := context.Background()

	health, err := c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy())
	assert.Equal(t, "2.0", health.Version)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, status["models_loaded"])

	metrics, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, metrics.CPUUsage, 1e-9)
	assert.Equal(t, 4, metrics.ActiveConnections)

	models, err := c.ListModels(ctx, true)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama", models[0].ID)

	model, err := c.GetModel(ctx, "llama")
	require.NoError(t, err)
	assert.Equal(t, "Llama", model.Name)

	loaded, err := c.LoadModel(ctx, &transport.LoadModelRequest{Source: "hf://phi", ID: "phi"})
	require.NoError(t, err)
	assert.True(t, loaded.Success)
	assert.Equal(t, "phi", loaded.Model.ID)

	unloaded, err := c.UnloadModel(ctx, "phi", true)
	require.NoError(t, err)
	assert.Equal(t, "unloaded", unloaded.Message)

	reqs := fs.recorded()
	assert.Equal(t, "include_unloaded=true", reqs[3].query)
	assert.Equal(t, map[string]any{"model_id": "phi", "force": true}, reqs[6].body)
}

func TestAdminValidation(t *testing.T) {
	c := newClient(t, testConfig("http://localhost:1"))
	ctx := context.Background()

	_, err := c.GetModel(ctx, "")
	assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
	_, err = c.LoadModel(ctx, &transport.LoadModelRequest{})
	assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
	_, err = c.UnloadModel(ctx, "", false)
	assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
}

func TestGetModelNotFound(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("models/ghost", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"message": "no such model", "code": "model_not_found"}})
	})
	c := newClient(t, testConfig(fs.URL))

	_, err := c.GetModel(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindModelNotFound, llmerrors.KindOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("inference", echoInference)
	c, err := llm.NewClient(context.Background(), testConfig(fs.URL))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	_, err = c.Inference(ctx, &transport.InferenceRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, llmerrors.ErrClientClosed)
	_, err = c.StreamInference(ctx, &transport.InferenceRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, llmerrors.ErrClientClosed)
	_, err = c.BatchInference(ctx, []*transport.InferenceRequest{{Prompt: "hi"}}, batch.Options{})
	assert.ErrorIs(t, err, llmerrors.ErrClientClosed)
	_, err = c.HealthCheck(ctx)
	assert.ErrorIs(t, err, llmerrors.ErrClientClosed)
	assert.Empty(t, fs.recorded())
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.BaseURL = ""
	_, err := llm.NewClient(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))
}
