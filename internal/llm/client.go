// Package llm provides a resilient client for a remote inference server.
//
// Architecture:
//   - Protocol-agnostic adapters (HTTP, gRPC, WebSocket) behind a router
//   - Middleware chain for unary inference: observability, cache, retry, rate limit,
//     circuit breaker
//   - Streaming decoded from server-sent-event frames, retried only until connected
//   - Batches run under a concurrency cap and a shared deadline
//   - Success-only response caching for deterministic requests
//   - Graceful degradation when Redis is unavailable
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-llmrouter/internal/llm/batch"
	"github.com/ahrav/go-llmrouter/internal/llm/cache"
	"github.com/ahrav/go-llmrouter/internal/llm/circuitbreaker"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/providers"
	"github.com/ahrav/go-llmrouter/internal/llm/ratelimit"
	"github.com/ahrav/go-llmrouter/internal/llm/resilience"
	"github.com/ahrav/go-llmrouter/internal/llm/retry"
	"github.com/ahrav/go-llmrouter/internal/llm/stream"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// Client is the entry point for inference calls. It is safe for concurrent
// use; the session id is the only mutable state shared between calls.
type Client struct {
	cfg      *configuration.Config
	logger   *slog.Logger
	router   *providers.Router
	engine   *retry.Engine
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	redis    *redis.Client
	breakers *circuitbreaker.Breakers
	stats    *resilience.StatsRecorder
	metrics  resilience.Metrics
	handler  transport.Handler

	sessionMu sync.RWMutex
	sessionID string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger      *slog.Logger
	metrics     resilience.Metrics
	routerOpts  []providers.RouterOption
	retryOpts   []retry.Option
	cacheStore  cache.Store
	cacheOpts   []cache.Option
	breakerOpts []circuitbreaker.Option
	startReaper bool
}

// WithLogger sets the logger used by the client and every component.
func WithLogger(l *slog.Logger) Option { return func(o *clientOptions) { o.logger = l } }

// WithMetrics sets the metrics sink. The default discards everything.
func WithMetrics(m resilience.Metrics) Option { return func(o *clientOptions) { o.metrics = m } }

// WithRouterOptions passes options to the protocol router.
func WithRouterOptions(opts ...providers.RouterOption) Option {
	return func(o *clientOptions) { o.routerOpts = append(o.routerOpts, opts...) }
}

// WithRetryOptions passes options to the retry engine, such as a custom
// sleeper or random source.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *clientOptions) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithCacheStore replaces the Redis connection built from configuration.
func WithCacheStore(s cache.Store, opts ...cache.Option) Option {
	return func(o *clientOptions) {
		o.cacheStore = s
		o.cacheOpts = opts
	}
}

// WithBreakerOptions passes options to the circuit breakers.
func WithBreakerOptions(opts ...circuitbreaker.Option) Option {
	return func(o *clientOptions) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// WithoutLimiterCleanup disables the background sweep of idle rate-limit
// buckets.
func WithoutLimiterCleanup() Option { return func(o *clientOptions) { o.startReaper = false } }

// NewClient builds a client from cfg. A nil cfg uses DefaultConfig.
//
// The configuration is validated first; an invalid one yields a
// Configuration error. When caching is enabled and Redis cannot be
// reached the client starts without a cache and logs a warning. The
// circuit breakers share that Redis connection for probe coordination.
func NewClient(ctx context.Context, cfg *configuration.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := clientOptions{startReaper: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = resilience.NewNoOpMetrics()
	}

	c := &Client{
		cfg:     cfg,
		logger:  o.logger.With("component", "client"),
		stats:   resilience.NewStatsRecorder(),
		metrics: o.metrics,
	}

	router, err := providers.NewRouter(cfg, o.logger, o.routerOpts...)
	if err != nil {
		return nil, err
	}
	c.router = router

	retryOpts := append([]retry.Option{
		retry.WithLogger(o.logger),
		retry.WithObserver(resilience.RetryObserver(o.metrics)),
	}, o.retryOpts...)
	c.engine, err = retry.NewEngine(cfg.Retry, retryOpts...)
	if err != nil {
		_ = router.Close()
		return nil, err
	}

	if cfg.RateLimit.Enabled {
		c.limiter, err = ratelimit.New(cfg.RateLimit, o.logger)
		if err != nil {
			_ = router.Close()
			return nil, err
		}
		if o.startReaper {
			c.limiter.Start()
		}
	}

	if o.cacheStore != nil {
		c.cache = cache.New(cfg.Cache, o.cacheStore, o.logger, o.cacheOpts...)
	} else {
		c.cache, c.redis = cache.NewRedis(ctx, cfg.Cache, o.logger)
	}

	breakerOpts := o.breakerOpts
	if c.redis != nil {
		breakerOpts = append([]circuitbreaker.Option{circuitbreaker.WithProbeStore(c.redis)}, breakerOpts...)
	}
	c.breakers = circuitbreaker.New(cfg.CircuitBreaker, o.logger, breakerOpts...)

	var limit transport.Middleware
	if c.limiter != nil {
		limit = c.limiter.Middleware()
	}
	c.handler = transport.Chain(
		transport.NewAdapterHandler(router),
		resilience.NewLoggingMiddleware(cfg.Observability, o.logger, o.metrics),
		c.stats.Middleware(),
		c.cache.Middleware(),
		retry.NewMiddleware(c.engine),
		limit,
		c.breakers.Middleware(cfg.Protocol),
	)

	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *configuration.Config { return c.cfg }

// SetSessionID binds subsequent calls to id.
func (c *Client) SetSessionID(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.sessionID = id
}

// ClearSession removes the session binding.
func (c *Client) ClearSession() { c.SetSessionID("") }

// SessionID returns the current session id, or "" when none is set.
func (c *Client) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

// Inference runs one unary inference call through the full middleware chain.
// Invalid requests fail with a Validation error before any network call.
func (c *Client) Inference(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
	if c.closed.Load() {
		return nil, llmerrors.ErrClientClosed
	}
	r, err := c.prepare(req, c.SessionID())
	if err != nil {
		return nil, err
	}
	rc := transport.NewRequestContext(ctx, r.SessionID)
	return c.handler.Handle(transport.WithRequestContext(ctx, rc), r)
}

// StreamInference opens a token stream. Only establishing the connection is
// retried; a failure after the first frame ends the stream with an error
// chunk. The caller must Close the returned stream.
func (c *Client) StreamInference(ctx context.Context, req *transport.InferenceRequest) (*stream.Stream, error) {
	if c.closed.Load() {
		return nil, llmerrors.ErrClientClosed
	}
	r, err := c.prepare(req, c.SessionID())
	if err != nil {
		return nil, err
	}
	if r.Options == nil {
		r.Options = &transport.InferenceOptions{}
	}
	r.Options.Stream = true
	// Streamed output is never cached.
	r.IdempotencyKey = ""

	adapter, err := c.router.Pick(ctx, r)
	if err != nil {
		return nil, err
	}

	rc := transport.NewRequestContext(ctx, r.SessionID)
	ctx = transport.WithRequestContext(ctx, rc)
	call := &transport.Call{Method: http.MethodPost, Path: "inference/stream", Body: r}

	circuit := circuitbreaker.Key(configuration.Protocol(adapter.Name()), r.ModelID)
	src, err := retry.Run(ctx, c.engine, func(ctx context.Context) (transport.FrameSource, error) {
		if c.limiter != nil {
			if err := c.limiter.Allow(limiterKey(r.ModelID)); err != nil {
				return nil, err
			}
		}
		done, err := c.breakers.Acquire(ctx, circuit)
		if err != nil {
			return nil, err
		}
		src, err := adapter.ExecuteStreaming(ctx, call)
		done(err)
		return src, err
	})
	if err != nil {
		c.stats.Record(nil, err, 0)
		return nil, err
	}

	c.logger.Debug("stream opened", "request_id", rc.RequestID, "model", r.ModelID, "adapter", adapter.Name())
	return stream.New(src, stream.WithLogger(c.logger)), nil
}

// BatchInference runs reqs concurrently. Zero fields of opts take the
// configured batch defaults. Every member shares the session bound when
// the batch starts and gets its own request id.
func (c *Client) BatchInference(
	ctx context.Context,
	reqs []*transport.InferenceRequest,
	opts batch.Options,
) (*batch.Summary, error) {
	if c.closed.Load() {
		return nil, llmerrors.ErrClientClosed
	}

	defaults := batch.OptionsFromConfig(c.cfg.Batch)
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	session := c.SessionID()
	parent := transport.NewRequestContext(ctx, session)

	orchestrator := batch.New(func(ctx context.Context, _ int, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
		r, err := c.prepare(req, session)
		if err != nil {
			return nil, err
		}
		return c.handler.Handle(transport.WithRequestContext(ctx, parent.Clone()), r)
	}, c.logger)

	summary := orchestrator.Run(ctx, reqs, opts)
	resilience.RecordBatch(c.metrics, summary)
	return summary, nil
}

// QuickInference runs prompt with the default sampling options.
func (c *Client) QuickInference(ctx context.Context, prompt, modelID string) (*transport.InferenceResponse, error) {
	return c.Inference(ctx, &transport.InferenceRequest{
		Prompt:  prompt,
		ModelID: modelID,
		Options: transport.DefaultOptions(),
	})
}

// ChatCompletion renders messages as a single prompt and runs Inference.
func (c *Client) ChatCompletion(
	ctx context.Context,
	messages []transport.ChatMessage,
	modelID string,
	opts *transport.InferenceOptions,
) (*transport.InferenceResponse, error) {
	if len(messages) == 0 {
		return nil, llmerrors.New(llmerrors.KindValidation, "at least one message is required")
	}
	return c.Inference(ctx, &transport.InferenceRequest{
		Prompt:  transport.FormatChatPrompt(messages),
		ModelID: modelID,
		Options: opts,
	})
}

// HealthCheck reports the server's health. Like every admin call it runs
// on the default adapter through the retry engine, without rate limiting.
func (c *Client) HealthCheck(ctx context.Context) (*transport.HealthStatus, error) {
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodGet, Path: "health"})
	if err != nil {
		return nil, err
	}
	return transport.DecodeHealth(raw)
}

// Status returns the server's status document.
func (c *Client) Status(ctx context.Context) (transport.SystemStatus, error) {
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodGet, Path: "status"})
	if err != nil {
		return nil, err
	}
	var s transport.SystemStatus
	if err := transport.DecodeInto(raw, &s, "system status"); err != nil {
		return nil, err
	}
	return s, nil
}

// Metrics returns the server's resource usage.
func (c *Client) Metrics(ctx context.Context) (*transport.SystemMetrics, error) {
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodGet, Path: "metrics"})
	if err != nil {
		return nil, err
	}
	var m transport.SystemMetrics
	if err := transport.DecodeInto(raw, &m, "system metrics"); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModels returns the models known to the server. Unloaded models are
// included only when includeUnloaded is set.
func (c *Client) ListModels(ctx context.Context, includeUnloaded bool) ([]transport.ModelInfo, error) {
	query := url.Values{"include_unloaded": {strconv.FormatBool(includeUnloaded)}}
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodGet, Path: "models", Query: query})
	if err != nil {
		return nil, err
	}
	return transport.DecodeModels(raw)
}

// GetModel describes one model. The id is sent unescaped; the HTTP
// adapter escapes it as a path segment and the message transports send it
// as model_id. A 404 carrying model_not_found is a ModelNotFound error.
func (c *Client) GetModel(ctx context.Context, id string) (*transport.ModelInfo, error) {
	if id == "" {
		return nil, llmerrors.New(llmerrors.KindValidation, "model id is required")
	}
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodGet, Path: "models", PathParam: id})
	if err != nil {
		return nil, err
	}
	var m transport.ModelInfo
	if err := transport.DecodeInto(raw, &m, "model info"); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadModel asks the server to load a model. The request is validated
// locally before it is sent.
func (c *Client) LoadModel(ctx context.Context, req *transport.LoadModelRequest) (*transport.LoadModelResponse, error) {
	if req == nil {
		return nil, llmerrors.New(llmerrors.KindValidation, "load request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodPost, Path: "models/load", Body: req})
	if err != nil {
		return nil, err
	}
	var resp transport.LoadModelResponse
	if err := transport.DecodeInto(raw, &resp, "load model response"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UnloadModel asks the server to release a model. With force set the
// server drops the model even while requests are using it.
func (c *Client) UnloadModel(ctx context.Context, id string, force bool) (*transport.UnloadModelResponse, error) {
	if id == "" {
		return nil, llmerrors.New(llmerrors.KindValidation, "model id is required")
	}
	body := &transport.UnloadModelRequest{ModelID: id, Force: force}
	raw, err := c.call(ctx, &transport.Call{Method: http.MethodPost, Path: "models/unload", Body: body})
	if err != nil {
		return nil, err
	}
	var resp transport.UnloadModelResponse
	if err := transport.DecodeInto(raw, &resp, "unload model response"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats aggregates the client's in-process counters.
type Stats struct {
	Requests  resilience.ObservabilityStats `json:"requests"`
	Retry     retry.Stats                   `json:"retry"`
	Cache     cache.Stats                   `json:"cache"`
	RateLimit *ratelimit.Stats              `json:"rate_limit,omitempty"`
	Circuits  circuitbreaker.Stats          `json:"circuits"`
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	s := Stats{
		Requests: c.stats.Snapshot(),
		Retry:    c.engine.Stats(),
		Cache:    c.cache.Stats(),
		Circuits: c.breakers.Stats(),
	}
	if c.limiter != nil {
		rl := c.limiter.Stats()
		s.RateLimit = &rl
	}
	return s
}

// Close releases every connection held by the client. It is idempotent;
// every call returns the result of the first.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.limiter != nil {
			c.limiter.Stop()
		}

		var errs []error
		if err := c.router.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.redis != nil {
			if err := c.redis.Close(); err != nil {
				errs = append(errs, llmerrors.Wrap(llmerrors.KindNetwork, "close redis", err))
			}
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("client closed")
	})
	return c.closeErr
}

// prepare validates req and returns a copy carrying the client's defaults.
func (c *Client) prepare(req *transport.InferenceRequest, session string) (*transport.InferenceRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := req.Clone()
	if r.SessionID == "" {
		r.SessionID = session
	}
	if r.Timeout <= 0 {
		r.Timeout = c.cfg.Timeout
	}
	if r.IdempotencyKey == "" && r.Options.Deterministic() {
		key, err := transport.GenerateIdemKey(r)
		if err != nil {
			return nil, llmerrors.Wrap(llmerrors.KindSerialization, "build idempotency key", err)
		}
		r.IdempotencyKey = key.String()
	}
	return r, nil
}

// call runs a non-inference exchange on the default adapter under the
// retry engine.
func (c *Client) call(ctx context.Context, call *transport.Call) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, llmerrors.ErrClientClosed
	}
	adapter, err := c.router.Pick(ctx, nil)
	if err != nil {
		return nil, err
	}

	rc := transport.NewRequestContext(ctx, c.SessionID())
	ctx = transport.WithRequestContext(ctx, rc)
	return retry.Run(ctx, c.engine, func(ctx context.Context) (json.RawMessage, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return adapter.Execute(attemptCtx, call)
	})
}

func limiterKey(model string) string {
	if model == "" {
		return "default"
	}
	return model
}
