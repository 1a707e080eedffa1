// Package providers implements the transport adapters that carry calls to
// an inference router over HTTP, gRPC or WebSocket, and the router that
// selects between them.
//
// Every adapter classifies its own failures: errors leaving this package
// are always *errors.Error values.
package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// Router selects the adapter for a request's protocol. The HTTP adapter is
// built eagerly; gRPC and WebSocket adapters are built on first use so a
// client that never selects them opens no extra connections.
type Router struct {
	cfg    *configuration.Config
	logger *slog.Logger

	httpClient *http.Client
	grpcOpts   []grpc.DialOption
	wsDialer   *websocket.Dialer

	mu       sync.Mutex
	adapters map[configuration.Protocol]transport.Adapter
	closed   bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAdapter installs a prebuilt adapter for protocol.
func WithAdapter(protocol configuration.Protocol, a transport.Adapter) RouterOption {
	return func(r *Router) { r.adapters[protocol] = a }
}

// WithHTTPClient sets the client used by the HTTP adapter.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.httpClient = c }
}

// WithGRPCDialOptions appends dial options for the gRPC adapter.
func WithGRPCDialOptions(opts ...grpc.DialOption) RouterOption {
	return func(r *Router) { r.grpcOpts = append(r.grpcOpts, opts...) }
}

// WithWebSocketDialer sets the dialer used by the WebSocket adapter.
func WithWebSocketDialer(d *websocket.Dialer) RouterOption {
	return func(r *Router) { r.wsDialer = d }
}

// NewRouter creates a router for cfg.
func NewRouter(cfg *configuration.Config, logger *slog.Logger, opts ...RouterOption) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		adapters: make(map[configuration.Protocol]transport.Adapter),
	}
	for _, opt := range opts {
		opt(r)
	}

	if _, ok := r.adapters[configuration.ProtocolHTTP]; !ok {
		a, err := NewHTTPAdapter(cfg, r.httpClient, logger)
		if err != nil {
			return nil, err
		}
		r.adapters[configuration.ProtocolHTTP] = a
	}
	return r, nil
}

// Pick implements transport.AdapterPicker. A request's Protocol overrides
// the configured default; a nil request uses the default.
func (r *Router) Pick(_ context.Context, req *transport.InferenceRequest) (transport.Adapter, error) {
	protocol := r.cfg.Protocol
	if req != nil && req.Protocol != "" {
		protocol = req.Protocol
	}
	return r.Adapter(protocol)
}

// Adapter returns the adapter for protocol, constructing it if needed.
func (r *Router) Adapter(protocol configuration.Protocol) (transport.Adapter, error) {
	if protocol == "" {
		protocol = configuration.ProtocolHTTP
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, llmerrors.ErrClientClosed
	}
	if a, ok := r.adapters[protocol]; ok {
		return a, nil
	}

	var (
		a   transport.Adapter
		err error
	)
	switch protocol {
	case configuration.ProtocolGRPC:
		a, err = NewGRPCAdapter(r.cfg, r.logger, r.grpcOpts...)
	case configuration.ProtocolWebSocket:
		a, err = NewWebSocketAdapter(r.cfg, r.wsDialer, r.logger)
	default:
		return nil, llmerrors.Newf(llmerrors.KindConfiguration, "unsupported protocol %q", protocol)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Debug("adapter initialized", "component", "router", "protocol", protocol)
	r.adapters[protocol] = a
	return a, nil
}

// Close closes every constructed adapter. Later picks fail with the
// closed-client error. Close is idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
