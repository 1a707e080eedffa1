package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/stream"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// Request headers carrying correlation data.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderRequestID = "X-Request-ID"
)

// apiPrefix is prepended to every call path.
const apiPrefix = "/api/v1/"

// HTTPAdapter sends calls to the router's REST API over a pooled client.
// Streaming calls return the response body as a server-sent-events source.
type HTTPAdapter struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewHTTPAdapter creates an adapter for cfg.BaseURL. When client is nil a
// pooled client is built from the connection pool and TLS settings.
func NewHTTPAdapter(cfg *configuration.Config, client *http.Client, logger *slog.Logger) (*HTTPAdapter, error) {
	if client == nil {
		var err error
		if client, err = newPooledClient(cfg); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAdapter{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		headers: cfg.AuthHeaders(),
		client:  client,
		logger:  logger.With("component", "http-adapter"),
		now:     time.Now,
	}, nil
}

// newPooledClient builds the shared HTTP client. Per-request deadlines come
// from the context, so the client itself carries no overall timeout; that
// keeps long streams from being cut off mid-body.
func newPooledClient(cfg *configuration.Config) (*http.Client, error) {
	tc, err := tlsConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	pool := cfg.ConnectionPool
	dialer := &net.Dialer{Timeout: pool.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          pool.MaxIdleConnections,
			MaxIdleConnsPerHost:   pool.MaxIdleConnections,
			MaxConnsPerHost:       pool.MaxConnsPerHost,
			IdleConnTimeout:       pool.IdleTimeout,
			TLSHandshakeTimeout:   pool.ConnectTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       tc,
		},
	}, nil
}

// Name returns the adapter's protocol name.
func (a *HTTPAdapter) Name() string { return string(configuration.ProtocolHTTP) }

// Execute performs a unary call and returns the raw JSON body.
func (a *HTTPAdapter) Execute(ctx context.Context, call *transport.Call) (json.RawMessage, error) {
	req, err := a.newRequest(ctx, call, "application/json")
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if err := a.checkStatus(resp); err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(body) {
		return nil, llmerrors.New(llmerrors.KindSerialization, "response body is not valid JSON")
	}
	return body, nil
}

// ExecuteStreaming opens an event stream. The returned source owns the
// response body; non-2xx answers are classified and never returned as a source.
func (a *HTTPAdapter) ExecuteStreaming(ctx context.Context, call *transport.Call) (transport.FrameSource, error) {
	req, err := a.newRequest(ctx, call, "text/event-stream")
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if err := a.checkStatus(resp); err != nil {
		return nil, err
	}
	return stream.NewSSEReader(resp.Body), nil
}

// Close releases idle pooled connections.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPAdapter) newRequest(ctx context.Context, call *transport.Call, accept string) (*http.Request, error) {
	target := a.baseURL + apiPrefix + strings.Trim(call.Path, "/")
	if call.PathParam != "" {
		target += "/" + url.PathEscape(call.PathParam)
	}
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		payload, err := json.Marshal(call.Body)
		if err != nil {
			return nil, llmerrors.Wrap(llmerrors.KindSerialization, "encode request body", err)
		}
		body = bytes.NewReader(payload)
	}

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindConfiguration, "build http request", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	if rc, ok := transport.RequestContextFrom(ctx); ok {
		req.Header.Set(HeaderRequestID, rc.RequestID)
		if rc.SessionID != "" {
			req.Header.Set(HeaderSessionID, rc.SessionID)
		}
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// checkStatus classifies non-2xx responses, consuming and closing the body
// so the connection returns to the pool before any retry sleep.
func (a *HTTPAdapter) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	drainAndClose(resp.Body)

	err := classifyHTTPStatus(resp.StatusCode, resp.Header, body, a.now())
	a.logger.Debug("http call failed",
		"status", resp.StatusCode,
		"error_kind", err.Kind,
	)
	return err
}
