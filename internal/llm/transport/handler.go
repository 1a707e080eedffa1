package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
)

// Call is a single (method, path, body) exchange handed to an Adapter.
// Path is relative to the router's API root, e.g. "inference" or "models/llama".
type Call struct {
	Method string
	Path   string
	// PathParam is an unescaped trailing path segment such as a model id.
	// The HTTP adapter escapes it onto Path; message transports send it
	// as a field.
	PathParam string
	Query     url.Values
	Body      any

	// Headers carries per-call extras such as the idempotency key.
	Headers map[string]string
}

// FrameSource yields raw stream frames from a streaming call.
// Next returns io.EOF once the server has finished; any other error is a
// classified transport failure. Close releases the underlying connection
// and is safe to call more than once.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// DataFrame renders payload as a server-sent-events data frame so that
// transports without native SSE framing can feed the stream decoder.
func DataFrame(payload []byte) []byte {
	var b bytes.Buffer
	for i, line := range bytes.Split(payload, []byte("\n")) {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("data: ")
		b.Write(line)
	}
	return b.Bytes()
}

// DoneFrame is the frame marking normal completion of a stream.
var DoneFrame = []byte("data: [DONE]")

// Adapter performs the network exchange for one protocol.
// Errors returned by an Adapter are always classified *errors.Error values;
// transport-native errors never cross this boundary.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, call *Call) (json.RawMessage, error)
	ExecuteStreaming(ctx context.Context, call *Call) (FrameSource, error)
	Close() error
}

// Handler processes inference requests through a composable middleware pipeline.
// Core abstraction enabling request preprocessing, response postprocessing,
// and cross-cutting concerns like caching, rate limiting, and observability.
type Handler interface {
	Handle(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *InferenceRequest) (*InferenceResponse, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	return f(ctx, req)
}

// Middleware transforms Handler into enhanced Handler for composable behavior.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler.
// Middleware executes in the order provided with first middleware outermost,
// enabling request preprocessing and response postprocessing in proper order.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		h = middlewares[i](h)
	}
	return h
}

// AdapterPicker resolves the adapter serving a request.
type AdapterPicker interface {
	Pick(ctx context.Context, req *InferenceRequest) (Adapter, error)
}

// NewAdapterHandler creates the core handler that sends a unary inference
// call through the picked adapter. A positive req.Timeout bounds each
// attempt without affecting the caller's context.
func NewAdapterHandler(picker AdapterPicker) Handler {
	return &adapterHandler{picker: picker}
}

type adapterHandler struct {
	picker AdapterPicker
}

// Handle implements Handler by executing the request on the picked adapter.
func (h *adapterHandler) Handle(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	adapter, err := h.picker.Pick(ctx, req)
	if err != nil {
		return nil, err
	}

	// Create context with per-request timeout if specified.
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	call := &Call{Method: "POST", Path: "inference", Body: req}
	if req.IdempotencyKey != "" {
		call.Headers = map[string]string{HeaderIdempotencyKey: req.IdempotencyKey}
	}

	raw, err := adapter.Execute(reqCtx, call)
	if err != nil {
		return nil, err
	}
	return DecodeInferenceResponse(raw)
}

// HeaderIdempotencyKey carries the request's idempotency key to the server.
const HeaderIdempotencyKey = "Idempotency-Key"
