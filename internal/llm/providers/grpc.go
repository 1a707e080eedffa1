package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// jsonCodec carries messages as JSON since the router publishes no
// generated stubs for its service.
type jsonCodec struct{}

// Marshal implements encoding.Codec.
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements encoding.Codec.
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name implements encoding.Codec.
func (jsonCodec) Name() string { return "json" }

// GRPCAdapter calls the router's gRPC service over a single multiplexed
// connection.
type GRPCAdapter struct {
	conn   *grpc.ClientConn
	md     metadata.MD
	logger *slog.Logger
}

// NewGRPCAdapter creates a client for cfg.GRPCAddr. The connection is
// established lazily by the gRPC runtime. dialOpts are appended after the
// defaults, so callers can replace credentials or the dialer.
func NewGRPCAdapter(cfg *configuration.Config, logger *slog.Logger, dialOpts ...grpc.DialOption) (*GRPCAdapter, error) {
	if cfg.GRPCAddr == "" {
		return nil, llmerrors.New(llmerrors.KindConfiguration, "grpc address is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	creds := insecure.NewCredentials()
	if strings.HasPrefix(cfg.BaseURL, "https://") || cfg.TLS.CAFile != "" {
		tc, err := tlsConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tc)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent(cfg.UserAgent),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	opts = append(opts, dialOpts...)

	conn, err := grpc.NewClient(cfg.GRPCAddr, opts...)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindConfiguration, "create grpc client", err)
	}

	md := metadata.MD{}
	if cfg.APIKey != "" {
		md.Set("authorization", "Bearer "+cfg.APIKey)
	}
	return &GRPCAdapter{
		conn:   conn,
		md:     md,
		logger: logger.With("component", "grpc-adapter"),
	}, nil
}

// Name returns the adapter's protocol name.
func (a *GRPCAdapter) Name() string { return string(configuration.ProtocolGRPC) }

// Execute invokes the unary method mapped from call.Path.
func (a *GRPCAdapter) Execute(ctx context.Context, call *transport.Call) (json.RawMessage, error) {
	r, msg, err := resolveRoute(call)
	if err != nil {
		return nil, err
	}
	if r.streaming {
		return nil, llmerrors.Newf(llmerrors.KindConfiguration, "%s is a streaming method", r.grpcMethod)
	}

	var out json.RawMessage
	if err := a.conn.Invoke(a.outgoing(ctx, call), r.fullMethod(), msg, &out); err != nil {
		return nil, classifyGRPC(ctx, err)
	}
	if len(out) == 0 {
		out = json.RawMessage("{}")
	}
	return out, nil
}

// ExecuteStreaming opens a server stream and waits for its first message,
// so that connection and admission failures surface as errors from this
// call rather than from the first read.
func (a *GRPCAdapter) ExecuteStreaming(ctx context.Context, call *transport.Call) (transport.FrameSource, error) {
	r, msg, err := resolveRoute(call)
	if err != nil {
		return nil, err
	}
	if !r.streaming {
		return nil, llmerrors.Newf(llmerrors.KindConfiguration, "%s is not a streaming method", r.grpcMethod)
	}

	streamCtx, cancel := context.WithCancel(a.outgoing(ctx, call))
	desc := &grpc.StreamDesc{StreamName: r.grpcMethod, ServerStreams: true}
	cs, err := a.conn.NewStream(streamCtx, desc, r.fullMethod())
	if err != nil {
		cancel()
		return nil, classifyGRPC(ctx, err)
	}
	// SendMsg reports io.EOF when the server already ended the stream;
	// the real status is then returned by RecvMsg.
	if err := cs.SendMsg(msg); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, classifyGRPC(ctx, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, classifyGRPC(ctx, err)
	}

	src := &grpcFrameSource{stream: cs, cancel: cancel}
	var first json.RawMessage
	switch err := cs.RecvMsg(&first); {
	case errors.Is(err, io.EOF):
		src.eof = true
	case err != nil:
		cancel()
		return nil, classifyGRPC(ctx, err)
	default:
		src.pending = first
	}
	return src, nil
}

// Close tears down the connection.
func (a *GRPCAdapter) Close() error {
	if err := a.conn.Close(); err != nil && status.Code(err) != codes.Canceled {
		return llmerrors.Wrap(llmerrors.KindNetwork, "close grpc connection", err)
	}
	return nil
}

// outgoing attaches credentials and correlation ids as request metadata.
func (a *GRPCAdapter) outgoing(ctx context.Context, call *transport.Call) context.Context {
	md := a.md.Copy()
	if rc, ok := transport.RequestContextFrom(ctx); ok {
		md.Set(strings.ToLower(HeaderRequestID), rc.RequestID)
		if rc.SessionID != "" {
			md.Set(strings.ToLower(HeaderSessionID), rc.SessionID)
		}
	}
	for k, v := range call.Headers {
		md.Set(strings.ToLower(k), v)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// classifyGRPC maps a gRPC status onto the error taxonomy. Credential,
// argument and lookup failures keep their semantic kinds; every other code
// is reported as a protocol error so retryability follows the code.
func classifyGRPC(ctx context.Context, err error) *llmerrors.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return llmerrors.FromContext(ctxErr)
	}
	st, ok := status.FromError(err)
	if !ok {
		return llmerrors.Classify(err)
	}

	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return llmerrors.Wrap(llmerrors.KindAuthentication, st.Message(), err)
	case codes.InvalidArgument:
		return llmerrors.Wrap(llmerrors.KindValidation, st.Message(), err)
	case codes.NotFound:
		return llmerrors.Wrap(llmerrors.KindModelNotFound, st.Message(), err)
	default:
		return llmerrors.NewProtocolError(llmerrors.ProtocolGRPC, int(st.Code()), st.Message(), err)
	}
}

// grpcFrameSource adapts a server stream to transport.FrameSource.
// Each message becomes one data frame.
type grpcFrameSource struct {
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	pending json.RawMessage
	eof     bool

	closeOnce sync.Once
}

// Next returns the next message as a data frame.
func (s *grpcFrameSource) Next(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		frame := transport.DataFrame(s.pending)
		s.pending = nil
		return frame, nil
	}
	if s.eof {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, llmerrors.FromContext(err)
	}

	var msg json.RawMessage
	if err := s.stream.RecvMsg(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil, io.EOF
		}
		return nil, classifyGRPC(ctx, err)
	}
	return transport.DataFrame(msg), nil
}

// Close cancels the stream, releasing its resources on both ends.
func (s *grpcFrameSource) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
