package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// WebSocket message types.
const (
	wsTypeRequest       = "request"
	wsTypeResponse      = "response"
	wsTypeStreamRequest = "stream_request"
	wsTypeStream        = "stream"
	wsTypeEvent         = "event"
)

const (
	// streamBuffer is the number of stream frames queued per stream before
	// the read loop waits for the consumer.
	streamBuffer = 64

	closeGracePeriod = time.Second
)

// wsMessage is the envelope for every frame in both directions.
type wsMessage struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	StreamID    string          `json:"stream_id,omitempty"`
	RequestType string          `json:"request_type,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Complete    bool            `json:"complete,omitempty"`
	Event       string          `json:"event,omitempty"`
}

// errorText returns the in-band error carried by m, if any.
func (m *wsMessage) errorText() string {
	if len(m.Error) == 0 || string(m.Error) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(m.Error, &s) == nil {
		return s
	}
	if msg, _ := parseErrorBody(m.Error); msg != "" {
		return msg
	}
	return string(m.Error)
}

// WebSocketAdapter multiplexes calls over one WebSocket connection,
// correlating responses by message id and stream frames by stream id.
// The connection is dialed on first use and re-dialed after it drops.
type WebSocketAdapter struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *wsConn
	closed bool
}

// NewWebSocketAdapter creates an adapter for the configured or derived
// WebSocket endpoint. A nil dialer is built from the TLS settings.
func NewWebSocketAdapter(cfg *configuration.Config, dialer *websocket.Dialer, logger *slog.Logger) (*WebSocketAdapter, error) {
	endpoint, err := cfg.WebSocketEndpoint()
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		tc, err := tlsConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectionPool.ConnectTimeout,
			TLSClientConfig:  tc,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	for k, v := range cfg.AuthHeaders() {
		header.Set(k, v)
	}
	return &WebSocketAdapter{
		url:    endpoint,
		header: header,
		dialer: dialer,
		logger: logger.With("component", "websocket-adapter"),
	}, nil
}

// Name returns the adapter's protocol name.
func (a *WebSocketAdapter) Name() string { return string(configuration.ProtocolWebSocket) }

// Execute sends a request message and waits for the matching response.
func (a *WebSocketAdapter) Execute(ctx context.Context, call *transport.Call) (json.RawMessage, error) {
	r, data, err := resolveRoute(call)
	if err != nil {
		return nil, err
	}
	if r.streaming {
		return nil, llmerrors.New(llmerrors.KindConfiguration, "streaming path requires ExecuteStreaming")
	}

	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p := conn.register(id, 1)
	defer conn.unregister(id)

	if err := conn.send(ctx, wsMessage{Type: wsTypeRequest, ID: id, RequestType: r.wsType}, data); err != nil {
		return nil, err
	}

	select {
	case msg := <-p.ch:
		if text := msg.errorText(); text != "" {
			return nil, llmerrors.New(llmerrors.KindInference, text)
		}
		if len(msg.Data) == 0 {
			return json.RawMessage("{}"), nil
		}
		return msg.Data, nil
	case <-p.failed:
		return nil, p.err
	case <-ctx.Done():
		return nil, llmerrors.FromContext(ctx.Err())
	}
}

// ExecuteStreaming sends a stream request and returns a source yielding
// the frames tagged with its stream id.
func (a *WebSocketAdapter) ExecuteStreaming(ctx context.Context, call *transport.Call) (transport.FrameSource, error) {
	r, data, err := resolveRoute(call)
	if err != nil {
		return nil, err
	}
	if !r.streaming {
		return nil, llmerrors.New(llmerrors.KindConfiguration, "path is not a stream")
	}

	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p := conn.register(id, streamBuffer)
	if err := conn.send(ctx, wsMessage{Type: wsTypeStreamRequest, ID: id, RequestType: r.wsType}, data); err != nil {
		conn.unregister(id)
		return nil, err
	}
	return &wsFrameSource{conn: conn, id: id, p: p}, nil
}

// Close sends a normal closure and tears down the connection. Calls in
// flight fail. Close is idempotent.
func (a *WebSocketAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.conn == nil {
		return nil
	}
	return a.conn.close()
}

// connection returns the live connection, dialing a new one if none
// exists or the previous one has dropped.
func (a *WebSocketAdapter) connection(ctx context.Context) (*wsConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, llmerrors.New(llmerrors.KindConfiguration, "websocket adapter is closed")
	}
	if a.conn != nil && !a.conn.dead() {
		return a.conn, nil
	}

	ws, resp, err := a.dialer.DialContext(ctx, a.url, a.header)
	if err != nil {
		if resp != nil {
			defer drainAndClose(resp.Body)
			body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			return nil, classifyHTTPStatus(resp.StatusCode, resp.Header, body, time.Now())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, llmerrors.FromContext(ctxErr)
		}
		return nil, llmerrors.Wrap(llmerrors.KindNetwork, "websocket dial failed: "+err.Error(), err)
	}

	a.logger.Debug("websocket connected", "url", a.url)
	a.conn = newWSConn(ws, a.logger)
	go a.conn.readLoop()
	return a.conn, nil
}

// wsPending is the delivery slot of one in-flight call or stream.
type wsPending struct {
	ch     chan wsMessage
	failed chan struct{}
	err    *llmerrors.Error

	// released is closed by the consumer so the read loop never blocks on
	// an abandoned stream.
	released    chan struct{}
	releaseOnce sync.Once
}

func (p *wsPending) release() { p.releaseOnce.Do(func() { close(p.released) }) }

// wsConn is one dialed connection with its read loop.
type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*wsPending
	done    chan struct{}
}

func newWSConn(ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:      ws,
		logger:  logger,
		pending: make(map[string]*wsPending),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) dead() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) register(id string, buffer int) *wsPending {
	p := &wsPending{
		ch:       make(chan wsMessage, buffer),
		failed:   make(chan struct{}),
		released: make(chan struct{}),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead() {
		p.err = llmerrors.New(llmerrors.KindNetwork, "websocket connection closed")
		close(p.failed)
		return p
	}
	c.pending[id] = p
	return p
}

func (c *wsConn) unregister(id string) {
	c.mu.Lock()
	p := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if p != nil {
		p.release()
	}
}

// send writes env with data as its payload. Writes are serialized because
// the connection allows only one concurrent writer.
func (c *wsConn) send(ctx context.Context, env wsMessage, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return llmerrors.Wrap(llmerrors.KindSerialization, "encode websocket payload", err)
	}
	env.Data = payload

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.ws.WriteJSON(env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llmerrors.FromContext(ctxErr)
		}
		return classifyWebSocket(err)
	}
	return nil
}

// readLoop dispatches inbound frames until the connection fails, then
// fails every pending call with the classified cause.
func (c *wsConn) readLoop() {
	var cause *llmerrors.Error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			cause = classifyWebSocket(err)
			break
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed websocket message", "error", err)
			continue
		}
		c.dispatch(msg)
	}

	c.mu.Lock()
	close(c.done)
	pending := c.pending
	c.pending = make(map[string]*wsPending)
	c.mu.Unlock()

	for _, p := range pending {
		p.err = cause
		close(p.failed)
	}
	_ = c.ws.Close()
}

func (c *wsConn) dispatch(msg wsMessage) {
	id := msg.ID
	switch msg.Type {
	case wsTypeResponse:
	case wsTypeStream:
		id = msg.StreamID
	case wsTypeEvent:
		c.logger.Debug("websocket event", "event", msg.Event)
		return
	default:
		c.logger.Debug("ignoring websocket message", "type", msg.Type)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && (msg.Type == wsTypeResponse || msg.Complete) {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("websocket message for unknown id", "id", id)
		return
	}

	select {
	case p.ch <- msg:
	case <-p.released:
	}
}

func (c *wsConn) close() error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	c.writeMu.Unlock()
	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return classifyWebSocket(err)
	}
	return nil
}

// classifyWebSocket maps a connection failure onto the error taxonomy.
// Close frames keep their close code so retryability follows it.
func classifyWebSocket(err error) *llmerrors.Error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		msg := ce.Text
		if msg == "" {
			msg = "websocket closed"
		}
		return llmerrors.NewProtocolError(llmerrors.ProtocolWebSocket, ce.Code, msg, err)
	}
	return llmerrors.Classify(err)
}

// wsFrameSource yields the data of one stream as frames and appends the
// completion marker once the server flags the stream complete.
type wsFrameSource struct {
	conn   *wsConn
	id     string
	p      *wsPending
	queued [][]byte
	ended  bool
}

// Next returns the next frame of the stream.
func (s *wsFrameSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(s.queued) > 0 {
			frame := s.queued[0]
			s.queued = s.queued[1:]
			return frame, nil
		}
		if s.ended {
			return nil, io.EOF
		}

		var msg wsMessage
		select {
		case msg = <-s.p.ch:
		case <-s.p.failed:
			// Frames that arrived before the failure are still delivered.
			select {
			case msg = <-s.p.ch:
			default:
				return nil, s.p.err
			}
		case <-ctx.Done():
			return nil, llmerrors.FromContext(ctx.Err())
		}

		if text := msg.errorText(); text != "" {
			s.ended = true
			return nil, llmerrors.New(llmerrors.KindInference, text)
		}
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			s.queued = append(s.queued, transport.DataFrame(msg.Data))
		}
		if msg.Complete {
			s.queued = append(s.queued, transport.DoneFrame)
			s.ended = true
		}
	}
}

// Close abandons the stream. It is idempotent.
func (s *wsFrameSource) Close() error {
	s.conn.unregister(s.id)
	s.p.release()
	return nil
}
