// Package stream decodes server-sent token streams into typed chunks.
//
// A Stream is lazy, finite and non-restartable. It yields at most one
// terminal chunk (completion or error), after which the underlying
// transport is closed and no further frames are read. Streams are never
// retried: once bytes have been delivered, a failure surfaces as the final
// error chunk.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"unicode/utf8"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// doneSentinel marks the end of a stream in OpenAI-style framing.
const doneSentinel = "[DONE]"

// Stream is a lazy sequence of StreamChunk decoded from a FrameSource.
// A Stream is not safe for concurrent use.
type Stream struct {
	src     transport.FrameSource
	logger  *slog.Logger
	onChunk func(transport.StreamChunk)
	done    bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used for decode diagnostics.
func WithLogger(l *slog.Logger) Option { return func(s *Stream) { s.logger = l } }

// WithChunkHook registers a callback invoked for every yielded chunk.
func WithChunkHook(fn func(transport.StreamChunk)) Option {
	return func(s *Stream) { s.onChunk = fn }
}

// New decodes frames from src. The stream takes ownership of src.
func New(src transport.FrameSource, opts ...Option) *Stream {
	s := &Stream{src: src, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "stream")
	return s
}

// Next returns the next chunk. The boolean is false once the sequence has
// ended, either after a terminal chunk or because the source closed.
func (s *Stream) Next(ctx context.Context) (transport.StreamChunk, bool) {
	for !s.done {
		if err := ctx.Err(); err != nil {
			return s.fail(llmerrors.FromContext(err)), true
		}

		frame, err := s.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.finish()
			return transport.StreamChunk{}, false
		}
		if err != nil {
			return s.fail(llmerrors.Classify(err)), true
		}

		chunk, ok, decodeErr := decodeFrame(frame)
		if decodeErr != nil {
			return s.fail(decodeErr), true
		}
		if !ok {
			// Frame without a data line: keep-alive, comment or bare event.
			continue
		}
		if chunk.Terminal() {
			s.finish()
		}
		s.emit(chunk)
		return chunk, true
	}
	return transport.StreamChunk{}, false
}

// All returns the remaining chunks as an iterator. Stopping the iteration
// early closes the stream.
func (s *Stream) All(ctx context.Context) iter.Seq[transport.StreamChunk] {
	return func(yield func(transport.StreamChunk) bool) {
		for {
			chunk, ok := s.Next(ctx)
			if !ok {
				return
			}
			if !yield(chunk) {
				_ = s.Close()
				return
			}
		}
	}
}

// Result summarizes a fully drained stream.
type Result struct {
	Text     string
	Chunks   int
	ModelID  string
	Metrics  *transport.InferenceMetrics
	Complete bool
}

// Collect drains the stream, concatenating tokens. A terminal error chunk
// is returned as the error alongside the partial result.
func (s *Stream) Collect(ctx context.Context) (Result, error) {
	var (
		res  Result
		text strings.Builder
	)
	for chunk := range s.All(ctx) {
		res.Chunks++
		text.WriteString(chunk.Token)
		if chunk.ModelID != "" {
			res.ModelID = chunk.ModelID
		}
		if chunk.Metrics != nil {
			res.Metrics = chunk.Metrics
		}
		if err := chunk.Err(); err != nil {
			res.Text = text.String()
			return res, err
		}
		res.Complete = res.Complete || chunk.IsComplete
	}
	res.Text = text.String()
	return res, nil
}

// Close ends the stream and releases the transport. It is idempotent.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.src.Close()
}

func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	if err := s.src.Close(); err != nil {
		s.logger.Debug("closing stream source", "error", err)
	}
}

func (s *Stream) fail(err *llmerrors.Error) transport.StreamChunk {
	s.logger.Warn("stream terminated with error", "error_kind", err.Kind, "error", err.Message)
	chunk := transport.StreamChunk{Error: err.Message, ErrorKind: err.Kind}
	s.finish()
	s.emit(chunk)
	return chunk
}

func (s *Stream) emit(chunk transport.StreamChunk) {
	if s.onChunk != nil {
		s.onChunk(chunk)
	}
}

// decodeFrame extracts a chunk from one event frame. It reports ok=false
// for frames with no data line. Frames that are not valid UTF-8 or whose
// payload is not a chunk object yield a classified error.
func decodeFrame(frame []byte) (transport.StreamChunk, bool, *llmerrors.Error) {
	if !utf8.Valid(frame) {
		return transport.StreamChunk{}, false,
			llmerrors.New(llmerrors.KindStreaming, "stream frame is not valid UTF-8")
	}

	var (
		data    []string
		event   string
		hasData bool
	)
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := strings.Cut(string(line), ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		}
	}
	if !hasData {
		return transport.StreamChunk{}, false, nil
	}

	payload := strings.TrimSpace(strings.Join(data, "\n"))
	if payload == doneSentinel {
		return transport.StreamChunk{IsComplete: true}, true, nil
	}
	if payload == "" {
		return transport.StreamChunk{}, false, nil
	}

	var chunk transport.StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		if event == "error" {
			return transport.StreamChunk{Error: payload, ErrorKind: llmerrors.KindStreaming}, true, nil
		}
		return transport.StreamChunk{}, false,
			llmerrors.Wrap(llmerrors.KindSerialization, "malformed stream payload", err)
	}
	if event == "error" && chunk.Error == "" {
		chunk.Error = "stream error event"
	}
	if chunk.Error != "" {
		chunk.ErrorKind = llmerrors.KindStreaming
	}
	return chunk, true, nil
}
