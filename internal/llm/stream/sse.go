package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// maxFrameSize bounds a single event; larger frames end the stream.
const maxFrameSize = 1 << 20

// SSEReader splits a server-sent-events body into frames.
// A frame is the run of lines between blank lines, with line endings
// normalized to LF. Servers that write one data line per event without
// the blank separator are also accepted: a data line that follows a
// complete JSON or [DONE] payload starts a new frame. It implements
// transport.FrameSource.
type SSEReader struct {
	body   io.ReadCloser
	reader *bufio.Reader
	// carry holds a data line read past the end of the previous frame.
	carry []byte

	closeOnce sync.Once
	closeErr  error
}

// NewSSEReader wraps body. The reader owns body and closes it on Close.
func NewSSEReader(body io.ReadCloser) *SSEReader {
	return &SSEReader{body: body, reader: bufio.NewReader(body)}
}

// Next returns the next non-empty frame, or io.EOF when the body ends.
// Read failures are returned classified. Cancellation is observed before
// each read; an in-progress read is interrupted by the transport closing
// the body when the request context ends.
func (r *SSEReader) Next(ctx context.Context) ([]byte, error) {
	var frame, data bytes.Buffer
	if r.carry != nil {
		frame.Write(r.carry)
		value, _ := dataValue(r.carry)
		data.Write(value)
		r.carry = nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, llmerrors.FromContext(err)
		}

		line, err := r.reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) == 0 {
				// Blank line ends the event; skip leading blank lines.
				if frame.Len() > 0 {
					return frame.Bytes(), nil
				}
			} else {
				if value, ok := dataValue(line); ok {
					if data.Len() > 0 && selfContained(data.Bytes()) {
						r.carry = line
						return frame.Bytes(), nil
					}
					if data.Len() > 0 {
						data.WriteByte('\n')
					}
					data.Write(value)
				}
				if frame.Len() > 0 {
					frame.WriteByte('\n')
				}
				frame.Write(line)
				if frame.Len() > maxFrameSize {
					return nil, llmerrors.New(llmerrors.KindStreaming, "stream frame exceeds maximum size")
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				// Flush an unterminated final event.
				if frame.Len() > 0 {
					return frame.Bytes(), nil
				}
				return nil, io.EOF
			}
			return nil, llmerrors.Classify(err)
		}
	}
}

// dataValue returns the value of a data field line.
func dataValue(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data"))
	if !ok {
		return nil, false
	}
	if len(rest) == 0 {
		return rest, true
	}
	if rest[0] != ':' {
		return nil, false
	}
	return bytes.TrimPrefix(rest[1:], []byte(" ")), true
}

// selfContained reports whether a data payload is already a whole event,
// so a following data line belongs to the next one.
func selfContained(payload []byte) bool {
	payload = bytes.TrimSpace(payload)
	if string(payload) == doneSentinel {
		return true
	}
	if len(payload) == 0 || (payload[0] != '{' && payload[0] != '[') {
		return false
	}
	return json.Valid(payload)
}

// Close releases the underlying body.
func (r *SSEReader) Close() error {
	r.closeOnce.Do(func() {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.CopyN(io.Discard, r.body, 4096)
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
