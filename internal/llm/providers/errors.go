package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// errorBodyLimit caps how much of an error response is read for its message.
const errorBodyLimit = 64 << 10

// codeModelNotFound is the body code a 404 carries when the model is unknown.
const codeModelNotFound = "model_not_found"

// errorBody covers the error envelopes the router emits:
// {"error": "..."}, {"error": {"message": "...", "code": "..."}},
// {"message": "...", "code": "..."} and {"detail": "..."}.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
	Code    string          `json:"code"`
}

// parseErrorBody extracts a human-readable message and a machine code.
func parseErrorBody(body []byte) (msg, code string) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return strings.TrimSpace(string(body)), ""
	}
	code = eb.Code

	if len(eb.Error) > 0 {
		var s string
		if json.Unmarshal(eb.Error, &s) == nil {
			msg = s
		} else {
			var nested struct {
				Message string `json:"message"`
				Code    string `json:"code"`
				Type    string `json:"type"`
			}
			if json.Unmarshal(eb.Error, &nested) == nil {
				msg = nested.Message
				if nested.Code != "" {
					code = nested.Code
				} else if code == "" {
					code = nested.Type
				}
			}
		}
	}
	if msg == "" {
		msg = eb.Message
	}
	if msg == "" {
		msg = eb.Detail
	}
	return msg, code
}

// classifyHTTPStatus maps a non-2xx response onto the error taxonomy.
func classifyHTTPStatus(status int, header http.Header, body []byte, now time.Time) *llmerrors.Error {
	msg, code := parseErrorBody(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "request failed"
	}

	switch status {
	case http.StatusTooManyRequests:
		return llmerrors.NewRateLimitError(msg, llmerrors.ParseRetryAfter(header.Get("Retry-After"), now))
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.New(llmerrors.KindAuthentication, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return llmerrors.New(llmerrors.KindValidation, msg)
	case http.StatusNotFound:
		if strings.EqualFold(code, codeModelNotFound) {
			return llmerrors.New(llmerrors.KindModelNotFound, msg)
		}
	}
	e := llmerrors.NewHTTPError(status, msg)
	// A 503 may also carry Retry-After.
	e.RetryAfter = llmerrors.ParseRetryAfter(header.Get("Retry-After"), now)
	return e
}

// classifyTransportError maps a failure from the network layer.
// When ctx has ended the context's reason wins over whatever the
// transport reported about the interrupted read.
func classifyTransportError(ctx context.Context, err error) *llmerrors.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return llmerrors.FromContext(ctxErr)
	}
	return llmerrors.Classify(err)
}

// drainAndClose releases a response body so its connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
