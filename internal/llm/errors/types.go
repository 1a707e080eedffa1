package errors

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrorKind categorizes inference client failures.
// The set is closed: every failure produced by the client maps to exactly one
// kind before it crosses a package boundary, and retry decisions are derived
// from the kind alone.
//
//nolint:godot // linter incorrectly flags properly capitalized comment
type ErrorKind string

const (
	// KindNetwork indicates connectivity failures such as refused or reset connections (retryable).
	KindNetwork ErrorKind = "network"

	// KindTimeout indicates a request or deadline timeout (retryable).
	KindTimeout ErrorKind = "timeout"

	// KindRateLimit indicates the server or the local limiter throttled the request (retryable).
	KindRateLimit ErrorKind = "rate_limit"

	// KindAuthentication indicates missing or rejected credentials.
	KindAuthentication ErrorKind = "authentication"

	// KindValidation indicates the request was rejected as malformed.
	KindValidation ErrorKind = "validation"

	// KindModelNotFound indicates the requested model does not exist on the server.
	KindModelNotFound ErrorKind = "model_not_found"

	// KindInference indicates the server failed while producing a result.
	KindInference ErrorKind = "inference"

	// KindConfiguration indicates the client itself is misconfigured or closed.
	KindConfiguration ErrorKind = "configuration"

	// KindStreaming indicates a failure while decoding a token stream.
	KindStreaming ErrorKind = "streaming"

	// KindProtocol indicates a transport-native status code (gRPC status, WebSocket close code).
	KindProtocol ErrorKind = "protocol"

	// KindSerialization indicates a payload could not be encoded or decoded.
	KindSerialization ErrorKind = "serialization"

	// KindHTTP indicates a non-success HTTP status without a more specific kind.
	KindHTTP ErrorKind = "http"

	// KindOther indicates an unclassified failure.
	KindOther ErrorKind = "other"
)

// Kinds lists every ErrorKind in the closed set.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindNetwork, KindTimeout, KindRateLimit, KindAuthentication,
		KindValidation, KindModelNotFound, KindInference, KindConfiguration,
		KindStreaming, KindProtocol, KindSerialization, KindHTTP, KindOther,
	}
}

// Protocol names used by KindProtocol errors.
const (
	ProtocolGRPC      = "grpc"
	ProtocolWebSocket = "websocket"
)

// Fixed delays suggested for transient connectivity failures.
const (
	TimeoutRetryDelay = 2 * time.Second
	NetworkRetryDelay = 1 * time.Second
)

// retryableProtocolCodes holds, per transport, the status codes that signal a
// transient condition: unavailable, deadline exceeded, resource exhausted and
// unknown for gRPC; going away, abnormal closure, internal error, service
// restart and try-again-later for WebSocket close frames.
var retryableProtocolCodes = map[string][]int{
	ProtocolGRPC:      {2, 4, 8, 14},
	ProtocolWebSocket: {1001, 1006, 1011, 1012, 1013},
}

// Error is the single classified error type produced by the client.
// Kind drives retry behavior. StatusCode is set for KindHTTP, Protocol and
// Code for KindProtocol, and RetryAfter when the server supplied one.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	Protocol   string        `json:"protocol,omitempty"`
	Code       int           `json:"code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error returns the kind-prefixed message with status context when present.
func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("[%s %d] %s", e.Kind, e.StatusCode, e.Message)
	case KindProtocol:
		return fmt.Sprintf("[%s %s:%d] %s", e.Kind, e.Protocol, e.Code, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Unwrap returns the transport-native cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout})
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// IsRetryable reports whether a retry may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	case KindHTTP:
		return e.StatusCode == 408 || e.StatusCode == 429 ||
			(e.StatusCode >= 500 && e.StatusCode <= 599)
	case KindProtocol:
		return slices.Contains(retryableProtocolCodes[e.Protocol], e.Code)
	default:
		return false
	}
}

// SuggestedDelay returns the kind's preferred wait before the next attempt.
// RateLimit defers to the server's Retry-After; Timeout and Network suggest
// fixed short delays. All other kinds return false.
func (e *Error) SuggestedDelay() (time.Duration, bool) {
	switch e.Kind {
	case KindRateLimit:
		if e.RetryAfter > 0 {
			return e.RetryAfter, true
		}
		return 0, false
	case KindTimeout:
		return TimeoutRetryDelay, true
	case KindNetwork:
		return NetworkRetryDelay, true
	default:
		return 0, false
	}
}

// CarriedDelay returns a delay transmitted by the server with this error,
// such as an HTTP Retry-After header.
func (e *Error) CarriedDelay() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// New creates an error of the given kind.
func New(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that keeps cause for diagnostics.
func Wrap(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// NewHTTPError creates a KindHTTP error for an unmapped status code.
func NewHTTPError(status int, msg string) *Error {
	return &Error{Kind: KindHTTP, StatusCode: status, Message: msg}
}

// NewProtocolError creates a KindProtocol error for a transport status code.
func NewProtocolError(protocol string, code int, msg string, cause error) *Error {
	return &Error{Kind: KindProtocol, Protocol: protocol, Code: code, Message: msg, Cause: cause}
}

// NewRateLimitError creates a KindRateLimit error carrying retryAfter.
func NewRateLimitError(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, RetryAfter: retryAfter}
}

// Common classified errors.
var (
	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = New(KindConfiguration, "client is closed")

	// ErrCancelled is the classification of context.Canceled.
	ErrCancelled = New(KindOther, "operation cancelled")
)

// KindOf returns the kind of err, classifying it first when needed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err is worth another attempt.
// Nil and unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.IsRetryable()
}

// SuggestedDelay reports the kind-level delay hint for err.
func SuggestedDelay(err error) (time.Duration, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.SuggestedDelay()
}

// CarriedDelay reports a server-supplied delay attached to err.
func CarriedDelay(err error) (time.Duration, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.CarriedDelay()
}
