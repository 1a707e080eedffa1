package transport

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
)

// RequestContext carries correlation and budget data for one logical call
// across every retry attempt and stream read. It is created per call,
// cloned for batch members and discarded once the call resolves.
//
// Attempt is written only by the retry engine running the call, so the
// struct needs no locking.
type RequestContext struct {
	RequestID string
	SessionID string
	Deadline  time.Time
	Metadata  map[string]string

	attempt int
}

// NewRequestContext creates a context for a call bound to sessionID.
// The deadline is taken from ctx when one is set.
func NewRequestContext(ctx context.Context, sessionID string) *RequestContext {
	rc := &RequestContext{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
	}
	if dl, ok := ctx.Deadline(); ok {
		rc.Deadline = dl
	}
	return rc
}

// Attempt returns the zero-based index of the attempt in progress.
func (rc *RequestContext) Attempt() int { return rc.attempt }

// SetAttempt records the attempt in progress. Only the retry engine calls it.
func (rc *RequestContext) SetAttempt(n int) { rc.attempt = n }

// Remaining reports the time left before the deadline.
func (rc *RequestContext) Remaining(now time.Time) (time.Duration, bool) {
	if rc.Deadline.IsZero() {
		return 0, false
	}
	return rc.Deadline.Sub(now), true
}

// Clone returns an independent copy with a fresh request id and a reset
// attempt counter, for use by a batch member.
func (rc *RequestContext) Clone() *RequestContext {
	c := &RequestContext{
		RequestID: uuid.NewString(),
		SessionID: rc.SessionID,
		Deadline:  rc.Deadline,
	}
	if rc.Metadata != nil {
		c.Metadata = maps.Clone(rc.Metadata)
	}
	return c
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext attached to ctx, if any.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
