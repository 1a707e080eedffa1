// Package events defines the envelope used to publish inference lifecycle
// events and the sinks that receive them.
//
// Activities wrap their completion records in an Envelope and hand it to an
// EventSink. The envelope carries the Temporal workflow coordinates and a
// stable idempotency key so downstream consumers can correlate events with
// executions and drop duplicates produced by activity retries.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the activity layer. Each names the operation that
// finished, not its outcome; failures are reported inside the payload.
const (
	TypeInferenceCompleted = "inference.completed"
	TypeStreamCompleted    = "inference.stream_completed"
	TypeBatchCompleted     = "inference.batch_completed"
)

// SchemaVersion is the payload schema version of every event.
// Bump it following semantic versioning when a payload shape changes.
const SchemaVersion = "1.0.0"

// Envelope wraps an event payload with routing and correlation metadata.
// The workflow fields are stamped by the activity base at emission time;
// NewEnvelope leaves them empty.
type Envelope struct {
	// ID uniquely identifies this event instance. Generated as a UUID.
	ID string `json:"id"`

	// Type identifies the event for routing, e.g. "inference.completed".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "llmrouter.activity".
	Source string `json:"source"`

	// Version is the payload schema version, normally SchemaVersion.
	Version string `json:"version"`

	// Timestamp records when the envelope was built, in UTC.
	Timestamp time.Time `json:"timestamp"`

	// WorkflowID identifies the Temporal workflow that ran the activity.
	WorkflowID string `json:"workflow_id"`

	// RunID identifies the workflow execution run.
	RunID string `json:"run_id"`

	// ActivityID identifies the activity within the run.
	ActivityID string `json:"activity_id"`

	// Payload holds the event data as JSON. Its schema depends on Type.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey is stable across activity retries so consumers can
	// drop duplicates.
	IdempotencyKey string `json:"idempotency_key"`
}

// NewEnvelope builds an envelope around payload, assigning a fresh ID, the
// current schema version and a UTC timestamp. It fails only when payload
// cannot be encoded as JSON.
func NewEnvelope(eventType, source string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Version:   SchemaVersion,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// EventSink receives events for downstream consumers. Implementations may
// write to a log, an outbox table or a message broker.
//
// Append should return quickly and honor ctx. Callers treat sink errors as
// non-fatal: an inference that succeeded is never failed because its event
// could not be recorded.
type EventSink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event. It is useful in tests and for
// deployments that do not consume events.
type NoOpEventSink struct{}

// Append implements EventSink.
func (n *NoOpEventSink) Append(context.Context, Envelope) error { return nil }

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink { return &NoOpEventSink{} }

// LogEventSink writes each event as a structured log record at info level.
// It never returns an error.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink returns a sink logging through logger, tagged with
// component=events. A nil logger falls back to slog.Default.
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger.With("component", "events")}
}

// Append implements EventSink.
func (s *LogEventSink) Append(ctx context.Context, e Envelope) error {
	s.logger.InfoContext(ctx, "event",
		"type", e.Type,
		"source", e.Source,
		"workflow_id", e.WorkflowID,
		"idempotency_key", e.IdempotencyKey,
		"payload", string(e.Payload),
	)
	return nil
}
