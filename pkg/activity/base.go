// Package activity provides common infrastructure for Temporal activity
// implementations.
//
// Every helper here works both inside a real activity and in plain unit
// tests, where the Temporal activity functions panic for lack of an
// activity context. Inside tests the helpers degrade to fixed identifiers
// or no-ops so activity code can be exercised without a test environment.
package activity

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-llmrouter/pkg/events"
)

// WorkflowContext contains metadata extracted from the activity context.
// It gives activities one way to read execution coordinates, with fixed
// fallback values outside Temporal.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	// Attempt is the Temporal attempt number, starting at 1.
	Attempt int32
}

// BaseActivities provides common infrastructure for all activity types.
// Embed it in an activity struct to get event emission and context
// extraction that behave the same under Temporal and in tests.
type BaseActivities struct {
	eventSink events.EventSink
}

// NewBaseActivities creates a BaseActivities emitting to sink. A nil sink
// disables event emission, which keeps tests that do not care about events
// free of sink setup.
func NewBaseActivities(sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink}
}

// GetWorkflowContext extracts workflow execution details. Inside an
// activity it returns the real workflow, run and activity ids and the
// attempt number. Outside an activity context, where activity.GetInfo
// panics, it returns fixed local ids with attempt 1 so idempotency keys
// remain deterministic in tests.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	var wfCtx WorkflowContext

	func() {
		defer func() {
			if r := recover(); r != nil {
				wfCtx = WorkflowContext{
					WorkflowID: "local-workflow",
					RunID:      "local-run",
					ActivityID: "local-activity",
					Attempt:    1,
				}
			}
		}()

		info := activity.GetInfo(ctx)
		wfCtx.WorkflowID = info.WorkflowExecution.ID
		wfCtx.RunID = info.WorkflowExecution.RunID
		wfCtx.ActivityID = info.ActivityID
		wfCtx.Attempt = info.Attempt
	}()

	return wfCtx
}

// EmitEventSafe stamps envelope with the workflow context and appends it to
// the sink.
//
// When the envelope has no idempotency key one is derived as
// "workflow:run:activity:type", which is stable across activity retries.
// A failed append is retried once after a short delay. Failures and
// cancellation are logged and never returned: event emission must not
// change the outcome of the activity that produced it.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope, description string) {
	if b.eventSink == nil {
		return
	}

	wfCtx := b.GetWorkflowContext(ctx)
	envelope.WorkflowID = wfCtx.WorkflowID
	envelope.RunID = wfCtx.RunID
	envelope.ActivityID = wfCtx.ActivityID
	if envelope.IdempotencyKey == "" {
		envelope.IdempotencyKey = fmt.Sprintf("%s:%s:%s:%s", wfCtx.WorkflowID, wfCtx.RunID, wfCtx.ActivityID, envelope.Type)
	}

	const maxAttempts = 2
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				SafeLogError(ctx, "Event emission cancelled: "+description, "event_type", envelope.Type)
				return
			}
		}

		if err := b.eventSink.Append(ctx, envelope); err != nil {
			lastErr = err
			continue
		}
		SafeLog(ctx, "Event emitted: "+description, "event_type", envelope.Type)
		return
	}

	SafeLogError(ctx, fmt.Sprintf("Failed to emit %s after %d attempts", description, maxAttempts),
		"event_type", envelope.Type,
		"error", lastErr)
}

// RecordHeartbeat records a heartbeat with details. It is ignored outside
// an activity context.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs msg at info level through the activity logger, which tags
// records with the workflow and activity ids. Outside an activity context
// it does nothing.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError is SafeLog at error level.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records activity progress so Temporal can detect a stuck
// worker before the start-to-close timeout. Non-activity contexts are
// ignored.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}
