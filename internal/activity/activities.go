// Package activity exposes the inference client as Temporal activities.
// Activities translate classified client errors into application errors so
// that workflow retry policies follow the client's retryability rules.
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/go-llmrouter/internal/llm/batch"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/stream"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
	pkgactivity "github.com/ahrav/go-llmrouter/pkg/activity"
	"github.com/ahrav/go-llmrouter/pkg/events"
)

// Registered activity names.
const (
	InferenceActivityName       = "Inference"
	StreamInferenceActivityName = "StreamInference"
	BatchInferenceActivityName  = "BatchInference"
)

// eventSource identifies events emitted by this package.
const eventSource = "llmrouter.activity"

// InferenceClient is the subset of the client used by the activities.
// *llm.Client satisfies it; tests supply fakes.
type InferenceClient interface {
	Inference(ctx context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error)
	StreamInference(ctx context.Context, req *transport.InferenceRequest) (*stream.Stream, error)
	BatchInference(ctx context.Context, reqs []*transport.InferenceRequest, opts batch.Options) (*batch.Summary, error)
}

// Activities holds the client shared by every activity invocation.
// Register a single instance per worker; its methods are safe for
// concurrent use because the client is.
type Activities struct {
	base      pkgactivity.BaseActivities
	client    InferenceClient
	heartbeat func(ctx context.Context, details ...any)
}

// NewActivities binds the activities to client. A nil sink disables events.
func NewActivities(client InferenceClient, sink events.EventSink) *Activities {
	return &Activities{
		base:      pkgactivity.NewBaseActivities(sink),
		client:    client,
		heartbeat: pkgactivity.RecordHeartbeat,
	}
}

// StreamResult is the drained outcome of a streaming inference.
type StreamResult struct {
	Text     string                      `json:"text"`
	Chunks   int                         `json:"chunks"`
	ModelID  string                      `json:"model_id,omitempty"`
	Metrics  *transport.InferenceMetrics `json:"metrics,omitempty"`
	Complete bool                        `json:"complete"`

	// Error and ErrorKind describe a failure after the first chunk. The
	// partial text is kept, so the activity itself succeeds.
	Error     string              `json:"error,omitempty"`
	ErrorKind llmerrors.ErrorKind `json:"error_kind,omitempty"`
}

// BatchInput is the argument of the BatchInference activity.
type BatchInput struct {
	Requests      []transport.InferenceRequest `json:"requests"`
	MaxConcurrent int                          `json:"max_concurrent,omitempty"`
	Timeout       time.Duration                `json:"timeout,omitempty"`
	FailFast      bool                         `json:"fail_fast,omitempty"`
}

// BatchItem is the serializable outcome of one batch member.
type BatchItem struct {
	Index     int                          `json:"index"`
	Status    batch.Status                 `json:"status"`
	Response  *transport.InferenceResponse `json:"response,omitempty"`
	ErrorKind llmerrors.ErrorKind          `json:"error_kind,omitempty"`
	Error     string                       `json:"error,omitempty"`
}

// BatchResult is the serializable form of a batch summary.
type BatchResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	ElapsedMs int64       `json:"elapsed_ms"`
	Outcomes  []BatchItem `json:"outcomes"`
}

// Inference runs one unary inference call.
//
// An empty prompt fails fast with a non-retryable InvalidInput error.
// Client errors become application errors whose type is the error kind,
// so workflow retry policies can match on it. A completion event is
// emitted on success.
func (a *Activities) Inference(ctx context.Context, req transport.InferenceRequest) (*transport.InferenceResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nonRetryable("InvalidInput", ErrActivityValidation, "prompt is required")
	}

	pkgactivity.SafeLog(ctx, "Starting inference", "model", req.ModelID, "prompt_length", len(req.Prompt))

	resp, err := a.client.Inference(ctx, &req)
	if err != nil {
		pkgactivity.SafeLogError(ctx, "Inference failed", "error", err)
		return nil, ToApplicationError(err)
	}

	a.emit(ctx, events.TypeInferenceCompleted, map[string]any{
		"model_id": resp.ModelID,
		"cached":   resp.Cached,
		"length":   len(resp.Text),
	}, "inference completed")
	return resp, nil
}

// StreamInference drains a token stream, heartbeating as chunks arrive.
// Failing to open the stream fails the activity; a failure mid-stream is
// reported in the result together with the text received so far.
func (a *Activities) StreamInference(ctx context.Context, req transport.InferenceRequest) (*StreamResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nonRetryable("InvalidInput", ErrActivityValidation, "prompt is required")
	}

	s, err := a.client.StreamInference(ctx, &req)
	if err != nil {
		pkgactivity.SafeLogError(ctx, "Stream open failed", "error", err)
		return nil, ToApplicationError(err)
	}
	defer s.Close()

	var (
		res  StreamResult
		text strings.Builder
	)
	for {
		chunk, ok := s.Next(ctx)
		if !ok {
			break
		}
		res.Chunks++
		text.WriteString(chunk.Token)
		if chunk.ModelID != "" {
			res.ModelID = chunk.ModelID
		}
		if chunk.Metrics != nil {
			res.Metrics = chunk.Metrics
		}
		a.heartbeat(ctx, res.Chunks)
		if cerr := chunk.Err(); cerr != nil {
			res.Error = chunk.Error
			res.ErrorKind = llmerrors.Classify(cerr).Kind
			break
		}
		res.Complete = res.Complete || chunk.IsComplete
	}
	res.Text = text.String()

	a.emit(ctx, events.TypeStreamCompleted, map[string]any{
		"model_id": res.ModelID,
		"chunks":   res.Chunks,
		"complete": res.Complete,
		"error":    res.Error,
	}, "stream completed")
	return &res, nil
}

// BatchInference runs the batch and reports every member's outcome. Member
// failures never fail the activity.
func (a *Activities) BatchInference(ctx context.Context, in BatchInput) (*BatchResult, error) {
	if len(in.Requests) == 0 {
		return nil, nonRetryable("InvalidInput", ErrActivityValidation, "batch has no requests")
	}

	reqs := make([]*transport.InferenceRequest, len(in.Requests))
	for i := range in.Requests {
		reqs[i] = &in.Requests[i]
	}

	pkgactivity.SafeLog(ctx, "Starting batch inference", "size", len(reqs), "max_concurrent", in.MaxConcurrent)

	summary, err := a.client.BatchInference(ctx, reqs, batch.Options{
		MaxConcurrent: in.MaxConcurrent,
		Timeout:       in.Timeout,
		FailFast:      in.FailFast,
	})
	if err != nil {
		return nil, ToApplicationError(err)
	}

	out := &BatchResult{
		Total:     summary.Total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		ElapsedMs: summary.Elapsed.Milliseconds(),
		Outcomes:  make([]BatchItem, len(summary.Outcomes)),
	}
	for i, o := range summary.Outcomes {
		item := BatchItem{Index: o.Index, Status: o.Status, Response: o.Response}
		if o.Err != nil {
			item.ErrorKind = llmerrors.Classify(o.Err).Kind
			item.Error = o.Err.Error()
		}
		out.Outcomes[i] = item
	}

	a.emit(ctx, events.TypeBatchCompleted, map[string]any{
		"total":     out.Total,
		"succeeded": out.Succeeded,
		"failed":    out.Failed,
		"skipped":   out.Skipped,
	}, fmt.Sprintf("batch of %d completed", out.Total))
	return out, nil
}

func (a *Activities) emit(ctx context.Context, eventType string, payload map[string]any, description string) {
	envelope, err := events.NewEnvelope(eventType, eventSource, payload)
	if err != nil {
		pkgactivity.SafeLogError(ctx, "Failed to build event", "event_type", eventType, "error", err)
		return
	}
	a.base.EmitEventSafe(ctx, envelope, description)
}
