//nolint:testpackage // Tests need access to the heartbeat hook and nonRetryable
package activity

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-llmrouter/internal/llm/batch"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/stream"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
	"github.com/ahrav/go-llmrouter/pkg/events"
)

// frameSource replays fixed frames, then an optional error, then io.EOF.
type frameSource struct {
	frames [][]byte
	err    error
}

func (f *frameSource) Next(context.Context) ([]byte, error) {
	if len(f.frames) == 0 {
		if f.err != nil {
			err := f.err
			f.err = nil
			return nil, err
		}
		return nil, io.EOF
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return frame, nil
}

func (f *frameSource) Close() error { return nil }

type fakeClient struct {
	resp      *transport.InferenceResponse
	err       error
	frames    [][]byte
	streamErr error
	openErr   error
	summary   *batch.Summary

	lastReq   *transport.InferenceRequest
	batchReqs []*transport.InferenceRequest
	batchOpts batch.Options
}

func (f *fakeClient) Inference(_ context.Context, req *transport.InferenceRequest) (*transport.InferenceResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeClient) StreamInference(_ context.Context, req *transport.InferenceRequest) (*stream.Stream, error) {
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return stream.New(&frameSource{frames: f.frames, err: f.streamErr}), nil
}

func (f *fakeClient) BatchInference(
	_ context.Context,
	reqs []*transport.InferenceRequest,
	opts batch.Options,
) (*batch.Summary, error) {
	f.batchReqs = reqs
	f.batchOpts = opts
	return f.summary, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (s *recordingSink) Append(_ context.Context, e events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func chunkFrame(t *testing.T, token string) []byte {
	t.Helper()
	return transport.DataFrame([]byte(`{"token":"` + token + `","is_complete":false}`))
}

func TestInference(t *testing.T) {
	t.Run("returns the response and emits an event", func(t *testing.T) {
		client := &fakeClient{resp: &transport.InferenceResponse{Text: "hi", ModelID: "m", Success: true}}
		sink := &recordingSink{}
		acts := NewActivities(client, sink)

		resp, err := acts.Inference(context.Background(), transport.InferenceRequest{Prompt: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "hi", resp.Text)
		assert.Equal(t, "hello", client.lastReq.Prompt)

		require.Len(t, sink.events, 1)
		assert.Equal(t, events.TypeInferenceCompleted, sink.events[0].Type)
		assert.Equal(t, "local-workflow", sink.events[0].WorkflowID)
		assert.NotEmpty(t, sink.events[0].IdempotencyKey)
	})

	t.Run("rejects an empty prompt without calling the client", func(t *testing.T) {
		client := &fakeClient{}
		acts := NewActivities(client, nil)

		_, err := acts.Inference(context.Background(), transport.InferenceRequest{Prompt: "  "})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.NonRetryable())
		assert.Equal(t, "InvalidInput", appErr.Type())
		require.ErrorIs(t, err, ErrActivityValidation)
		assert.Nil(t, client.lastReq)
	})

	t.Run("classifies client errors", func(t *testing.T) {
		client := &fakeClient{err: llmerrors.NewRateLimitError("slow down", 3*time.Second)}
		acts := NewActivities(client, nil)

		_, err := acts.Inference(context.Background(), transport.InferenceRequest{Prompt: "hello"})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, string(llmerrors.KindRateLimit), appErr.Type())
		assert.False(t, appErr.NonRetryable())
		assert.Equal(t, 3*time.Second, appErr.NextRetryDelay())
	})

	t.Run("authentication failures are not retried", func(t *testing.T) {
		client := &fakeClient{err: llmerrors.New(llmerrors.KindAuthentication, "bad key")}
		acts := NewActivities(client, nil)

		_, err := acts.Inference(context.Background(), transport.InferenceRequest{Prompt: "hello"})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.NonRetryable())
		assert.Equal(t, string(llmerrors.KindAuthentication), appErr.Type())
	})
}

func TestInferenceInActivityEnvironment(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()

	client := &fakeClient{resp: &transport.InferenceResponse{Text: "hi", Success: true}}
	acts := NewActivities(client, events.NewNoOpEventSink())
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.Inference, transport.InferenceRequest{Prompt: "hello"})
	require.NoError(t, err)

	var resp transport.InferenceResponse
	require.NoError(t, val.Get(&resp))
	assert.Equal(t, "hi", resp.Text)
	assert.True(t, resp.Success)
}

func TestStreamInference(t *testing.T) {
	t.Run("drains the stream and heartbeats per chunk", func(t *testing.T) {
		client := &fakeClient{frames: [][]byte{
			chunkFrame(t, "Hel"),
			chunkFrame(t, "lo"),
			transport.DoneFrame,
		}}
		acts := NewActivities(client, nil)
		var beats []int
		acts.heartbeat = func(_ context.Context, details ...any) {
			beats = append(beats, details[0].(int))
		}

		res, err := acts.StreamInference(context.Background(), transport.InferenceRequest{Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "Hello", res.Text)
		assert.Equal(t, 3, res.Chunks)
		assert.True(t, res.Complete)
		assert.Empty(t, res.Error)
		assert.Equal(t, []int{1, 2, 3}, beats)
	})

	t.Run("keeps partial text on a mid-stream failure", func(t *testing.T) {
		client := &fakeClient{
			frames:    [][]byte{chunkFrame(t, "par")},
			streamErr: llmerrors.New(llmerrors.KindNetwork, "connection reset"),
		}
		acts := NewActivities(client, nil)
		acts.heartbeat = func(context.Context, ...any) {}

		res, err := acts.StreamInference(context.Background(), transport.InferenceRequest{Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "par", res.Text)
		assert.False(t, res.Complete)
		assert.Equal(t, llmerrors.KindNetwork, res.ErrorKind)
		assert.Contains(t, res.Error, "connection reset")
	})

	t.Run("fails when the stream cannot be opened", func(t *testing.T) {
		client := &fakeClient{openErr: llmerrors.New(llmerrors.KindModelNotFound, "no such model")}
		acts := NewActivities(client, nil)

		_, err := acts.StreamInference(context.Background(), transport.InferenceRequest{Prompt: "hi"})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.NonRetryable())
		assert.Equal(t, string(llmerrors.KindModelNotFound), appErr.Type())
	})
}

func TestBatchInference(t *testing.T) {
	t.Run("converts the summary", func(t *testing.T) {
		client := &fakeClient{summary: &batch.Summary{
			Total:     3,
			Succeeded: 1,
			Failed:    1,
			Skipped:   1,
			Elapsed:   1500 * time.Millisecond,
			Outcomes: []batch.Outcome{
				{Index: 0, Status: batch.StatusSucceeded, Response: &transport.InferenceResponse{Text: "a", Success: true}},
				{Index: 1, Status: batch.StatusFailed, Err: llmerrors.New(llmerrors.KindTimeout, "batch deadline exceeded")},
				{Index: 2, Status: batch.StatusSkipped},
			},
		}}
		sink := &recordingSink{}
		acts := NewActivities(client, sink)

		res, err := acts.BatchInference(context.Background(), BatchInput{
			Requests:      []transport.InferenceRequest{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}},
			MaxConcurrent: 2,
			Timeout:       time.Minute,
			FailFast:      true,
		})
		require.NoError(t, err)

		require.Len(t, client.batchReqs, 3)
		assert.Equal(t, "b", client.batchReqs[1].Prompt)
		assert.Equal(t, batch.Options{MaxConcurrent: 2, Timeout: time.Minute, FailFast: true}, client.batchOpts)

		assert.Equal(t, 3, res.Total)
		assert.Equal(t, int64(1500), res.ElapsedMs)
		require.Len(t, res.Outcomes, 3)
		assert.Equal(t, "a", res.Outcomes[0].Response.Text)
		assert.Equal(t, llmerrors.KindTimeout, res.Outcomes[1].ErrorKind)
		assert.Contains(t, res.Outcomes[1].Error, "batch deadline exceeded")
		assert.Equal(t, batch.StatusSkipped, res.Outcomes[2].Status)

		require.Len(t, sink.events, 1)
		assert.Equal(t, events.TypeBatchCompleted, sink.events[0].Type)
	})

	t.Run("rejects an empty batch", func(t *testing.T) {
		acts := NewActivities(&fakeClient{}, nil)
		_, err := acts.BatchInference(context.Background(), BatchInput{})
		require.ErrorIs(t, err, ErrActivityValidation)
	})

	t.Run("surfaces a closed client", func(t *testing.T) {
		acts := NewActivities(&fakeClient{err: llmerrors.ErrClientClosed}, nil)
		_, err := acts.BatchInference(context.Background(), BatchInput{
			Requests: []transport.InferenceRequest{{Prompt: "a"}},
		})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
	})
}

func TestToApplicationError(t *testing.T) {
	require.NoError(t, ToApplicationError(nil))

	existing := temporal.NewApplicationError("done", "Custom")
	assert.Same(t, existing, ToApplicationError(existing))

	err := ToApplicationError(errors.New("boom"))
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, string(llmerrors.KindOther), appErr.Type())
	assert.True(t, appErr.NonRetryable())

	err = ToApplicationError(llmerrors.New(llmerrors.KindNetwork, "refused"))
	require.ErrorAs(t, err, &appErr)
	assert.False(t, appErr.NonRetryable())
	assert.Equal(t, llmerrors.NetworkRetryDelay, appErr.NextRetryDelay())
}

func TestNonRetryable(t *testing.T) {
	cause := errors.New("root")
	err := nonRetryable("InvalidInput", cause, "bad input")

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, "InvalidInput", appErr.Type())
	require.ErrorIs(t, err, cause)
}

func TestNonRetryableErrorTypes(t *testing.T) {
	types := NonRetryableErrorTypes()
	assert.Contains(t, types, string(llmerrors.KindAuthentication))
	assert.Contains(t, types, string(llmerrors.KindValidation))
	assert.NotContains(t, types, string(llmerrors.KindNetwork))
	assert.NotContains(t, types, string(llmerrors.KindRateLimit))
	assert.NotContains(t, types, string(llmerrors.KindHTTP))
}

func TestActivityOptions(t *testing.T) {
	cfg := configuration.DefaultConfig()
	ao := ActivityOptions(cfg)

	want := time.Duration(cfg.Retry.MaxAttempts+1)*cfg.Timeout + time.Duration(cfg.Retry.MaxAttempts)*cfg.Retry.MaxDelay
	assert.Equal(t, want, ao.StartToCloseTimeout)
	assert.Zero(t, ao.HeartbeatTimeout)
	require.NotNil(t, ao.RetryPolicy)
	assert.Equal(t, int32(1), ao.RetryPolicy.MaximumAttempts)

	assert.Equal(t, heartbeatTimeout, StreamActivityOptions(cfg).HeartbeatTimeout)

	cfg.Batch.Timeout = 24 * time.Hour
	assert.Equal(t, 24*time.Hour+time.Minute, BatchActivityOptions(cfg).StartToCloseTimeout)

	assert.Equal(t, ActivityOptions(configuration.DefaultConfig()), ActivityOptions(nil))
}
