// Package batch runs collections of inference requests under a concurrency
// cap and a shared deadline, reporting per-item outcomes in submission order.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// errFailFast is the cancellation cause set when fail-fast trips.
var errFailFast = errors.New("batch aborted by fail-fast")

// Options control a single batch run.
type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	FailFast      bool
}

// OptionsFromConfig returns the configured batch defaults.
func OptionsFromConfig(cfg configuration.BatchConfig) Options {
	return Options{
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       cfg.Timeout,
		FailFast:      cfg.FailFast,
	}
}

// withDefaults fills unset fields from the package defaults.
func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = configuration.DefaultBatchConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = configuration.DefaultBatchTimeout
	}
	return o
}

// Status is the final state of one batch item.
type Status string

// Item states.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome pairs a request's result with its submission index.
// Exactly one of Response and Err is set for attempted items.
type Outcome struct {
	Index    int
	Status   Status
	Response *transport.InferenceResponse
	Err      error
}

// Summary aggregates a batch run. Outcomes lists every item that was
// attempted or timed out, in submission order; items skipped because
// fail-fast tripped before they started are counted in Skipped only.
// Total equals Succeeded + Failed + Skipped.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
	Outcomes  []Outcome
}

// Executor performs one retried inference call.
type Executor func(ctx context.Context, index int, req *transport.InferenceRequest) (*transport.InferenceResponse, error)

// Orchestrator dispatches batch members to an Executor.
type Orchestrator struct {
	exec   Executor
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator that runs items through exec.
func New(exec Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		exec:   exec,
		logger: logger.With("component", "batch"),
		now:    time.Now,
	}
}

type itemResult struct {
	index int
	resp  *transport.InferenceResponse
	err   error
}

type itemState uint8

const (
	statePending itemState = iota
	stateRunning
	stateDone
)

// Run executes reqs with at most opts.MaxConcurrent in flight. Items are
// admitted in submission order. When opts.Timeout elapses, every item not
// yet finished fails with a Timeout error and in-flight calls are cancelled.
// With FailFast the first failed item cancels everything still running and
// the remaining items are skipped. Run returns without waiting for
// cancelled calls to unwind.
func (o *Orchestrator) Run(ctx context.Context, reqs []*transport.InferenceRequest, opts Options) *Summary {
	opts = opts.withDefaults()
	start := o.now()
	n := len(reqs)

	summary := &Summary{Total: n}
	if n == 0 {
		return summary
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, opts.Timeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan itemResult, n)
	started := make(chan int)
	dispatchDone := make(chan struct{})
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrent))

	go o.dispatch(ctx, reqs, sem, started, results, dispatchDone)

	states := make([]itemState, n)
	outcomes := make([]*Outcome, n)
	inFlight := 0
	dispatching := true

	record := func(r itemResult) {
		states[r.index] = stateDone
		inFlight--
		if r.err != nil {
			outcomes[r.index] = &Outcome{Index: r.index, Status: StatusFailed, Err: llmerrors.Classify(r.err)}
			return
		}
		outcomes[r.index] = &Outcome{Index: r.index, Status: StatusSucceeded, Response: r.resp}
	}

loop:
	for dispatching || inFlight > 0 {
		select {
		case i := <-started:
			states[i] = stateRunning
			inFlight++

		case r := <-results:
			record(r)
			if r.err != nil && opts.FailFast {
				o.logger.Warn("fail-fast triggered", "index", r.index, "error", r.err)
				cancel(errFailFast)
				break loop
			}

		case <-dispatchDone:
			dispatching = false
			dispatchDone = nil

		case <-ctx.Done():
			break loop
		}
	}

	// Pick up results that completed alongside the stop signal.
	for drained := false; !drained; {
		select {
		case r := <-results:
			if states[r.index] == stateRunning {
				record(r)
			}
		default:
			drained = true
		}
	}

	cause := context.Cause(ctx)
	for i, st := range states {
		if st == stateDone {
			continue
		}
		switch {
		case errors.Is(cause, context.DeadlineExceeded):
			outcomes[i] = &Outcome{Index: i, Status: StatusFailed,
				Err: llmerrors.Wrap(llmerrors.KindTimeout, "batch deadline exceeded", cause)}
		case st == stateRunning:
			outcomes[i] = &Outcome{Index: i, Status: StatusFailed, Err: cancellationError(cause)}
		default:
			outcomes[i] = &Outcome{Index: i, Status: StatusSkipped}
		}
	}

	summary.Outcomes = make([]Outcome, 0, n)
	for _, oc := range outcomes {
		switch oc.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
			continue
		}
		summary.Outcomes = append(summary.Outcomes, *oc)
	}
	summary.Elapsed = o.now().Sub(start)

	o.logger.Info("batch completed",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"elapsed", summary.Elapsed)
	return summary
}

// dispatch admits requests in order as semaphore slots free up. Each
// admission is announced on started before the call begins, so the
// collector always sees an item running before its result.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	reqs []*transport.InferenceRequest,
	sem *semaphore.Weighted,
	started chan<- int,
	results chan<- itemResult,
	done chan<- struct{},
) {
	defer close(done)

	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case started <- i:
		case <-ctx.Done():
			sem.Release(1)
			return
		}

		go func(i int, req *transport.InferenceRequest) {
			defer sem.Release(1)
			resp, err := o.exec(ctx, i, req)
			results <- itemResult{index: i, resp: resp, err: err}
		}(i, req)
	}
}

func cancellationError(cause error) error {
	if errors.Is(cause, errFailFast) {
		return llmerrors.Wrap(llmerrors.KindOther, "cancelled by fail-fast", cause)
	}
	return llmerrors.FromContext(cause)
}
