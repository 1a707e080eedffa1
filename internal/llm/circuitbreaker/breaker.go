// Package circuitbreaker stops sending requests to a protocol and model pair
// that keeps failing, then lets a few probes through to detect recovery.
package circuitbreaker

import (
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// jitterDivisor limits open-timeout jitter to a tenth of the timeout.
const jitterDivisor = 10

// State is the position of a circuit in its state machine.
type State int32

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a limited number of probes.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// admission is the outcome of asking a breaker for permission.
type admission struct {
	allowed bool
	probe   bool
	// retryIn is the time left before an open circuit starts probing.
	retryIn time.Duration
	release func()
}

// breaker is one circuit. Counters are atomics so the hot path never locks.
type breaker struct {
	key string

	state          atomic.Int32
	failures       atomic.Int32
	successes      atomic.Int32
	openedAt       atomic.Int64
	openFor        atomic.Int64
	halfOpenProbes atomic.Int32

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	maxProbes        int

	adaptive *adaptiveThreshold
	counters counters
	now      func() time.Time
	logger   *slog.Logger
}

type breakerSettings struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	maxProbes        int
	adaptive         bool
}

func newBreaker(key string, s breakerSettings, now func() time.Time, logger *slog.Logger) *breaker {
	b := &breaker{
		key:              key,
		failureThreshold: max(s.failureThreshold, 1),
		successThreshold: max(s.successThreshold, 1),
		openTimeout:      s.openTimeout,
		maxProbes:        max(s.maxProbes, 1),
		now:              now,
		logger:           logger,
	}
	if s.adaptive {
		b.adaptive = newAdaptiveThreshold(b.failureThreshold, now)
	}
	b.state.Store(int32(StateClosed))
	return b
}

func (b *breaker) current() State { return State(b.state.Load()) }

// jitteredTimeout returns the open timeout plus up to 10% random jitter, so
// circuits opened together do not probe together.
func (b *breaker) jitteredTimeout() time.Duration {
	jit := b.openTimeout / jitterDivisor
	if jit <= 0 {
		return b.openTimeout
	}
	return b.openTimeout + rand.N(jit)
}

// allow decides whether a request may proceed. An allowed admission's
// release must be called once the request finishes.
func (b *breaker) allow() admission {
	switch b.current() {
	case StateClosed:
		b.counters.allowed.Add(1)
		return admission{allowed: true, release: func() {}}

	case StateOpen:
		elapsed := b.now().Sub(time.Unix(0, b.openedAt.Load()))
		openFor := time.Duration(b.openFor.Load())
		if elapsed < openFor {
			b.counters.rejected.Add(1)
			return admission{retryIn: openFor - elapsed}
		}
		b.transition(StateOpen, StateHalfOpen)
		return b.admitProbe()

	default:
		return b.admitProbe()
	}
}

// admitProbe reserves one of the half-open probe slots.
func (b *breaker) admitProbe() admission {
	for {
		cur := b.halfOpenProbes.Load()
		if int(cur) >= b.maxProbes {
			b.counters.rejected.Add(1)
			return admission{}
		}
		if b.halfOpenProbes.CompareAndSwap(cur, cur+1) {
			b.counters.allowed.Add(1)
			b.counters.probes.Add(1)
			return admission{allowed: true, probe: true, release: b.releaseProbe}
		}
	}
}

// releaseProbe frees a probe slot, saturating at zero when a concurrent
// transition already reset the counter.
func (b *breaker) releaseProbe() {
	for {
		cur := b.halfOpenProbes.Load()
		if cur == 0 {
			return
		}
		if b.halfOpenProbes.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (b *breaker) recordSuccess() {
	if b.adaptive != nil {
		b.adaptive.record(true)
	}

	switch b.current() {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		b.counters.probeSuccesses.Add(1)
		if int(b.successes.Add(1)) >= b.successThreshold {
			b.transition(StateHalfOpen, StateClosed)
		}
	}
}

func (b *breaker) recordFailure() {
	if b.adaptive != nil {
		b.adaptive.record(false)
	}

	switch b.current() {
	case StateClosed:
		threshold := b.failureThreshold
		if b.adaptive != nil {
			threshold = b.adaptive.threshold()
		}
		if int(b.failures.Add(1)) >= threshold {
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateHalfOpen, StateOpen)
	}
}

// transition moves from one state to another. It is a no-op when another
// goroutine already left from.
func (b *breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	b.reset(to)
	b.counters.transitions.Add(1)
	b.logger.Info("circuit breaker state transition",
		"circuit", b.key,
		"from", from.String(),
		"to", to.String())
	return true
}

// force sets the state unconditionally.
func (b *breaker) force(to State) {
	from := State(b.state.Swap(int32(to)))
	b.reset(to)
	if from != to {
		b.counters.transitions.Add(1)
	}
}

func (b *breaker) reset(to State) {
	b.failures.Store(0)
	b.successes.Store(0)
	b.halfOpenProbes.Store(0)
	if to == StateOpen {
		b.openedAt.Store(b.now().UnixNano())
		b.openFor.Store(int64(b.jitteredTimeout()))
	}
}

// counters tracks lifetime totals for one breaker.
type counters struct {
	transitions    atomic.Int64
	allowed        atomic.Int64
	rejected       atomic.Int64
	probes         atomic.Int64
	probeSuccesses atomic.Int64
	probeConflicts atomic.Int64
}
