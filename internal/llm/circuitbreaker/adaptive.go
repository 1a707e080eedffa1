package circuitbreaker

import (
	"sync"
	"time"
)

// Adaptive threshold tuning.
const (
	minRequestsForAdjustment  = 10
	highErrorRate             = 0.5
	mediumErrorRate           = 0.3
	mediumThresholdMultiplier = 0.75
	adaptiveWindow            = time.Minute
)

// adaptiveThreshold lowers the failure threshold while the error rate over
// the current one-minute window is high, so a degrading server trips the
// circuit sooner.
type adaptiveThreshold struct {
	mu          sync.Mutex
	base        int
	current     int
	requests    int
	failures    int
	windowStart time.Time
	now         func() time.Time
}

func newAdaptiveThreshold(base int, now func() time.Time) *adaptiveThreshold {
	return &adaptiveThreshold{base: base, current: base, windowStart: now(), now: now}
}

func (a *adaptiveThreshold) record(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Sub(a.windowStart) > adaptiveWindow {
		a.requests, a.failures = 0, 0
		a.windowStart = now
	}

	a.requests++
	if !success {
		a.failures++
	}
	if a.requests < minRequestsForAdjustment {
		return
	}

	rate := float64(a.failures) / float64(a.requests)
	switch {
	case rate > highErrorRate:
		a.current = a.base / 2
	case rate > mediumErrorRate:
		a.current = int(float64(a.base) * mediumThresholdMultiplier)
	default:
		a.current = a.base
	}
	a.current = max(a.current, 1)
}

func (a *adaptiveThreshold) threshold() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
