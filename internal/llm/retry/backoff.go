package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// jitterFraction bounds the random perturbation applied to a delay.
const jitterFraction = 0.25

// Rand is the random source used for jitter. Implementations shared by
// concurrent engines must be safe for concurrent use.
type Rand interface {
	Float64() float64
}

// globalRand draws from the goroutine-safe math/rand/v2 top-level source.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() } // #nosec G404 -- non-cryptographic jitter is appropriate here

// Backoff computes the delay to wait after the failed attempt with the given
// zero-based index.
//
// A delay carried by the error (a server Retry-After) wins and is capped at
// MaxDelay. Otherwise the delay is BaseDelay*Multiplier^attempt capped at
// MaxDelay, then perturbed by up to ±25% when jitter is enabled and clamped
// to be non-negative. Given the same rng state the result is deterministic.
func Backoff(attempt int, err error, policy configuration.RetryPolicy, rng Rand) time.Duration {
	// Only a server-carried delay replaces the schedule. Kind hints from
	// SuggestedDelay (Network 1s, Timeout 2s) are ignored so a policy's
	// BaseDelay alone sets the pace of transport retries; the hints surface
	// as NextRetryDelay at the Temporal boundary instead.
	if d, ok := llmerrors.CarriedDelay(err); ok {
		return min(d, policy.MaxDelay)
	}

	delay := ExponentialBackoff(attempt, policy)
	if policy.Jitter {
		if rng == nil {
			rng = globalRand{}
		}
		delay = applyJitter(delay, rng)
	}
	return delay
}

// ExponentialBackoff returns min(BaseDelay*Multiplier^attempt, MaxDelay)
// without jitter. Negative attempts are treated as zero.
func ExponentialBackoff(attempt int, policy configuration.RetryPolicy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	f := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt))
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(f)
}

// applyJitter perturbs d uniformly within ±jitterFraction.
func applyJitter(d time.Duration, rng Rand) time.Duration {
	factor := (rng.Float64()*2 - 1) * jitterFraction
	jittered := float64(d) * (1 + factor)
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}
