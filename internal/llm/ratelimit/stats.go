package ratelimit

// Stats reports limiter activity for monitoring.
type Stats struct {
	// Limiters is the number of live per-key buckets.
	Limiters int
	// Allowed counts calls that found a token.
	Allowed int64
	// Denied counts calls rejected with a RateLimit error.
	Denied int64
}

// Stats returns a snapshot of the limiter's counters. Limiters is read
// under the registry lock; the counters are read atomically.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	n := len(l.limiters)
	l.mu.RUnlock()
	return Stats{
		Limiters: n,
		Allowed:  l.allowed.Load(),
		Denied:   l.denied.Load(),
	}
}
