package circuitbreaker

// Stats aggregates counters across every circuit.
type Stats struct {
	// Circuits is the number of live circuits.
	Circuits int `json:"circuits"`
	// StateCount maps each state name to the circuits currently in it.
	// Every state is present, with zero when unused.
	StateCount map[string]int `json:"state_count"`
	// Transitions counts state changes, forced resets included.
	Transitions int64 `json:"transitions"`
	// Allowed counts requests admitted in the closed or half-open state.
	Allowed int64 `json:"allowed"`
	// Rejected counts requests refused without a transport call.
	Rejected int64 `json:"rejected"`
	// Probes counts requests admitted while half-open.
	Probes int64 `json:"probes"`
	// ProbeSuccesses counts half-open probes that succeeded.
	ProbeSuccesses int64 `json:"probe_successes"`
	// ProbeConflicts counts probes refused because another process held
	// the shared probe guard.
	ProbeConflicts int64 `json:"probe_conflicts"`
}

// Stats returns a snapshot of all circuits. A nil *Breakers reports zeros.
func (b *Breakers) Stats() Stats {
	s := Stats{StateCount: map[string]int{
		StateClosed.String():   0,
		StateOpen.String():     0,
		StateHalfOpen.String(): 0,
	}}
	if b == nil {
		return s
	}
	b.circuits.each(func(br *breaker) {
		s.Circuits++
		s.StateCount[br.current().String()]++
		s.Transitions += br.counters.transitions.Load()
		s.Allowed += br.counters.allowed.Load()
		s.Rejected += br.counters.rejected.Load()
		s.Probes += br.counters.probes.Load()
		s.ProbeSuccesses += br.counters.probeSuccesses.Load()
		s.ProbeConflicts += br.counters.probeConflicts.Load()
	})
	return s
}
