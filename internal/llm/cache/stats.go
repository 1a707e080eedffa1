package cache

// Stats holds counters for the cache middleware. Only requests carrying a
// cache key are counted; non-deterministic requests bypass the cache.
type Stats struct {
	// Hits counts requests answered from Redis.
	Hits int64
	// Misses counts keyed requests that went to the server.
	Misses int64
	// Errors counts Redis failures and corrupt entries. The request itself
	// still proceeds against the server.
	Errors int64
	// HitRate is Hits over Hits+Misses, or 0 before any keyed request.
	HitRate float64
}

// Stats returns a snapshot of the cache counters. Counters are read
// individually, so the snapshot may straddle a concurrent update.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Errors: c.errors.Load()}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
