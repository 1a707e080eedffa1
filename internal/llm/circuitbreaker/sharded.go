package circuitbreaker

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const shardCount = 16

// shardedBreakers spreads circuits over independently locked shards to keep
// lookups for unrelated keys from contending.
type shardedBreakers struct {
	shards [shardCount]struct {
		sync.RWMutex
		breakers map[string]*breaker
	}
	total atomic.Int64
}

func newShardedBreakers() *shardedBreakers {
	sb := new(shardedBreakers)
	for i := range sb.shards {
		sb.shards[i].breakers = make(map[string]*breaker)
	}
	return sb
}

func (sb *shardedBreakers) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (sb *shardedBreakers) get(key string) (*breaker, bool) {
	shard := &sb.shards[sb.shard(key)]
	shard.RLock()
	b, ok := shard.breakers[key]
	shard.RUnlock()
	return b, ok
}

// getOrCreate returns the breaker for key, creating it under the shard lock.
// It reports false when limit circuits already exist.
func (sb *shardedBreakers) getOrCreate(key string, create func() *breaker, limit int) (*breaker, bool) {
	if b, ok := sb.get(key); ok {
		return b, true
	}

	shard := &sb.shards[sb.shard(key)]
	shard.Lock()
	defer shard.Unlock()

	if b, ok := shard.breakers[key]; ok {
		return b, true
	}
	if limit > 0 && int(sb.total.Load()) >= limit {
		return nil, false
	}

	b := create()
	shard.breakers[key] = b
	sb.total.Add(1)
	return b, true
}

// each calls fn for every breaker.
func (sb *shardedBreakers) each(fn func(*breaker)) {
	for i := range sb.shards {
		shard := &sb.shards[i]
		shard.RLock()
		for _, b := range shard.breakers {
			fn(b)
		}
		shard.RUnlock()
	}
}
