// storage/memory.go
// Purpose: Sharded in-memory storage for per-key rate limiter state
// Use case: Single-process limiting where state is process-local and lost on restart

package storage

import (
	"hash/fnv"
	"sync"
	"time"
)

// shard holds a slice of the key space behind its own mutex so concurrent
// checks on different keys rarely contend on the same lock.
type shard struct {
	mu      sync.Mutex
	entries map[string]*ClientEntry
}

// Store is a sharded in-memory map of per-key limiter state. All mutations
// happen under the owning shard's lock, which makes every check atomic per
// key.
type Store struct {
	shards  []*shard
	mask    uint32
	maxKeys int

	closed   bool
	closedMu sync.RWMutex
}

// NewStore creates a new in-memory store instance.
func NewStore(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}

	count := nextPowerOfTwo(config.ShardCount)
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*ClientEntry)}
	}

	return &Store{
		shards:  shards,
		mask:    uint32(count - 1),
		maxKeys: config.MaxKeys,
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()&s.mask]
}

// Update runs fn against the entry for key under the shard lock, creating the
// entry on first access. LastAccess is stamped with now before fn runs. fn
// must not call back into the store.
func (s *Store) Update(key string, now time.Time, fn func(e *ClientEntry)) {
	if s.isClosed() {
		return
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, exists := sh.entries[key]
	if !exists {
		if len(sh.entries) >= s.maxPerShard() {
			sh.removeOldestLocked()
		}
		e = &ClientEntry{Created: now}
		sh.entries[key] = e
	}
	e.LastAccess = now

	fn(e)
}

// View runs fn against a copy of the entry for key, if present.
func (s *Store) View(key string, fn func(e ClientEntry)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, exists := sh.entries[key]
	if !exists {
		return false
	}
	fn(*e)
	return true
}

// Delete removes the entry for key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, exists := sh.entries[key]
	if exists {
		delete(sh.entries, key)
	}
	return exists
}

// Len returns the total number of tracked keys.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Range iterates over a copy of every entry. fn runs while the owning shard
// is locked, so it must be fast and must not call back into the store.
// Returning false stops the iteration.
func (s *Store) Range(fn func(key string, e ClientEntry) bool) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !fn(key, *e) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// EvictIdle removes entries whose LastAccess is before cutoff and returns the
// number removed. Housekeeping only; a stale entry resets correctly on its
// next access.
func (s *Store) EvictIdle(cutoff time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.LastAccess.Before(cutoff) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Close marks the store closed. Subsequent Updates are dropped.
func (s *Store) Close() {
	s.closedMu.Lock()
	s.closed = true
	s.closedMu.Unlock()
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

func (s *Store) maxPerShard() int {
	per := s.maxKeys / len(s.shards)
	if per < 1 {
		per = 1
	}
	return per
}

// removeOldestLocked evicts the least recently accessed entry of a shard.
// Caller must hold the shard lock.
func (sh *shard) removeOldestLocked() {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range sh.entries {
		if oldestKey == "" || e.LastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.LastAccess
		}
	}

	if oldestKey != "" {
		delete(sh.entries, oldestKey)
	}
}
