package core

import (
	"container/list"
	"context"
	"sync"
)

// IdempotencyChecker implements two-tier deduplication on transaction ids.
// A key is claimed before execution so concurrent submissions of the same
// id cannot both run.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	inflight    map[string]struct{}
	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, txID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		inflight:  make(map[string]struct{}),
	}
}

// Claim reserves key for execution. It returns false and the tier that
// matched when key was already processed or is currently executing.
// A successful claim must be followed by MarkProcessed or Release.
func (ic *IdempotencyChecker) Claim(ctx context.Context, key string) (bool, string) {
	ic.mu.Lock()
	if _, busy := ic.inflight[key]; busy {
		ic.mu.Unlock()
		return false, "inflight"
	}

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(key) {
		ic.mu.Unlock()
		return false, "lru"
	}
	ic.inflight[key] = struct{}{}
	ic.mu.Unlock()

	// Tier 2: Postgres check (cold path), outside the lock
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, key)
		if err != nil {
			// Conservative: a DB outage must not block execution
			ic.mu.Lock()
			ic.tier2Errors++
			ic.mu.Unlock()
			return true, ""
		}
		if isDup {
			ic.mu.Lock()
			delete(ic.inflight, key)
			ic.lru.Add(key)
			ic.mu.Unlock()
			return false, "postgres"
		}
	}

	return true, ""
}

// ClaimLocal is Claim without the Postgres tier, for replaying the
// invocation log where every key is already in the database.
func (ic *IdempotencyChecker) ClaimLocal(_ context.Context, key string) (bool, string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if _, busy := ic.inflight[key]; busy {
		return false, "inflight"
	}
	if ic.lru.Contains(key) {
		return false, "lru"
	}
	ic.inflight[key] = struct{}{}
	return true, ""
}

// MarkProcessed moves a claimed key into the LRU.
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inflight, key)
	ic.lru.Add(key)
}

// Release drops a claim without recording the key, so it may be retried.
func (ic *IdempotencyChecker) Release(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inflight, key)
}

// Warm loads recently processed keys, typically from Postgres on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

// Keys returns the LRU contents, most recent first.
func (ic *IdempotencyChecker) Keys() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.GetAllKeys()
}

// DedupStats is a point-in-time view of the checker. Counters are totals
// since start.
type DedupStats struct {
	Size        int
	Evictions   int64
	Tier2Errors int64
}

// Stats returns the current LRU size with the eviction and Postgres error
// totals. Duplicate counts by tier are recorded by the Executor.
func (ic *IdempotencyChecker) Stats() DedupStats {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return DedupStats{
		Size:        ic.lru.Size(),
		Evictions:   ic.lru.Evictions(),
		Tier2Errors: ic.tier2Errors,
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys into the LRU. Keys are expected most
// recent first, so the freshest survive if the batch exceeds capacity.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		if _, exists := lru.cache[key]; exists {
			continue
		}
		elem := lru.lruList.PushFront(&lruEntry{key: key})
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// GetAllKeys returns every key, most recent first.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruEntry).key)
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
