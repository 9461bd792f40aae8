package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker deduplicates retried operation requests with a
// two-tier lookup: an in-memory LRU for the hot path backed by the
// operation log in Postgres for the cold path. Clients attach a stable
// request ID to every position operation; a replayed request must not
// supply or repay twice.
type IdempotencyChecker struct {
	lru *requestLRU

	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the operation-log lookup for request IDs that
// have aged out of the LRU.
type DBIdempotencyChecker interface {
	IsDuplicate(operation string, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newRequestLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether this (operation, requestID) pair was
// already committed. A log lookup error is treated as "not a
// duplicate": a degraded database must not block the whole ledger, and
// the operation log still records both attempts for reconciliation.
func (ic *IdempotencyChecker) IsDuplicate(operation, requestID string) bool {
	key := compositeKey(operation, requestID)

	if ic.lru.Contains(key) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(operation, requestID)
		if err != nil {
			return false
		}
		if isDup {
			ic.lru.Add(key)
			return true
		}
	}
	return false
}

// MarkProcessed records the request after its operation committed.
func (ic *IdempotencyChecker) MarkProcessed(operation, requestID string) {
	ic.lru.Add(compositeKey(operation, requestID))
}

// Warm preloads recently committed request keys, typically read from
// the operation log on restart, so replays of recent requests stay on
// the hot path.
func (ic *IdempotencyChecker) Warm(operations, requestIDs []string) {
	for i := range operations {
		if i >= len(requestIDs) {
			break
		}
		ic.lru.Add(compositeKey(operations[i], requestIDs[i]))
	}
}

// Size returns the number of cached request keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Size()
}

// Evictions returns total LRU evictions.
func (ic *IdempotencyChecker) Evictions() int64 {
	return ic.lru.evictions
}

func compositeKey(operation, requestID string) string {
	return fmt.Sprintf("%s:%s", operation, requestID)
}

// requestLRU is an LRU cache over composite request keys.
// Not thread-safe — the store's serialized execution covers it.
type requestLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func newRequestLRU(capacity int) *requestLRU {
	return &requestLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *requestLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *requestLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *requestLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *requestLRU) Size() int {
	return lru.lruList.Len()
}
