// Package lru provides a small size-bounded cache with a soft staleness TTL.
// Staleness is checked on read and forces a refresh; eviction happens only on
// overflow and removes the least-recently-accessed entry. The two policies are
// deliberately decoupled: an expired entry is not evicted, it just stops
// counting as a hit.
package lru

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value          V
	cachedAt       time.Time
	lastAccessedAt time.Time
	accessCount    int
}

// Cache is a bounded map with soft-TTL reads and LRA eviction.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration // 0 means entries never go stale
	entries map[K]*entry[V]
	now     func() time.Time
}

// New creates a cache holding at most max entries, with reads considered
// stale once ttl has elapsed since the entry was cached.
func New[K comparable, V any](max int, ttl time.Duration) *Cache[K, V] {
	if max < 1 {
		max = 1
	}
	return &Cache[K, V]{
		max:     max,
		ttl:     ttl,
		entries: make(map[K]*entry[V]),
		now:     time.Now,
	}
}

// Lookup returns the cached value if present and fresh, bumping the access
// bookkeeping. A stale or missing entry returns ok=false; the caller reloads
// and calls Put.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	now := c.now()
	if c.ttl > 0 && now.Sub(e.cachedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	e.lastAccessedAt = now
	e.accessCount++
	return e.value, true
}

// Put stores or refreshes a value. A refresh preserves the entry's access
// counter. If the cache overflows, the least-recently-accessed entry is
// evicted.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.cachedAt = now
		e.lastAccessedAt = now
		e.accessCount++
		return
	}
	c.entries[key] = &entry[V]{value: value, cachedAt: now, lastAccessedAt: now, accessCount: 1}
	if len(c.entries) > c.max {
		c.evictOldestLocked()
	}
}

func (c *Cache[K, V]) evictOldestLocked() {
	var oldestKey K
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessedAt.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccessedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Remove drops an entry if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Contains reports whether the key is resident, fresh or not.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// AccessCount returns how many times the key has been read or refreshed.
func (c *Cache[K, V]) AccessCount(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.accessCount
	}
	return 0
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetClock overrides the time source. Test hook.
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
