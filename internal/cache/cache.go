// Package cache provides a small in-memory TTL cache used by the storage
// layer for read-through whitelist lookups.
//
// All cached read paths share this one abstraction: get-or-load with TTL,
// explicit invalidate-by-key, and invalidate-all. Entries expire passively on
// read; Sweep() exists for periodic cleanup so abandoned keys don't pile up.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// TTL is a concurrency-safe map cache with a per-cache TTL.
//
// The zero value is not usable; construct with New.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[K]entry[V]
	now     func() time.Time
}

// New returns a TTL cache. ttl <= 0 disables caching entirely: Get always
// misses and Set is a no-op, so callers don't need a separate "cache off"
// branch.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:     ttl,
		entries: map[K]entry[V]{},
		now:     time.Now,
	}
}

// SetClock replaces the time source. Test hook; not safe to call after the
// cache is shared between goroutines.
func (c *TTL[K, V]) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// SetTTL changes the TTL applied to future writes. <= 0 disables the cache
// and drops everything already stored; entries written earlier otherwise keep
// their original deadline.
func (c *TTL[K, V]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	if ttl <= 0 {
		c.entries = map[K]entry[V]{}
	}
	c.mu.Unlock()
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.RLock()
	ttl := c.ttl
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ttl <= 0 || !ok || c.now().After(e.expires) {
		return zero, false
	}
	return e.val, true
}

func (c *TTL[K, V]) Set(key K, val V) {
	c.mu.Lock()
	if c.ttl > 0 {
		c.entries[key] = entry[V]{val: val, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for key, or runs load and caches its
// result. Loader errors are returned as-is and never cached. The loader runs
// outside the cache lock, so concurrent misses on the same key may load more
// than once; last write wins.
func (c *TTL[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTL[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[K]entry[V]{}
	c.mu.Unlock()
}

// Sweep removes expired entries and reports how many were dropped.
func (c *TTL[K, V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
