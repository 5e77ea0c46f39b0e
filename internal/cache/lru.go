// Package cache provides the bounded, count-limited LRU used by the
// parser cache (C2) and the server-side prepared-statement cache (C3).
//
// The teacher wraps an external cache library (tqmemory) behind a
// small typed API in cache/cache.go rather than using the library's
// types directly at call sites; this package keeps that shape but
// swaps the backing library for github.com/hashicorp/golang-lru/v2,
// since tqmemory's cache is bytes/TTL-bounded and spec.md requires
// count-bounded eviction ("query_cache_limit, default 500",
// "prepared_statements_limit, default 500") with an explicit eviction
// hook (the rewriter needs to know which fingerprint fell out so it
// can schedule a server-side CLOSE).
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a bounded, count-limited cache with hit/miss counters and an
// optional eviction callback.
type LRU[K comparable, V any] struct {
	inner   *lru.Cache[K, V]
	hits    uint64
	misses  uint64
	onEvict func(K, V)
}

// New creates an LRU bounded to size entries. onEvict, if non-nil, is
// invoked synchronously whenever an entry is evicted to make room for
// a new one (not on explicit Remove).
func New[K comparable, V any](size int, onEvict func(K, V)) (*LRU[K, V], error) {
	c := &LRU[K, V]{onEvict: onEvict}
	inner, err := lru.NewWithEvict(size, func(key K, value V) {
		if c.onEvict != nil {
			c.onEvict(key, value)
		}
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// Get returns the cached value for key, tracking the hit/miss counter.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Peek returns the cached value without affecting recency or counters.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	return c.inner.Peek(key)
}

// Add inserts or updates key, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *LRU[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

// Remove explicitly deletes key without invoking onEvict.
func (c *LRU[K, V]) Remove(key K) bool {
	// The underlying cache fires its eviction callback on Remove too;
	// detach onEvict for the duration of the call.
	onEvict := c.onEvict
	c.onEvict = nil
	defer func() { c.onEvict = onEvict }()
	return c.inner.Remove(key)
}

// Len returns the number of entries currently cached.
func (c *LRU[K, V]) Len() int {
	return c.inner.Len()
}

// Keys returns all cached keys, oldest first.
func (c *LRU[K, V]) Keys() []K {
	return c.inner.Keys()
}

// Stats returns (hits, misses) observed via Get since creation.
func (c *LRU[K, V]) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}
