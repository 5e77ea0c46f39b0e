package sqlparse

import (
	"sync"

	"github.com/mevdschee/pgdog/internal/cache"
	"github.com/mevdschee/pgdog/internal/metrics"
)

// Cache memoizes SQL -> Statement behind a count-bounded LRU, per
// spec.md section 4.2's query_cache_limit (default 500). Parsing a
// statement with pg_query_go is the most expensive step on the hot
// path, so every session shares one process-wide Cache.
type Cache struct {
	mu    sync.Mutex
	inner *cache.LRU[string, *Statement]
}

// NewCache builds a parse cache holding up to limit entries.
func NewCache(limit int) (*Cache, error) {
	inner, err := cache.New[string, *Statement](limit, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Parse returns the cached Statement for sql, parsing and inserting it
// on a miss. Concurrent callers racing on the same miss will each
// parse once; the loser's result is discarded in favor of whichever
// insert the LRU saw first, which is fine since Statement is pure data
// keyed by its own text.
func (c *Cache) Parse(sql string) (*Statement, error) {
	c.mu.Lock()
	if st, ok := c.inner.Get(sql); ok {
		c.mu.Unlock()
		metrics.QueryCacheHits.Inc()
		return st, nil
	}
	c.mu.Unlock()

	st, err := Parse(sql)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.inner.Peek(sql); ok {
		metrics.QueryCacheHits.Inc()
		return existing, nil
	}
	metrics.QueryCacheMisses.Inc()
	c.inner.Add(sql, st)
	return st, nil
}

// Stats reports cache hit/miss counters for the admin console (spec.md
// section 9's SHOW QUERY_CACHE).
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Stats()
}

// Len reports the current number of cached statements.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
