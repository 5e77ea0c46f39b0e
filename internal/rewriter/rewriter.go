// Package rewriter implements the prepared-statement rewriter
// described in spec.md section 4.3 (C3): it keeps a per-client view
// mapping a client's prepared-statement names to fingerprints, and a
// per-server view of which fingerprints have actually been PARSE'd on
// that connection, so a client's short-lived statement name can be
// multiplexed across many pooled server connections under one stable,
// globally-unique wire name.
//
// The teacher never multiplexed connections this way (every client
// owned its own backend socket in mevdschee-tqdbproxy, so it never
// needed to translate names), so this package is new. It reuses
// internal/cache.LRU -- already adopted for C2's parse cache -- for
// the bounded per-server statement cache, keeping the same
// hashicorp/golang-lru/v2 substitution and the same eviction-callback
// shape.
package rewriter

import (
	"encoding/hex"
	"sync"

	"github.com/mevdschee/pgdog/internal/cache"
	"github.com/mevdschee/pgdog/internal/sqlparse"
)

// ClientEntry is one client's view of a prepared statement: its
// fingerprint, the original SQL (needed if the rewriter must re-send a
// Parse after the client's own Parse is long gone from the wire), and
// the parameter format codes the client declared.
type ClientEntry struct {
	Fingerprint  string
	OriginalSQL  string
	ParamFormats []uint16
}

// ClientRegistry maps a client's own statement names to ClientEntry,
// per spec.md section 3's PreparedStatementRegistry. One instance per
// client session.
type ClientRegistry struct {
	mu      sync.Mutex
	entries map[string]ClientEntry
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{entries: make(map[string]ClientEntry)}
}

// Register records a client Parse(name, sql, paramTypes).
func (r *ClientRegistry) Register(name string, stmt *sqlparse.Statement, paramFormats []uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = ClientEntry{Fingerprint: stmt.Fingerprint, OriginalSQL: stmt.SQL, ParamFormats: paramFormats}
}

// Lookup returns the entry for a client statement name.
func (r *ClientRegistry) Lookup(name string) (ClientEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// Forget removes a client's own registration for name, used when the
// client sends Close(statement, name). Per spec.md section 4.3, this
// never touches the server-side cache -- that is reclaimed by LRU
// eviction independently.
func (r *ClientRegistry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// ServerName derives the globally-unique wire name a fingerprint is
// PARSE'd under on any server connection, per spec.md section 3:
// "__pgdog_<hex(fingerprint)>".
func ServerName(fingerprint string) string {
	return "__pgdog_" + hex.EncodeToString([]byte(fingerprint))
}

// ServerPreparedCache is the bounded LRU of fingerprints actually
// PARSE'd on one server connection (spec.md section 3). Eviction does
// not itself issue a server-side CLOSE; it marks the name pending
// close so the next use of that connection can synthesize one CLOSE
// per evicted name ahead of whatever statement it's about to run,
// which is cheaper than closing synchronously at eviction time.
type ServerPreparedCache struct {
	mu      sync.Mutex
	inner   *cache.LRU[string, struct{}]
	pending []string
}

// NewServerPreparedCache builds a cache bounded by limit
// (prepared_statements_limit, default 500).
func NewServerPreparedCache(limit int) (*ServerPreparedCache, error) {
	c := &ServerPreparedCache{}
	inner, err := cache.New[string, struct{}](limit, func(fp string, _ struct{}) {
		c.mu.Lock()
		c.pending = append(c.pending, fp)
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// Has reports whether fingerprint is already PARSE'd on this server.
func (c *ServerPreparedCache) Has(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inner.Get(fingerprint)
	return ok
}

// Add records that fingerprint has just been PARSE'd.
func (c *ServerPreparedCache) Add(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(fingerprint, struct{}{})
}

// TakePendingCloses drains and returns the fingerprints evicted since
// the last call, for the caller to synthesize CLOSE messages for
// before the next Parse on this connection.
func (c *ServerPreparedCache) TakePendingCloses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Len reports how many fingerprints are currently cached.
func (c *ServerPreparedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
