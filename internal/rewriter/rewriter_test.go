package rewriter

import (
	"testing"

	"github.com/mevdschee/pgdog/internal/sqlparse"
)

func TestServerName_IsDeterministicAndPrefixed(t *testing.T) {
	a := ServerName("abc123")
	b := ServerName("abc123")
	if a != b {
		t.Errorf("ServerName() not stable: %q vs %q", a, b)
	}
	if a[:8] != "__pgdog_" {
		t.Errorf("ServerName() = %q, want __pgdog_ prefix", a)
	}
}

func TestClientRegistry_RegisterLookupForget(t *testing.T) {
	r := NewClientRegistry()
	stmt, err := sqlparse.Parse("SELECT 1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r.Register("stmt1", stmt, []uint16{0})

	entry, ok := r.Lookup("stmt1")
	if !ok || entry.Fingerprint != stmt.Fingerprint {
		t.Fatalf("Lookup() = %+v, %v, want fingerprint %q", entry, ok, stmt.Fingerprint)
	}

	r.Forget("stmt1")
	if _, ok := r.Lookup("stmt1"); ok {
		t.Errorf("Lookup() after Forget() ok = true, want false")
	}
}

func TestServerPreparedCache_EvictsAndReportsPending(t *testing.T) {
	c, err := NewServerPreparedCache(1)
	if err != nil {
		t.Fatalf("NewServerPreparedCache() error = %v", err)
	}
	c.Add("fp-a")
	if !c.Has("fp-a") {
		t.Fatalf("Has(fp-a) = false, want true")
	}
	c.Add("fp-b")
	if c.Has("fp-a") {
		t.Errorf("Has(fp-a) = true after eviction, want false")
	}
	pending := c.TakePendingCloses()
	if len(pending) != 1 || pending[0] != "fp-a" {
		t.Errorf("TakePendingCloses() = %v, want [fp-a]", pending)
	}
	if more := c.TakePendingCloses(); len(more) != 0 {
		t.Errorf("TakePendingCloses() drained twice returned %v, want empty", more)
	}
}

func TestRewriter_PrepareForServer_ParsesOnce(t *testing.T) {
	clients := NewClientRegistry()
	parseCache, err := sqlparse.NewCache(10)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	rw := New(clients, parseCache)
	serverCache, err := NewServerPreparedCache(10)
	if err != nil {
		t.Fatalf("NewServerPreparedCache() error = %v", err)
	}

	name, msgs, err := rw.PrepareForServer(serverCache, "SELECT 1", "fp-1", nil)
	if err != nil {
		t.Fatalf("PrepareForServer() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("PrepareForServer() first call sent %d messages, want 1 Parse", len(msgs))
	}
	if name != ServerName("fp-1") {
		t.Errorf("name = %q, want %q", name, ServerName("fp-1"))
	}

	_, msgs, err = rw.PrepareForServer(serverCache, "SELECT 1", "fp-1", nil)
	if err != nil {
		t.Fatalf("PrepareForServer() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("PrepareForServer() second call sent %d messages, want 0 (already cached)", len(msgs))
	}
}
