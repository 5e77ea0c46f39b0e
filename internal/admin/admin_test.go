package admin

import (
	"context"
	"testing"

	"github.com/mevdschee/pgdog/internal/pool"
	"github.com/mevdschee/pgdog/internal/sqlparse"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mgr := pool.NewManager(func(string) pool.Credentials { return pool.Credentials{} }, pool.SubPoolConfig{MaxConns: 1})
	cache, err := sqlparse.NewCache(10)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return &Handler{Manager: mgr, ParseCache: cache}
}

func TestHandleUnknownCommand(t *testing.T) {
	h := newTestHandler(t)
	handled, _, _, _, err := h.Handle(context.Background(), "SELECT 1")
	if handled {
		t.Fatalf("Handle(SELECT 1) handled = true, want false")
	}
	if err != nil {
		t.Fatalf("Handle(SELECT 1) error = %v, want nil", err)
	}
}

func TestHandleShowPools(t *testing.T) {
	h := newTestHandler(t)
	handled, cols, rows, tag, err := h.Handle(context.Background(), "show pools")
	if !handled {
		t.Fatalf("Handle(show pools) handled = false, want true")
	}
	if err != nil {
		t.Fatalf("Handle(show pools) error = %v", err)
	}
	if len(cols) == 0 {
		t.Errorf("Handle(show pools) cols is empty")
	}
	if len(rows) != 0 {
		t.Errorf("Handle(show pools) rows = %d, want 0 (no sub-pools created yet)", len(rows))
	}
	if tag != "SELECT 0" {
		t.Errorf("Handle(show pools) tag = %q, want SELECT 0", tag)
	}
}

func TestHandleShowQueryCache(t *testing.T) {
	h := newTestHandler(t)
	if _, err := h.ParseCache.Parse("SELECT 1"); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	handled, cols, rows, _, err := h.Handle(context.Background(), "SHOW QUERY_CACHE;")
	if !handled || err != nil {
		t.Fatalf("Handle(SHOW QUERY_CACHE) handled=%v err=%v", handled, err)
	}
	if len(cols) != 4 || len(rows) != 1 {
		t.Fatalf("Handle(SHOW QUERY_CACHE) cols=%d rows=%d, want 4/1", len(cols), len(rows))
	}
}

func TestHandlePauseResume(t *testing.T) {
	h := newTestHandler(t)

	handled, _, _, tag, err := h.Handle(context.Background(), "PAUSE")
	if !handled || err != nil || tag != "PAUSE" {
		t.Fatalf("Handle(PAUSE) = handled=%v tag=%q err=%v", handled, tag, err)
	}
	if !h.Paused() {
		t.Errorf("Paused() = false after PAUSE, want true")
	}

	handled, _, _, tag, err = h.Handle(context.Background(), "RESUME")
	if !handled || err != nil || tag != "RESUME" {
		t.Fatalf("Handle(RESUME) = handled=%v tag=%q err=%v", handled, tag, err)
	}
	if h.Paused() {
		t.Errorf("Paused() = true after RESUME, want false")
	}
}

func TestHandleReloadNotConfigured(t *testing.T) {
	h := newTestHandler(t)
	handled, _, _, _, err := h.Handle(context.Background(), "RELOAD")
	if !handled {
		t.Fatalf("Handle(RELOAD) handled = false, want true")
	}
	if err == nil {
		t.Fatalf("Handle(RELOAD) error = nil, want error when Reload is unset")
	}
}

func TestHandleReloadCalled(t *testing.T) {
	h := newTestHandler(t)
	called := false
	h.Reload = func(ctx context.Context) error {
		called = true
		return nil
	}
	handled, _, _, tag, err := h.Handle(context.Background(), "reload")
	if !handled || err != nil || tag != "RELOAD" {
		t.Fatalf("Handle(reload) = handled=%v tag=%q err=%v", handled, tag, err)
	}
	if !called {
		t.Errorf("Reload callback was not invoked")
	}
}
