// Package admin implements the pseudo-database commands named in
// spec.md section 6: SHOW POOLS, SHOW QUERY_CACHE, SHOW STATS, RELOAD,
// PAUSE, RESUME. It satisfies internal/session's AdminHandler
// interface so the session loop can special-case these commands ahead
// of the normal parse/route/lease pipeline.
//
// Grounded on the teacher's PG_TQDB_STATUS introspection query in
// proxy/proxy.go, which recognized one magic query string and answered
// it with a synthesized result set instead of forwarding it to a
// backend; this package generalizes that single command to the full
// admin command set spec.md names.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mevdschee/pgdog/internal/pool"
	"github.com/mevdschee/pgdog/internal/sqlparse"
)

// Handler answers the admin command set. Reload is supplied by
// cmd/pgdog and re-reads configuration, republishing topology and
// reconciling the pool.
type Handler struct {
	Manager    *pool.Manager
	ParseCache *sqlparse.Cache
	Reload     func(ctx context.Context) error

	paused atomic.Bool
}

// Paused reports whether RESUME is pending; cmd/pgdog's accept loop
// checks this before calling session.Serve on a newly accepted
// connection.
func (h *Handler) Paused() bool { return h.paused.Load() }

// Handle recognizes the admin command set by SQL text, case-
// insensitively and independent of the connected database, matching
// the teacher's single-magic-string approach widened to several
// commands. Anything else returns handled=false so the session
// continues its normal pipeline.
func (h *Handler) Handle(ctx context.Context, sql string) (handled bool, cols []string, rows [][][]byte, tag string, err error) {
	cmd := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")))

	switch cmd {
	case "SHOW POOLS":
		cols, rows = h.showPools()
		return true, cols, rows, fmt.Sprintf("SELECT %d", len(rows)), nil
	case "SHOW QUERY_CACHE":
		cols, rows = h.showQueryCache()
		return true, cols, rows, "SELECT 1", nil
	case "SHOW STATS":
		cols, rows = h.showStats()
		return true, cols, rows, "SELECT 1", nil
	case "RELOAD":
		if h.Reload == nil {
			return true, nil, nil, "", fmt.Errorf("admin: reload not configured")
		}
		if err := h.Reload(ctx); err != nil {
			return true, nil, nil, "", err
		}
		return true, nil, nil, "RELOAD", nil
	case "PAUSE":
		h.paused.Store(true)
		return true, nil, nil, "PAUSE", nil
	case "RESUME":
		h.paused.Store(false)
		return true, nil, nil, "RESUME", nil
	default:
		return false, nil, nil, "", nil
	}
}

func (h *Handler) showPools() (cols []string, rows [][][]byte) {
	cols = []string{"target", "active", "idle", "total", "waiting", "banned"}
	for _, st := range h.Manager.AllStats() {
		rows = append(rows, [][]byte{
			[]byte(st.Target),
			[]byte(strconv.Itoa(st.Active)),
			[]byte(strconv.Itoa(st.Idle)),
			[]byte(strconv.Itoa(st.Total)),
			[]byte(strconv.Itoa(st.Waiting)),
			[]byte(strconv.FormatBool(st.Banned)),
		})
	}
	return cols, rows
}

func (h *Handler) showQueryCache() (cols []string, rows [][][]byte) {
	cols = []string{"entries", "hits", "misses", "hit_ratio"}
	hits, misses := h.ParseCache.Stats()
	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	rows = [][][]byte{{
		[]byte(strconv.Itoa(h.ParseCache.Len())),
		[]byte(strconv.FormatUint(hits, 10)),
		[]byte(strconv.FormatUint(misses, 10)),
		[]byte(strconv.FormatFloat(ratio, 'f', 4, 64)),
	}}
	return cols, rows
}

func (h *Handler) showStats() (cols []string, rows [][][]byte) {
	cols = []string{"pools", "paused"}
	rows = [][][]byte{{
		[]byte(strconv.Itoa(len(h.Manager.AllStats()))),
		[]byte(strconv.FormatBool(h.Paused())),
	}}
	return cols, rows
}
