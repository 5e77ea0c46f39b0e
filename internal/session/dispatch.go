package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mevdschee/pgdog/internal/aggregator"
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/pool"
	"github.com/mevdschee/pgdog/internal/rewriter"
	"github.com/mevdschee/pgdog/internal/router"
	"github.com/mevdschee/pgdog/internal/sqlparse"
	"github.com/mevdschee/pgdog/internal/wire"
)

// handleSimpleQuery implements the 'Q' message path: admin
// introspection, transaction-control bookkeeping, and otherwise the
// full C2->C3->C4->C5->C7 pipeline for one statement, grounded on the
// teacher's handleQuery but fanned out across leased shard connections
// instead of forwarded to one fixed backend.
func (s *Session) handleSimpleQuery(ctx context.Context, payload []byte) {
	sql, err := wire.ParseQuery(payload)
	if err != nil {
		s.sendError(perr.Protocol("malformed Query message: %v", err))
		_ = s.sendReady()
		return
	}
	sql = strings.TrimRight(sql, "\x00")

	if handled, cols, rows, tag, err := s.deps.Admin.Handle(ctx, sql); handled {
		if err != nil {
			s.sendError(err)
		} else {
			s.writeResultSet(cols, rows, tag)
		}
		_ = s.sendReady()
		return
	}

	if sqlparse.IsTransactionControl(sql) {
		s.handleTransactionControl(ctx, sql)
		return
	}

	if isListenFamily(sql) {
		s.handleListenFamily(ctx, sql)
		return
	}

	if promotesSessionMode(sql) {
		s.mode = pool.ModeSession
	}

	stmt, err := s.deps.ParseCache.Parse(sql)
	if err != nil {
		s.sendError(perr.Parse(err))
		_ = s.sendReady()
		return
	}

	plan, lease, err := s.routeAndLease(ctx, stmt, nil)
	if err != nil {
		s.sendError(err)
		_ = s.sendReady()
		return
	}
	if s.lease == nil {
		// Hold the lease on the session so maybeReturnStickySession
		// returns it (or keeps it in session mode).
		s.lease = lease
	}

	if err := s.executePlan(ctx, stmt, plan, lease, sql); err != nil {
		s.sendError(err)
	}
	if stmt.IsWrite() {
		s.writeSticky = true
	}
	s.maybeReturnStickySession()
	_ = s.sendReady()
}

// handleTransactionControl implements BEGIN/COMMIT/ROLLBACK/SAVEPOINT
// bookkeeping. BEGIN only starts local tracking -- no shard is chosen
// until the first real statement routes one, per spec.md section 4.7's
// "transactions across shards" model. COMMIT/ROLLBACK fan out to every
// shard the transaction ended up touching.
func (s *Session) handleTransactionControl(ctx context.Context, sql string) {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(upper, "BEGIN") || strings.HasPrefix(upper, "START TRANSACTION"):
		s.inTx = true
		s.tx = aggregator.NewTransaction()
		s.writeTag("BEGIN")
	case strings.HasPrefix(upper, "COMMIT") || strings.HasPrefix(upper, "END"):
		s.endTransaction(ctx, true)
		s.writeTag("COMMIT")
	case strings.HasPrefix(upper, "ROLLBACK"):
		s.endTransaction(ctx, false)
		s.writeTag("ROLLBACK")
	default:
		// SAVEPOINT/RELEASE: forwarded only if a transaction is already
		// pinned to shards; otherwise a no-op acknowledgment, since no
		// shard connection exists yet to hold a savepoint on.
		if s.lease != nil {
			s.forwardToAllLeased(ctx, sql)
		}
		s.writeTag("SAVEPOINT")
	}
	_ = s.sendReady()
}

func (s *Session) endTransaction(ctx context.Context, commit bool) {
	defer func() {
		s.inTx = false
		s.tx = nil
		s.writeSticky = false
		s.releaseLease(true)
	}()
	if s.lease == nil {
		return
	}
	shards := make([]int, 0, len(s.lease.Conns))
	for shard := range s.lease.Conns {
		shards = append(shards, shard)
	}
	action := func(_ context.Context, shard int) error {
		sc := s.lease.Conns[shard]
		sql := "ROLLBACK"
		if commit {
			sql = "COMMIT"
		}
		return forwardAndDrain(ctx, sc, sql)
	}
	var err error
	if commit {
		err = aggregator.Commit(ctx, shards, action)
	} else {
		err = aggregator.Rollback(ctx, shards, action)
	}
	if err != nil {
		s.sendError(err)
	}
}

// isListenFamily reports whether sql is LISTEN/NOTIFY/UNLISTEN, which
// only make sense pinned to one fixed server connection: the Open
// Question decision in SPEC_FULL.md rejects them outside session
// pooling mode rather than silently routing them to a connection the
// client can't keep hearing from.
func isListenFamily(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, kw := range []string{"LISTEN", "NOTIFY", "UNLISTEN"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

func (s *Session) handleListenFamily(ctx context.Context, sql string) {
	if s.mode != pool.ModeSession {
		s.sendError(perr.Route("%s requires session pooling mode", strings.Fields(sql)[0]))
		_ = s.sendReady()
		return
	}
	if s.lease == nil {
		s.sendError(perr.Route("%s has no bound server connection yet", strings.Fields(sql)[0]))
		_ = s.sendReady()
		return
	}
	for _, sc := range s.lease.Conns {
		if err := s.relaySimple(ctx, sc, sql); err != nil {
			s.sendError(err)
			_ = s.sendReady()
			return
		}
		break
	}
	_ = s.sendReady()
}

// promotesSessionMode reports whether sql is a session-lasting SET
// (everything except SET LOCAL, whose effect is transaction-scoped and
// already undone by the pool's rollback-before-return).
func promotesSessionMode(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	if !strings.HasPrefix(upper, "SET") {
		return false
	}
	return !strings.HasPrefix(upper, "SET LOCAL")
}

func (s *Session) forwardToAllLeased(ctx context.Context, sql string) {
	if s.lease == nil {
		return
	}
	for _, sc := range s.lease.Conns {
		_ = forwardAndDrain(ctx, sc, sql)
	}
}

// routeAndLease runs C4 (router.Route) then C5 (pool.Manager.Lease)
// for stmt, reusing the session's existing lease and extending it to
// any newly-required shard rather than leasing from scratch. Once a
// transaction has pinned shards the router rejects any plan outside
// them, so extension only applies to a lease held over from earlier
// statements (session mode), up to the transaction's first statement.
func (s *Session) routeAndLease(ctx context.Context, stmt *sqlparse.Statement, boundParams map[string]string) (router.Plan, *pool.Lease, error) {
	cluster := s.deps.Topology.Snapshot(s.clusterName)
	if cluster == nil {
		return router.Plan{}, nil, perr.Route("unknown cluster %q", s.clusterName)
	}

	var pinned []int
	if s.tx != nil {
		pinned = s.tx.Pinned()
	}

	plan, err := router.Route(ctx, router.Input{
		Statement:     stmt,
		Cluster:       cluster,
		InTransaction: s.inTx,
		WriteSticky:   s.writeSticky,
		PinnedShards:  pinned,
		BoundParams:   boundParams,
	}, s.deps.Plugins)
	if err != nil {
		return router.Plan{}, nil, err
	}

	mode := s.mode
	if s.inTx {
		mode = pool.ModeTransaction
	}

	if s.lease != nil {
		// Extend the existing lease to cover any shard plan needs that
		// it doesn't hold yet (inside a transaction with pinned shards,
		// pinTransaction already guarantees plan.Shards is a subset of
		// them, so nothing is missing).
		missing := missingShards(plan.Shards, s.lease.Conns)
		if len(missing) > 0 {
			extension, err := s.deps.Manager.Lease(ctx, s.clusterName, cluster, router.Plan{Role: plan.Role, Shards: missing}, mode)
			if err != nil {
				return router.Plan{}, nil, err
			}
			s.deps.Manager.Extend(s.lease, extension)
		}
		if s.tx != nil {
			for _, sh := range plan.Shards {
				s.tx.Pin(sh)
			}
		}
		return plan, s.lease, nil
	}

	lease, err := s.deps.Manager.Lease(ctx, s.clusterName, cluster, plan, mode)
	if err != nil {
		return router.Plan{}, nil, err
	}
	if s.tx != nil {
		for _, sh := range plan.Shards {
			s.tx.Pin(sh)
		}
		s.lease = lease
	}
	return plan, lease, nil
}

func missingShards(want []int, have map[int]*pool.ServerConnection) []int {
	var out []int
	for _, w := range want {
		if _, ok := have[w]; !ok {
			out = append(out, w)
		}
	}
	return out
}

// executePlan forwards sql to plan's shard(s) and relays or merges the
// result to the client, depending on whether the statement is a
// single-shard forward, a multi-shard write fan-out (C7 simple path),
// or a multi-shard SELECT requiring a merge (C7 select path).
func (s *Session) executePlan(ctx context.Context, stmt *sqlparse.Statement, plan router.Plan, lease *pool.Lease, sql string) error {
	if len(plan.Shards) == 1 {
		sc := lease.Conns[plan.Shards[0]]
		return s.relaySimple(ctx, sc, sql)
	}

	if stmt.Class != sqlparse.ClassRead {
		exec := func(ctx context.Context, shard int) (string, error) {
			return forwardAndCollectTag(ctx, lease.Conns[shard], sql)
		}
		tag, err := aggregator.ExecuteSimple(ctx, plan.Shards, exec, func(shard int) {
			_ = forwardAndDrain(ctx, lease.Conns[shard], "ROLLBACK")
		})
		if err != nil {
			return err
		}
		s.writeTag(tag)
		return nil
	}

	return s.mergeSelect(ctx, lease, plan.Shards, stmt, sql)
}

// mergeSelect fans a SELECT out to every shard in shards, recombining
// with a k-way ORDER BY merge and/or aggregate recombination (C7).
func (s *Session) mergeSelect(ctx context.Context, lease *pool.Lease, shards []int, stmt *sqlparse.Statement, sql string) error {
	rewritten, partials, err := aggregator.RewriteForShards(stmt)
	if err != nil {
		return perr.Internal("%v", err)
	}
	if rewritten == "" {
		rewritten = sql
	}

	type shardResult struct {
		cols []string
		rows []aggregator.Row
		tag  string
	}
	results := make(map[int]shardResult, len(shards))
	for _, shard := range shards {
		cols, rows, tag, err := collectSelect(ctx, lease.Conns[shard], rewritten)
		if err != nil {
			return err
		}
		results[shard] = shardResult{cols: cols, rows: rows, tag: tag}
	}

	var cols []string
	for _, shard := range shards {
		if len(results[shard].cols) > 0 {
			cols = results[shard].cols
			break
		}
	}
	colIdx := make(aggregator.ColumnIndex, len(cols))
	for i, c := range cols {
		colIdx[c] = i
	}

	var merged []aggregator.Row
	if len(partials) > 0 {
		acc := aggregator.NewAccumulator(colIdx)
		for _, shard := range shards {
			for _, row := range results[shard].rows {
				if err := acc.Add(groupKeyOf(row, colIdx, stmt.GroupBy), row, partials); err != nil {
					return perr.Internal("%v", err)
				}
			}
		}
		for _, values := range acc.Results(partials) {
			row := make(aggregator.Row, len(cols))
			for i, c := range cols {
				if v, ok := values[c]; ok {
					row[i] = []byte(fmt.Sprintf("%v", v))
				}
			}
			merged = append(merged, row)
		}
	} else if len(stmt.OrderBy) > 0 {
		sources := make([]aggregator.RowSource, len(shards))
		for i, shard := range shards {
			sources[i] = &sliceSource{rows: results[shard].rows}
		}
		merged, err = aggregator.MergeOrderBy(sources, stmt.OrderBy, colIdx, 0, 0, false, false)
		if err != nil {
			return perr.Internal("%v", err)
		}
	} else {
		for _, shard := range shards {
			merged = append(merged, results[shard].rows...)
		}
	}

	fields := make([]wire.Field, len(cols))
	for i, c := range cols {
		fields[i] = wire.Field{Name: c, TypeOID: 25, TypeSize: -1}
	}
	if len(cols) > 0 {
		tag, payload := wire.BuildRowDescription(fields)
		if err := s.conn.WriteMessage(tag, payload); err != nil {
			return err
		}
		for _, row := range merged {
			tag, payload := wire.BuildDataRow(row)
			if err := s.conn.WriteMessage(tag, payload); err != nil {
				return err
			}
		}
	}
	s.writeTag(fmt.Sprintf("SELECT %d", len(merged)))
	return nil
}

func groupKeyOf(row aggregator.Row, cols aggregator.ColumnIndex, groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	var parts []string
	for _, g := range groupBy {
		if idx, ok := cols[g]; ok && idx < len(row) {
			parts = append(parts, string(row[idx]))
		}
	}
	return strings.Join(parts, "\x1f")
}

type sliceSource struct {
	rows []aggregator.Row
	pos  int
}

func (s *sliceSource) Next() (aggregator.Row, error) {
	if s.pos >= len(s.rows) {
		return nil, errEOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

// errEOF is io.EOF, the end-of-rows signal aggregator.RowSource requires.
var errEOF = io.EOF

func (s *Session) writeTag(tag string) {
	wtag, payload := wire.BuildCommandComplete(tag)
	_ = s.conn.WriteMessage(wtag, payload)
}

func (s *Session) writeResultSet(cols []string, rows [][][]byte, tag string) {
	if len(cols) > 0 {
		fields := make([]wire.Field, len(cols))
		for i, c := range cols {
			fields[i] = wire.Field{Name: c, TypeOID: 25, TypeSize: -1}
		}
		t, p := wire.BuildRowDescription(fields)
		_ = s.conn.WriteMessage(t, p)
		for _, row := range rows {
			t, p := wire.BuildDataRow(row)
			_ = s.conn.WriteMessage(t, p)
		}
	}
	s.writeTag(tag)
}

// maybeReturnStickySession releases the lease once a statement
// completes outside a transaction, unless the session has been
// promoted to session-pooling mode (spec.md's SET/LISTEN decisions).
func (s *Session) maybeReturnStickySession() {
	if s.inTx || s.mode == pool.ModeSession {
		return
	}
	s.releaseLease(true)
}

func (s *Session) releaseLease(healthy bool) {
	if s.lease == nil {
		return
	}
	s.deps.Manager.Return(s.lease, healthy)
	s.lease = nil
}

// relaySimple forwards one simple-protocol statement to sc and streams
// every backend response straight to the client, stopping at (and
// swallowing) the backend's own ReadyForQuery -- the session sends its
// own once the whole statement's shard fan-out finishes.
func (s *Session) relaySimple(ctx context.Context, sc *pool.ServerConnection, sql string) error {
	if err := sc.Conn.WriteMessage(wire.MsgQuery, nulTerminated(sql)); err != nil {
		return perr.Server("08006", err.Error())
	}
	for {
		msg, err := sc.Conn.ReadMessage(ctx)
		if err != nil {
			return perr.Server("08006", err.Error())
		}
		switch msg.Type {
		case wire.MsgReadyForQuery:
			if len(msg.Payload) > 0 {
				sc.SetTxState(pool.TxState(msg.Payload[0]))
			}
			return nil
		case wire.MsgErrorResponse:
			fields, _ := wire.ParseErrorFields(msg.Payload)
			return perr.Server(fields[wire.FieldCode], fields[wire.FieldMessage])
		default:
			if err := s.conn.WriteMessage(msg.Type, msg.Payload); err != nil {
				return err
			}
		}
	}
}

func nulTerminated(s string) []byte {
	return append([]byte(s), 0)
}

// forwardAndDrain sends sql to sc and reads until ReadyForQuery,
// discarding the response body -- used for COMMIT/ROLLBACK/SAVEPOINT
// where the client only needs the session's own synthesized tag.
func forwardAndDrain(ctx context.Context, sc *pool.ServerConnection, sql string) error {
	if err := sc.Conn.WriteMessage(wire.MsgQuery, nulTerminated(sql)); err != nil {
		return err
	}
	for {
		msg, err := sc.Conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.MsgReadyForQuery:
			if len(msg.Payload) > 0 {
				sc.SetTxState(pool.TxState(msg.Payload[0]))
			}
			return nil
		case wire.MsgErrorResponse:
			fields, _ := wire.ParseErrorFields(msg.Payload)
			return perr.Server(fields[wire.FieldCode], fields[wire.FieldMessage])
		}
	}
}

// forwardAndCollectTag sends sql to sc and returns its CommandComplete
// tag, used by the multi-shard write fan-out.
func forwardAndCollectTag(ctx context.Context, sc *pool.ServerConnection, sql string) (string, error) {
	if err := sc.Conn.WriteMessage(wire.MsgQuery, nulTerminated(sql)); err != nil {
		return "", err
	}
	var tag string
	for {
		msg, err := sc.Conn.ReadMessage(ctx)
		if err != nil {
			return "", err
		}
		switch msg.Type {
		case wire.MsgCommandComplete:
			tag, _ = wire.ParseCommandComplete(msg.Payload)
		case wire.MsgReadyForQuery:
			if len(msg.Payload) > 0 {
				sc.SetTxState(pool.TxState(msg.Payload[0]))
			}
			return tag, nil
		case wire.MsgErrorResponse:
			fields, _ := wire.ParseErrorFields(msg.Payload)
			return "", perr.Server(fields[wire.FieldCode], fields[wire.FieldMessage])
		}
	}
}

// collectSelect sends sql to sc and collects its full result set,
// since the merge stage needs every shard's rows available before it
// can interleave them by ORDER BY key.
func collectSelect(ctx context.Context, sc *pool.ServerConnection, sql string) (cols []string, rows []aggregator.Row, tag string, err error) {
	if err := sc.Conn.WriteMessage(wire.MsgQuery, nulTerminated(sql)); err != nil {
		return nil, nil, "", err
	}
	for {
		msg, err := sc.Conn.ReadMessage(ctx)
		if err != nil {
			return nil, nil, "", err
		}
		switch msg.Type {
		case wire.MsgRowDescription:
			cols, _ = wire.ParseRowDescriptionFields(msg.Payload)
		case wire.MsgDataRow:
			row, e := wire.ParseDataRow(msg.Payload)
			if e != nil {
				return nil, nil, "", e
			}
			rows = append(rows, aggregator.Row(row))
		case wire.MsgCommandComplete:
			tag, _ = wire.ParseCommandComplete(msg.Payload)
		case wire.MsgReadyForQuery:
			if len(msg.Payload) > 0 {
				sc.SetTxState(pool.TxState(msg.Payload[0]))
			}
			return cols, rows, tag, nil
		case wire.MsgErrorResponse:
			fields, _ := wire.ParseErrorFields(msg.Payload)
			return nil, nil, "", perr.Server(fields[wire.FieldCode], fields[wire.FieldMessage])
		}
	}
}

// preparedCacheFor lazily creates the per-connection server-side
// prepared-statement cache the first time a connection needs one.
func preparedCacheFor(sc *pool.ServerConnection) (*rewriter.ServerPreparedCache, error) {
	if sc.PreparedCache == nil {
		pc, err := rewriter.NewServerPreparedCache(500)
		if err != nil {
			return nil, err
		}
		sc.PreparedCache = pc
	}
	return sc.PreparedCache.(*rewriter.ServerPreparedCache), nil
}
