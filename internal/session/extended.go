package session

import (
	"context"
	"strconv"

	"github.com/mevdschee/pgdog/internal/aggregator"
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/pool"
	"github.com/mevdschee/pgdog/internal/router"
	"github.com/mevdschee/pgdog/internal/sqlparse"
	"github.com/mevdschee/pgdog/internal/wire"
)

// boundPortal is the Bind-time routing decision and the lease it holds
// until the matching Execute (or the enclosing transaction ends),
// grounded on spec.md section 4.3's requirement that a client's
// statement name be rewritten to a single global server name the
// first time any leased connection sees its fingerprint.
type boundPortal struct {
	stmt      *sqlparse.Statement
	plan      router.Plan
	lease     *pool.Lease
	ownsLease bool
}

// handleParse implements the 'P' message: cache the statement, record
// the client's own name for it, and acknowledge. No routing decision
// happens yet -- that needs bound parameter values, which only Bind
// carries.
func (s *Session) handleParse(ctx context.Context, payload []byte) {
	pm, err := wire.ParseParse(payload)
	if err != nil {
		s.sendError(perr.Protocol("malformed Parse message: %v", err))
		return
	}
	stmt, err := s.deps.ParseCache.Parse(pm.Query)
	if err != nil {
		s.sendError(perr.Parse(err))
		return
	}
	s.clients.Register(pm.StatementName, stmt, nil)
	s.statementParamOIDs[pm.StatementName] = pm.ParamOIDs

	tag, body := wire.BuildParseComplete()
	_ = s.conn.WriteMessage(tag, body)
}

// handleBind implements the 'B' message: resolve the routing plan now
// that parameter values are known, lease the required shard(s), and
// forward a rewritten Parse (first use per connection)+Bind to each,
// per C3's global-name contract.
func (s *Session) handleBind(ctx context.Context, payload []byte) {
	bm, err := wire.ParseBind(payload)
	if err != nil {
		s.sendError(perr.Protocol("malformed Bind message: %v", err))
		return
	}
	rewritten, entry, err := s.rewriter.RewriteBind(bm)
	if err != nil {
		s.sendError(err)
		return
	}
	stmt, err := s.deps.ParseCache.Parse(entry.OriginalSQL)
	if err != nil {
		s.sendError(perr.Parse(err))
		return
	}

	boundParams := make(map[string]string, len(bm.Params))
	for i, v := range bm.Params {
		if v != nil {
			boundParams[paramPlaceholder(i)] = string(v)
		}
	}

	plan, lease, err := s.routeAndLease(ctx, stmt, boundParams)
	if err != nil {
		s.sendError(err)
		return
	}
	ownsLease := s.lease == nil || lease != s.lease

	paramOIDs := s.statementParamOIDs[bm.StatementName]
	for _, sc := range lease.Conns {
		serverCache, err := preparedCacheFor(sc)
		if err != nil {
			s.sendError(perr.Internal("%v", err))
			if ownsLease {
				s.deps.Manager.Return(lease, false)
			}
			return
		}
		_, toSend, err := s.rewriter.PrepareForServer(serverCache, entry.OriginalSQL, entry.Fingerprint, paramOIDs)
		if err != nil {
			s.sendError(perr.Internal("%v", err))
			if ownsLease {
				s.deps.Manager.Return(lease, false)
			}
			return
		}
		for _, msg := range toSend {
			if err := sc.Conn.WriteMessage(msg.Type, msg.Payload); err != nil {
				s.sendError(perr.Server("08006", err.Error()))
				if ownsLease {
					s.deps.Manager.Return(lease, false)
				}
				return
			}
		}
		btag, bpayload := wire.BuildBind(rewritten)
		if err := sc.Conn.WriteMessage(btag, bpayload); err != nil {
			s.sendError(perr.Server("08006", err.Error()))
			if ownsLease {
				s.deps.Manager.Return(lease, false)
			}
			return
		}
		msg, err := sc.Conn.ReadMessage(ctx)
		if err != nil {
			s.sendError(perr.Server("08006", err.Error()))
			if ownsLease {
				s.deps.Manager.Return(lease, false)
			}
			return
		}
		if msg.Type == wire.MsgErrorResponse {
			fields, _ := wire.ParseErrorFields(msg.Payload)
			s.sendError(perr.Server(fields[wire.FieldCode], fields[wire.FieldMessage]))
			if ownsLease {
				s.deps.Manager.Return(lease, false)
			}
			return
		}
	}

	s.portals[bm.PortalName] = boundPortal{stmt: stmt, plan: plan, lease: lease, ownsLease: ownsLease}
	tag, body := wire.BuildBindComplete()
	_ = s.conn.WriteMessage(tag, body)
}

func paramPlaceholder(i int) string {
	// matches sqlparse's "$1"-style ParamRef text so router.resolveParam
	// can look it up against boundParams.
	return "$" + strconv.Itoa(i+1)
}

// handleDescribe implements the 'D' message. pgdog does not keep
// catalog metadata to synthesize a real RowDescription ahead of
// execution, so a statement Describe reports only the parameter types
// the client itself declared at Parse time and defers row-shape
// discovery to the RowDescription a shard sends back at Execute.
func (s *Session) handleDescribe(ctx context.Context, payload []byte) {
	dm, err := wire.ParseDescribe(payload)
	if err != nil {
		s.sendError(perr.Protocol("malformed Describe message: %v", err))
		return
	}
	if dm.IsStatement {
		oids := s.statementParamOIDs[dm.Name]
		tag, body := wire.BuildParameterDescription(oids)
		_ = s.conn.WriteMessage(tag, body)
	}
	tag, body := wire.BuildNoData()
	_ = s.conn.WriteMessage(tag, body)
}

// handleExecute implements the 'E' message: send Execute+Sync to every
// shard the portal's Bind leased, relay a single-shard result straight
// through, or recombine a multi-shard one the same way the simple
// protocol's C7 path does.
func (s *Session) handleExecute(ctx context.Context, payload []byte) {
	em, err := wire.ParseExecute(payload)
	if err != nil {
		s.sendError(perr.Protocol("malformed Execute message: %v", err))
		return
	}
	p, ok := s.portals[em.PortalName]
	if !ok {
		s.sendError(perr.Protocol("execute references unknown portal %q", em.PortalName))
		return
	}

	if len(p.plan.Shards) == 1 {
		sc := p.lease.Conns[p.plan.Shards[0]]
		if err := s.relayExtended(ctx, sc, em); err != nil {
			s.sendError(err)
		}
		s.finishPortal(em.PortalName, p)
		return
	}

	if p.stmt.Class != sqlparse.ClassRead {
		exec := func(ctx context.Context, shard int) (string, error) {
			return collectExecuteTag(ctx, p.lease.Conns[shard], em)
		}
		tag, err := aggregator.ExecuteSimple(ctx, p.plan.Shards, exec, func(shard int) {
			_ = forwardAndDrain(ctx, p.lease.Conns[shard], "ROLLBACK")
		})
		if err != nil {
			s.sendError(err)
			s.finishPortal(em.PortalName, p)
			return
		}
		s.writeTag(tag)
		s.finishPortal(em.PortalName, p)
		return
	}

	cols, rows, tag, err := s.mergeExecute(ctx, p, em)
	if err != nil {
		s.sendError(err)
		s.finishPortal(em.PortalName, p)
		return
	}
	s.writeResultSet(cols, toRawRows(rows), tag)
	s.finishPortal(em.PortalName, p)
}

func toRawRows(rows []aggregator.Row) [][][]byte {
	out := make([][][]byte, len(rows))
	for i, r := range rows {
		out[i] = [][]byte(r)
	}
	return out
}

func (s *Session) mergeExecute(ctx context.Context, p boundPortal, em wire.ExecuteMessage) (cols []string, rows []aggregator.Row, tag string, err error) {
	results := make(map[int][]aggregator.Row, len(p.plan.Shards))
	for _, shard := range p.plan.Shards {
		c, r, t, err := collectExecuteRows(ctx, p.lease.Conns[shard], em)
		if err != nil {
			return nil, nil, "", err
		}
		if len(c) > 0 {
			cols = c
		}
		results[shard] = r
		tag = t
	}
	colIdx := make(aggregator.ColumnIndex, len(cols))
	for i, c := range cols {
		colIdx[c] = i
	}
	if len(p.stmt.OrderBy) > 0 {
		sources := make([]aggregator.RowSource, len(p.plan.Shards))
		for i, shard := range p.plan.Shards {
			sources[i] = &sliceSource{rows: results[shard]}
		}
		rows, err = aggregator.MergeOrderBy(sources, p.stmt.OrderBy, colIdx, 0, 0, false, false)
		return cols, rows, tag, err
	}
	for _, shard := range p.plan.Shards {
		rows = append(rows, results[shard]...)
	}
	return cols, rows, tag, nil
}

func (s *Session) finishPortal(name string, p boundPortal) {
	delete(s.portals, name)
	if p.ownsLease {
		s.deps.Manager.Return(p.lease, true)
	}
}

// handleClose implements the 'C' message: only the client's own
// statement/portal registration is dropped, never forwarded, per
// spec.md section 4.3 -- server-side entries are reclaimed by LRU
// eviction independently of what any one client closes.
func (s *Session) handleClose(payload []byte) {
	cm, err := wire.ParseClose(payload)
	if err != nil {
		s.sendError(perr.Protocol("malformed Close message: %v", err))
		return
	}
	if cm.IsStatement {
		s.rewriter.CloseClientStatement(cm.Name)
		delete(s.statementParamOIDs, cm.Name)
	} else {
		if p, ok := s.portals[cm.Name]; ok {
			s.finishPortal(cm.Name, p)
		}
	}
	tag, body := wire.BuildCloseComplete()
	_ = s.conn.WriteMessage(tag, body)
}

// relayExtended sends Execute+Sync to sc and streams the response
// straight to the client, swallowing the backend's own
// ReadyForQuery -- the session sends its own once the client itself
// sends Sync.
func (s *Session) relayExtended(ctx context.Context, sc *pool.ServerConnection, em wire.ExecuteMessage) error {
	etag, epayload := wire.BuildExecute(em)
	if err := sc.Conn.WriteMessage(etag, epayload); err != nil {
		return perr.Server("08006", err.Error())
	}
	stag, spayload := wire.BuildSync()
	if err := sc.Conn.WriteMessage(stag, spayload); err != nil {
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

func collectExecuteTag(ctx context.Context, sc *pool.ServerConnection, em wire.ExecuteMessage) (string, error) {
	etag, epayload := wire.BuildExecute(em)
	if err := sc.Conn.WriteMessage(etag, epayload); err != nil {
		return "", err
	}
	stag, spayload := wire.BuildSync()
	if err := sc.Conn.WriteMessage(stag, spayload); err != nil {
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

func collectExecuteRows(ctx context.Context, sc *pool.ServerConnection, em wire.ExecuteMessage) (cols []string, rows []aggregator.Row, tag string, err error) {
	etag, epayload := wire.BuildExecute(em)
	if err := sc.Conn.WriteMessage(etag, epayload); err != nil {
		return nil, nil, "", err
	}
	stag, spayload := wire.BuildSync()
	if err := sc.Conn.WriteMessage(stag, spayload); err != nil {
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
