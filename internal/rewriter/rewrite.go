package rewriter

import (
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/sqlparse"
	"github.com/mevdschee/pgdog/internal/wire"
)

// Rewriter drives one statement's translation from a client's
// per-connection statement names to the server-side globally-unique
// names, synthesizing a server Parse (and any pending CLOSEs from
// cache eviction) the first time a fingerprint is used against a given
// server connection.
type Rewriter struct {
	clients *ClientRegistry
	cache   *sqlparse.Cache
}

// New builds a Rewriter over the given client registry and parse
// cache. One Rewriter is shared by every statement in a session.
func New(clients *ClientRegistry, parseCache *sqlparse.Cache) *Rewriter {
	return &Rewriter{clients: clients, cache: parseCache}
}

// PrepareForServer ensures fingerprint is PARSE'd on conn's
// ServerPreparedCache, returning the server-side statement name to use
// and the messages that must be written to conn first: any pending
// CLOSE for evicted fingerprints, then a Parse if this connection
// hasn't seen the fingerprint before.
func (rw *Rewriter) PrepareForServer(serverCache *ServerPreparedCache, sql, fingerprint string, paramOIDs []uint32) (serverName string, toSend []wire.Message, err error) {
	serverName = ServerName(fingerprint)

	for _, evictedFP := range serverCache.TakePendingCloses() {
		name := ServerName(evictedFP)
		msg := wire.NewBuffer(len(name) + 2)
		msg.WriteByte('S')
		msg.WriteString(name)
		toSend = append(toSend, wire.Message{Type: wire.MsgClose, Payload: msg.Bytes()})
	}

	if serverCache.Has(fingerprint) {
		return serverName, toSend, nil
	}

	parseBody := wire.NewBuffer(len(sql) + len(serverName) + 8)
	parseBody.WriteString(serverName)
	parseBody.WriteString(sql)
	parseBody.WriteUint16(uint16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		parseBody.WriteUint32(oid)
	}
	toSend = append(toSend, wire.Message{Type: wire.MsgParse, Payload: parseBody.Bytes()})
	serverCache.Add(fingerprint)
	return serverName, toSend, nil
}

// RewriteBind rewrites a client Bind to target the server-side
// statement name for its registered fingerprint.
func (rw *Rewriter) RewriteBind(bind wire.BindMessage) (wire.BindMessage, ClientEntry, error) {
	entry, ok := rw.clients.Lookup(bind.StatementName)
	if !ok {
		return bind, ClientEntry{}, perr.Protocol("bind references unknown prepared statement %q", bind.StatementName)
	}
	bind.StatementName = ServerName(entry.Fingerprint)
	return bind, entry, nil
}

// RewriteDescribe rewrites a client Describe(statement) to the
// server-side name.
func (rw *Rewriter) RewriteDescribe(d wire.DescribeMessage) (wire.DescribeMessage, error) {
	if !d.IsStatement {
		return d, nil
	}
	entry, ok := rw.clients.Lookup(d.Name)
	if !ok {
		return d, perr.Protocol("describe references unknown prepared statement %q", d.Name)
	}
	d.Name = ServerName(entry.Fingerprint)
	return d, nil
}

// CloseClientStatement removes the client's own registration for a
// Close(statement, name). Per spec.md section 4.3 this never forwards
// a CLOSE to the server; server-side entries are reclaimed by LRU
// eviction independently of what the client thinks it closed.
func (rw *Rewriter) CloseClientStatement(name string) {
	rw.clients.Forget(name)
}

// DeallocateAll builds the message a server connection must receive
// when reclaimed into the idle pool with a non-empty prepared cache,
// per spec.md section 4.3: "DEALLOCATE ALL is never forwarded; it is
// synthesized when reclaiming a server."
func DeallocateAll() wire.Message {
	return wire.Message{Type: wire.MsgQuery, Payload: append([]byte("DEALLOCATE ALL"), 0)}
}
