// Package session implements the per-connection state machine and
// statement dispatch pipeline described in spec.md section 4.8 (C8):
// Startup -> Authenticated -> {Idle | SimpleQuery | Extended | CopyIn |
// CopyOut | Terminated}. One Session owns exactly one client socket
// and drives it through C1 (wire) -> C2 (parse/fingerprint) -> C3
// (rewrite) -> C4 (route) -> C5 (pool lease) -> C7 (fan-out) and back,
// the way the teacher's handleConnection/handleMessages
// (postgres/postgres.go) drives its own single-backend loop --
// generalized here to a server connection per leased shard instead of
// one fixed backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mevdschee/pgdog/internal/aggregator"
	"github.com/mevdschee/pgdog/internal/log"
	"github.com/mevdschee/pgdog/internal/metrics"
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/plugin"
	"github.com/mevdschee/pgdog/internal/pool"
	"github.com/mevdschee/pgdog/internal/rewriter"
	"github.com/mevdschee/pgdog/internal/sqlparse"
	"github.com/mevdschee/pgdog/internal/topology"
	"github.com/mevdschee/pgdog/internal/wire"
)

// Phase names the connection's coarse state, per spec.md section 4.8.
type Phase int

const (
	PhaseStartup Phase = iota
	PhaseAuthenticated
	PhaseIdle
	PhaseSimpleQuery
	PhaseExtended
	PhaseCopyIn
	PhaseCopyOut
	PhaseTerminated
)

// AdminHandler answers pseudo-database introspection queries (spec.md
// section 6's SHOW POOLS / SHOW QUERY_CACHE / SHOW STATS / RELOAD /
// PAUSE / RESUME), special-cased ahead of the normal routing pipeline.
// Session depends on this interface rather than internal/admin
// directly so admin's dependency on pool.Manager and sqlparse.Cache
// never has to flow back through session.
type AdminHandler interface {
	// Handle reports whether sql was an admin command, and if so its
	// result set (cols/rows) or command tag.
	Handle(ctx context.Context, sql string) (handled bool, cols []string, rows [][][]byte, tag string, err error)
}

// AuthMode selects how a Session verifies a client's identity.
type AuthMode int

const (
	AuthTrust AuthMode = iota
	AuthMD5
	AuthSCRAM
)

// Authenticator supplies the cleartext password on file for a user, so
// MD5/SCRAM verification has something to check the client against.
type Authenticator interface {
	Password(ctx context.Context, user, database string) (password string, mode AuthMode, ok bool)
}

// Deps bundles every collaborator a Session needs, assembled once by
// cmd/pgdog and shared (read-mostly) across every connection.
type Deps struct {
	Topology   *topology.Registry
	Manager    *pool.Manager
	Plugins    *plugin.Chain
	ParseCache *sqlparse.Cache
	Auth       Authenticator
	Admin      AdminHandler
	Credential func(cluster string) pool.Credentials
	ClusterOf  func(database string) string // maps a startup `database` param to a cluster name
}

var connCounter uint32
var cancelKeys = newCancelRegistry()

// Session drives one client connection end to end.
type Session struct {
	id       uint32
	conn     *wire.Conn
	deps     Deps
	rewriter *rewriter.Rewriter
	clients  *rewriter.ClientRegistry

	phase       Phase
	user        string
	database    string
	clusterName string
	backendPID  uint32
	secretKey   uint32
	cancelFunc  context.CancelFunc

	mode Mode
	lease *pool.Lease
	tx    *aggregator.Transaction
	inTx  bool
	writeSticky bool

	portals             map[string]boundPortal
	statementParamOIDs  map[string][]uint32
}

// Mode is an alias of pool.Mode. The session keeps its own current
// value in Session.mode, promoted by spec.md's SET/LISTEN Open Question
// decisions.
type Mode = pool.Mode

// Serve accepts one connection and runs its session loop until the
// client disconnects or a fatal error occurs. Grounded on the
// teacher's acceptLoop+handleConnection split (postgres/postgres.go):
// Serve is the per-connection goroutine body the listener spawns.
func Serve(ctx context.Context, nc net.Conn, deps Deps) {
	cctx, cancel := context.WithCancel(ctx)
	id := atomic.AddUint32(&connCounter, 1)
	s := &Session{
		id:                 id,
		conn:               wire.NewConn(nc),
		deps:               deps,
		clients:            rewriter.NewClientRegistry(),
		portals:            make(map[string]boundPortal),
		statementParamOIDs: make(map[string][]uint32),
		mode:               pool.ModeTransaction,
		cancelFunc:         cancel,
	}
	s.rewriter = rewriter.New(s.clients, deps.ParseCache)
	defer cancel()
	defer nc.Close()
	defer func() { cancelKeys.remove(s.backendPID, s.secretKey) }()

	if err := s.startup(cctx); err != nil {
		if !errors.Is(err, io.EOF) {
			log.Component("session").Warnw("startup failed", "conn", id, "error", err)
		}
		return
	}

	s.run(cctx)
}

// startup performs the PG v3 handshake: SSL negotiation (declined),
// StartupMessage, authentication, and the initial ParameterStatus /
// BackendKeyData / ReadyForQuery burst, following the shape of the
// teacher's handleConnection but widened to real auth (MD5/SCRAM/trust)
// instead of the teacher's forced-cleartext request.
func (s *Session) startup(ctx context.Context) error {
	body, err := s.conn.ReadStartup(ctx)
	if err != nil {
		return err
	}

	if len(body) >= 4 {
		switch be32(body[:4]) {
		case wire.SSLRequestCode, wire.GSSENCRequestCode:
			if err := s.conn.WriteRaw([]byte{'N'}); err != nil {
				return err
			}
			body, err = s.conn.ReadStartup(ctx)
			if err != nil {
				return err
			}
		case wire.CancelRequestCode:
			return s.handleCancelRequest(body)
		}
	}

	version, params, err := wire.ParseStartup(body)
	if err != nil {
		return err
	}
	if version != wire.ProtocolVersion3 {
		return s.fatal(perr.Protocol("unsupported protocol version %d", version))
	}

	s.user = params["user"]
	s.database = params["database"]
	if s.database == "" {
		s.database = s.user
	}
	s.clusterName = s.deps.ClusterOf(s.database)

	if err := s.authenticate(ctx); err != nil {
		return err
	}

	tag, payload := wire.BuildAuthenticationOK()
	if err := s.conn.WriteMessage(tag, payload); err != nil {
		return err
	}
	for _, kv := range [][2]string{
		{"server_version", "16.0"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"TimeZone", "UTC"},
		{"standard_conforming_strings", "on"},
	} {
		tag, payload := wire.BuildParameterStatus(kv[0], kv[1])
		if err := s.conn.WriteMessage(tag, payload); err != nil {
			return err
		}
	}

	s.backendPID = uuid.New().ID()
	s.secretKey = uuid.New().ID()
	cancelKeys.add(s.backendPID, s.secretKey, s)
	tag, payload = wire.BuildBackendKeyData(s.backendPID, s.secretKey)
	if err := s.conn.WriteMessage(tag, payload); err != nil {
		return err
	}

	s.phase = PhaseIdle
	return s.sendReady()
}

func (s *Session) authenticate(ctx context.Context) error {
	password, mode, ok := s.deps.Auth.Password(ctx, s.user, s.database)
	if !ok {
		return s.fatal(perr.Server("28000", fmt.Sprintf("no such user %q", s.user)))
	}
	switch mode {
	case AuthTrust:
		return nil
	case AuthMD5:
		return s.authenticateMD5(password)
	case AuthSCRAM:
		return s.authenticateSCRAM(password)
	default:
		return s.fatal(perr.Server("28000", "unsupported auth mode"))
	}
}

func (s *Session) authenticateMD5(password string) error {
	salt := wire.RandomSalt()
	tag, payload := wire.BuildAuthenticationMD5(salt)
	if err := s.conn.WriteMessage(tag, payload); err != nil {
		return err
	}
	msg, err := s.conn.ReadMessage(context.Background())
	if err != nil {
		return err
	}
	if msg.Type != wire.MsgPasswordMsg {
		return s.fatal(perr.Protocol("expected password message, got %q", msg.Type))
	}
	got := trimNul(string(msg.Payload))
	want := wire.ComputeMD5Password(s.user, password, salt)
	if got != want {
		return s.fatal(perr.Server("28P01", "password authentication failed"))
	}
	return nil
}

func (s *Session) authenticateSCRAM(password string) error {
	server := wire.NewSCRAMServer(s.user, password)
	tag, payload := wire.BuildAuthenticationSASL(server.Mechanisms())
	if err := s.conn.WriteMessage(tag, payload); err != nil {
		return err
	}

	msg, err := s.conn.ReadMessage(context.Background())
	if err != nil {
		return err
	}
	if msg.Type != wire.MsgPasswordMsg {
		return s.fatal(perr.Protocol("expected SASLInitialResponse, got %q", msg.Type))
	}
	_, clientFirst, err := wire.ParseSASLInitial(msg.Payload)
	if err != nil {
		return s.fatal(perr.Protocol("malformed SASLInitialResponse: %v", err))
	}
	serverFirst, err := server.HandleClientFirst(clientFirst)
	if err != nil {
		return s.fatal(perr.Server("28P01", err.Error()))
	}
	tag, payload = wire.BuildAuthenticationSASLContinue([]byte(serverFirst))
	if err := s.conn.WriteMessage(tag, payload); err != nil {
		return err
	}

	msg, err = s.conn.ReadMessage(context.Background())
	if err != nil {
		return err
	}
	if msg.Type != wire.MsgPasswordMsg {
		return s.fatal(perr.Protocol("expected SASLResponse, got %q", msg.Type))
	}
	serverFinal, err := server.HandleClientFinal(string(msg.Payload))
	if err != nil {
		return s.fatal(perr.Server("28P01", "SCRAM authentication failed"))
	}
	tag, payload = wire.BuildAuthenticationSASLFinal([]byte(serverFinal))
	return s.conn.WriteMessage(tag, payload)
}

func (s *Session) handleCancelRequest(body []byte) error {
	req, err := wire.ParseCancelRequest(body)
	if err != nil {
		return err
	}
	cancelKeys.cancel(req.BackendPID, req.SecretKey)
	return io.EOF // cancel connections always close immediately after
}

// run is the main per-message dispatch loop, mirroring the teacher's
// handleMessages switch but driving the full extended-query pipeline
// and cross-shard fan-out instead of a single forwarded backend call.
func (s *Session) run(ctx context.Context) {
	for {
		msg, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Component("session").Infow("connection closed", "conn", s.id, "error", err)
			}
			s.releaseLease(false)
			return
		}

		switch msg.Type {
		case wire.MsgQuery:
			s.handleSimpleQuery(ctx, msg.Payload)
		case wire.MsgParse:
			s.handleParse(ctx, msg.Payload)
		case wire.MsgBind:
			s.handleBind(ctx, msg.Payload)
		case wire.MsgDescribe:
			s.handleDescribe(ctx, msg.Payload)
		case wire.MsgExecute:
			s.handleExecute(ctx, msg.Payload)
		case wire.MsgClose:
			s.handleClose(msg.Payload)
		case wire.MsgSync:
			s.maybeReturnStickySession()
			_ = s.sendReady()
		case wire.MsgFlush:
			// no buffering to flush; nothing to do
		case wire.MsgTerminate:
			s.releaseLease(false)
			s.phase = PhaseTerminated
			return
		default:
			s.sendError(perr.Protocol("unsupported message type %q", msg.Type))
			_ = s.sendReady()
		}
	}
}

func (s *Session) sendReady() error {
	status := byte(wire.TxStatusIdle)
	if s.inTx {
		status = wire.TxStatusInTx
	}
	tag, payload := wire.BuildReadyForQuery(status)
	return s.conn.WriteMessage(tag, payload)
}

func (s *Session) sendError(err error) {
	var pe *perr.Error
	code, msg := "58000", err.Error()
	if errors.As(err, &pe) {
		code, msg = pe.Code, pe.Message
	}
	metrics.QueryErrors.WithLabelValues(s.clusterName, code).Inc()
	tag, payload := wire.BuildErrorResponse("ERROR", code, msg)
	_ = s.conn.WriteMessage(tag, payload)
}

func (s *Session) fatal(err error) error {
	var pe *perr.Error
	code, msg := "58000", err.Error()
	if errors.As(err, &pe) {
		code, msg = pe.Code, pe.Message
	}
	tag, payload := wire.BuildErrorResponse("FATAL", code, msg)
	_ = s.conn.WriteMessage(tag, payload)
	return err
}

func be32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func trimNul(s string) string {
	return strings.TrimRight(s, "\x00")
}
