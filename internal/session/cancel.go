package session

import "sync"

// cancelKey identifies one live connection the way PG's CancelRequest
// does: a backend PID plus a secret only that connection's own
// BackendKeyData ever disclosed.
type cancelKey struct {
	pid, secret uint32
}

// cancelRegistry maps a cancel key to the live Session it belongs to.
// The teacher never had a real equivalent -- tqdbproxy's BackendKeyData
// was synthesized from an incrementing counter and never checked
// against anything, so a CancelRequest was silently accepted and
// ignored. Here it actually interrupts the session's current blocking
// backend call by cancelling its context, the same way a real
// Postgres server closes the secondary connection's single in-flight
// query.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[cancelKey]*Session
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[cancelKey]*Session)}
}

func (r *cancelRegistry) add(pid, secret uint32, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cancelKey{pid, secret}] = s
}

func (r *cancelRegistry) remove(pid, secret uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cancelKey{pid, secret})
}

// cancel looks up the session matching pid/secret exactly (a forged or
// stale key simply matches nothing, per the PG protocol's own loose
// security model for CancelRequest) and cancels its current context.
func (r *cancelRegistry) cancel(pid, secret uint32) {
	r.mu.Lock()
	s, ok := r.entries[cancelKey{pid, secret}]
	r.mu.Unlock()
	if !ok || s.cancelFunc == nil {
		return
	}
	// TODO: this cancels the connection's context for good, ending the
	// whole session on its next read/lease rather than just the
	// in-flight statement; re-arming a fresh per-statement context
	// would match real Postgres cancel semantics more closely.
	s.cancelFunc()
}
