package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mevdschee/pgdog/internal/log"
	"github.com/mevdschee/pgdog/internal/metrics"
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/topology"
)

// Target names one sub-pool: a (cluster, shard, role, endpoint) tuple
// per spec.md section 4.5.
type Target struct {
	Cluster  string
	Shard    int
	Role     string // "primary" or "replica"
	Endpoint topology.Endpoint
}

func (t Target) key() string {
	return fmt.Sprintf("%s/%d/%s/%s:%d", t.Cluster, t.Shard, t.Role, t.Endpoint.Host, t.Endpoint.Port)
}

func (t Target) String() string { return t.key() }

// SubPoolConfig bounds one sub-pool's lifecycle, mirroring the knobs
// TenantPool exposes (max connections, checkout/idle/rollback
// timeouts), renamed to spec.md's vocabulary.
type SubPoolConfig struct {
	MaxConns        int
	MinIdle         int
	CheckoutTimeout time.Duration
	IdleTimeout     time.Duration
	ConnectTimeout  time.Duration
	RollbackTimeout time.Duration
}

// SubPool holds every ServerConnection for one Target. Checkout/return
// follows TenantPool's idle-stack-plus-sync.Cond design (other_examples
// db-bouncer pool.go): idle connections are popped LIFO for cache
// warmth, waiters block on a condition variable woken by Return,
// Ban/reap run opportunistically.
type SubPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	target Target
	creds  Credentials
	cfg    SubPoolConfig

	idle    []*ServerConnection
	active  map[*ServerConnection]struct{}
	total   int
	waiting int

	banned    bool
	banReason string
	banUntil  time.Time

	closed bool
	stopCh chan struct{}
}

// NewSubPool creates an empty sub-pool for target.
func NewSubPool(target Target, creds Credentials, cfg SubPoolConfig) *SubPool {
	sp := &SubPool{
		target: target,
		creds:  creds,
		cfg:    cfg,
		active: make(map[*ServerConnection]struct{}),
		stopCh: make(chan struct{}),
	}
	sp.cond = sync.NewCond(&sp.mu)
	go sp.reapLoop()
	return sp
}

// Acquire checks out one ServerConnection, dialing a new one if the
// pool is under MaxConns and none are idle, or waiting up to
// CheckoutTimeout (whichever is shorter between that and ctx's own
// deadline) otherwise.
func (sp *SubPool) Acquire(ctx context.Context) (*ServerConnection, error) {
	deadline := time.Now().Add(sp.cfg.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			sp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if sp.closed {
			sp.mu.Unlock()
			return nil, perr.Internal("sub-pool %s is closed", sp.target)
		}
		if sp.banned && time.Now().Before(sp.banUntil) {
			sp.mu.Unlock()
			return nil, perr.PoolAllReplicasBanned(sp.target.Cluster, sp.target.Shard)
		}

		for len(sp.idle) > 0 {
			sc := sp.idle[len(sp.idle)-1]
			sp.idle = sp.idle[:len(sp.idle)-1]
			sp.active[sc] = struct{}{}
			sp.mu.Unlock()
			sc.Touch()
			return sc, nil
		}

		if sp.total < sp.cfg.MaxConns {
			sp.total++
			sp.mu.Unlock()

			sc, err := dial(ctx, sp.target.Endpoint, sp.creds, sp.cfg.ConnectTimeout)
			if err != nil {
				sp.mu.Lock()
				sp.total--
				sp.mu.Unlock()
				return nil, fmt.Errorf("pool: dialing %s: %w", sp.target, err)
			}

			sp.mu.Lock()
			if sp.closed {
				sp.mu.Unlock()
				sc.Close()
				return nil, perr.Internal("sub-pool %s closed during dial", sp.target)
			}
			sp.active[sc] = struct{}{}
			sp.mu.Unlock()
			return sc, nil
		}

		sp.waiting++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			sp.waiting--
			sp.mu.Unlock()
			return nil, perr.PoolCheckoutTimeout(sp.target.String())
		}
		timer := time.AfterFunc(remaining, func() { sp.cond.Broadcast() })
		sp.cond.Wait()
		timer.Stop()
		sp.waiting--
		if time.Now().After(deadline) {
			sp.mu.Unlock()
			return nil, perr.PoolCheckoutTimeout(sp.target.String())
		}
	}
}

// Return gives a checked-out connection back. If the connection is in
// a non-Idle transaction state, the caller must already have rolled it
// back or it is destroyed instead of pooled, per spec.md section 4.5.
func (sp *SubPool) Return(sc *ServerConnection, healthy bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.active, sc)

	if sp.closed || !healthy || sc.TxStateNow() != TxIdle {
		sc.Close()
		sp.total--
		sp.cond.Signal()
		return
	}
	sp.idle = append(sp.idle, sc)
	sp.cond.Signal()
}

// Ban marks this sub-pool's endpoint unusable for new checkouts for
// duration; existing leases continue until returned.
func (sp *SubPool) Ban(reason string, duration time.Duration) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.banned = true
	sp.banReason = reason
	sp.banUntil = time.Now().Add(duration)
	metrics.ReplicaLagBanned.WithLabelValues(sp.target.Cluster, strconv.Itoa(sp.target.Shard), endpointLabel(sp.target.Endpoint), "banned").Inc()
	log.Component("pool").Warnw("sub-pool banned", "target", sp.target.String(), "reason", reason, "duration", duration)
}

// Probe re-admits a banned sub-pool if probing succeeds; called by the
// background health prober once banUntil has elapsed.
func (sp *SubPool) Probe(ctx context.Context) {
	sp.mu.Lock()
	if !sp.banned || time.Now().Before(sp.banUntil) {
		sp.mu.Unlock()
		return
	}
	sp.mu.Unlock()

	if err := livenessPing(ctx, sp.target.Endpoint, sp.creds, sp.cfg.ConnectTimeout); err != nil {
		sp.mu.Lock()
		sp.banUntil = time.Now().Add(sp.cfg.CheckoutTimeout)
		sp.mu.Unlock()
		return
	}

	sc, err := dial(ctx, sp.target.Endpoint, sp.creds, sp.cfg.ConnectTimeout)
	if err != nil {
		sp.mu.Lock()
		sp.banUntil = time.Now().Add(sp.cfg.CheckoutTimeout)
		sp.mu.Unlock()
		return
	}

	sp.mu.Lock()
	sp.banned = false
	sp.total++
	sp.idle = append(sp.idle, sc)
	sp.mu.Unlock()
	metrics.ReplicaLagBanned.WithLabelValues(sp.target.Cluster, strconv.Itoa(sp.target.Shard), endpointLabel(sp.target.Endpoint), "readmitted").Inc()
	log.Component("pool").Infow("sub-pool re-admitted", "target", sp.target.String())
}

func endpointLabel(ep topology.Endpoint) string {
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}

// Stats reports counters for the admin console's SHOW POOLS.
type Stats struct {
	Target  string
	Active  int
	Idle    int
	Total   int
	Waiting int
	Banned  bool
}

func (sp *SubPool) Stats() Stats {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return Stats{
		Target:  sp.target.String(),
		Active:  len(sp.active),
		Idle:    len(sp.idle),
		Total:   sp.total,
		Waiting: sp.waiting,
		Banned:  sp.banned,
	}
}

// Drain closes idle connections immediately and marks in-use ones
// doomed so Return destroys them instead of pooling them, per
// spec.md section 4.5's reload semantics.
func (sp *SubPool) Drain() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, sc := range sp.idle {
		sc.Close()
		sp.total--
	}
	sp.idle = sp.idle[:0]
	sp.closed = true
	close(sp.stopCh)
	sp.cond.Broadcast()
}

func (sp *SubPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sp.reapIdle()
		case <-sp.stopCh:
			return
		}
	}
}

func (sp *SubPool) reapIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.idle) <= sp.cfg.MinIdle {
		return
	}
	excess := len(sp.idle) - sp.cfg.MinIdle
	kept := make([]*ServerConnection, 0, len(sp.idle))
	for i, sc := range sp.idle {
		if i < excess && sc.IdleSince() > sp.cfg.IdleTimeout {
			sc.Close()
			sp.total--
		} else {
			kept = append(kept, sc)
		}
	}
	sp.idle = kept
}
