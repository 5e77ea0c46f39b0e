package pool

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mevdschee/pgdog/internal/log"
	"github.com/mevdschee/pgdog/internal/metrics"
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/router"
	"github.com/mevdschee/pgdog/internal/topology"
)

// Mode is the pooling mode a Lease was acquired under, per spec.md
// section 4.5. Manager.Return does not consult it: the caller decides
// when to hand a lease back (after a statement, after a transaction,
// or at the end of the session).
type Mode int

const (
	ModeStatement Mode = iota
	ModeTransaction
	ModeSession
)

// Lease is the set of ServerConnections acquired for one RoutingPlan.
// All-or-nothing: either every required (shard, role) target is
// represented or Manager.Lease returns an error and nothing is held.
type Lease struct {
	Mode  Mode
	Conns map[int]*ServerConnection // shard index -> connection
	subs  map[int]*SubPool
}

// Manager owns every SubPool, keyed by Target, plus the credentials
// and sizing config used to create new ones on demand.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*SubPool

	creds func(cluster string) Credentials
	cfg   SubPoolConfig
}

// NewManager creates an empty Manager. creds resolves the dial
// credentials for a given cluster name, typically backed by the
// loaded configuration.
func NewManager(creds func(cluster string) Credentials, cfg SubPoolConfig) *Manager {
	return &Manager{pools: make(map[string]*SubPool), creds: creds, cfg: cfg}
}

func (m *Manager) subPool(target Target) *SubPool {
	m.mu.RLock()
	sp, ok := m.pools[target.key()]
	m.mu.RUnlock()
	if ok {
		return sp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sp, ok := m.pools[target.key()]; ok {
		return sp
	}
	sp = NewSubPool(target, m.creds(target.Cluster), m.cfg)
	m.pools[target.key()] = sp
	return sp
}

// Lease acquires one ServerConnection per shard in plan, targeting the
// role plan specifies. Replica targets are chosen by the cluster's
// round-robin; a write to a shard lacking a primary is rejected as
// PoolNoPrimary before any dial is attempted. On partial failure,
// already-acquired connections are returned to their sub-pools and the
// first error is surfaced, per spec.md section 4.5's atomic-acquire
// contract.
func (m *Manager) Lease(ctx context.Context, clusterName string, cluster *topology.Cluster, plan router.Plan, mode Mode) (*Lease, error) {
	lease := &Lease{Mode: mode, Conns: make(map[int]*ServerConnection), subs: make(map[int]*SubPool)}

	for _, shardIdx := range plan.Shards {
		shardLabel := strconv.Itoa(shardIdx)
		target, err := m.resolveTarget(clusterName, cluster, shardIdx, plan.Role)
		if err != nil {
			metrics.PoolCheckouts.WithLabelValues(clusterName, shardLabel, plan.Role.String(), checkoutOutcome(err)).Inc()
			m.releasePartial(lease)
			return nil, err
		}
		sp := m.subPool(target)
		start := time.Now()
		sc, err := sp.Acquire(ctx)
		if err != nil {
			metrics.PoolCheckouts.WithLabelValues(clusterName, shardLabel, plan.Role.String(), checkoutOutcome(err)).Inc()
			m.releasePartial(lease)
			return nil, err
		}
		metrics.PoolCheckoutLatency.WithLabelValues(clusterName, shardLabel, plan.Role.String()).Observe(time.Since(start).Seconds())
		metrics.PoolCheckouts.WithLabelValues(clusterName, shardLabel, plan.Role.String(), "ok").Inc()
		lease.Conns[shardIdx] = sc
		lease.subs[shardIdx] = sp
	}
	return lease, nil
}

// checkoutOutcome classifies a Lease failure into the PoolCheckouts
// "outcome" label.
func checkoutOutcome(err error) string {
	var pe *perr.Error
	if !errors.As(err, &pe) {
		return "error"
	}
	switch {
	case pe.Code == "53300":
		return "timeout"
	case strings.Contains(pe.Message, "no primary"):
		return "no_primary"
	case strings.Contains(pe.Message, "replicas banned"):
		return "all_replicas_banned"
	default:
		return "error"
	}
}

func (m *Manager) resolveTarget(clusterName string, cluster *topology.Cluster, shardIdx int, role router.Role) (Target, error) {
	shard := cluster.Shards[shardIdx]
	if role == router.RolePrimary {
		if shard.PrimaryEndpoint == nil {
			return Target{}, perr.PoolNoPrimary(shardIdx)
		}
		return Target{Cluster: clusterName, Shard: shardIdx, Role: "primary", Endpoint: *shard.PrimaryEndpoint}, nil
	}
	ep, ok := cluster.NextReplica(shardIdx)
	if !ok {
		if shard.PrimaryEndpoint == nil {
			return Target{}, perr.PoolNoPrimary(shardIdx)
		}
		return Target{Cluster: clusterName, Shard: shardIdx, Role: "primary", Endpoint: *shard.PrimaryEndpoint}, nil
	}
	return Target{Cluster: clusterName, Shard: shardIdx, Role: "replica", Endpoint: ep}, nil
}

func (m *Manager) releasePartial(lease *Lease) {
	for shardIdx, sc := range lease.Conns {
		lease.subs[shardIdx].Return(sc, true)
	}
}

// Extend merges more's connections into lease, for a transaction whose
// routing plan grows to touch a shard it hadn't leased yet. lease.subs
// is unexported so callers outside this package cannot splice the two
// leases' bookkeeping together themselves; this does it safely.
func (m *Manager) Extend(lease *Lease, more *Lease) {
	for shardIdx, sc := range more.Conns {
		lease.Conns[shardIdx] = sc
		lease.subs[shardIdx] = more.subs[shardIdx]
	}
}

// Return releases every connection in a Lease back to its sub-pool.
// healthy false forces destruction instead of pooling (used after a
// cancelled or errored statement).
func (m *Manager) Return(lease *Lease, healthy bool) {
	for shardIdx, sc := range lease.Conns {
		lease.subs[shardIdx].Return(sc, healthy)
	}
}

// Ban marks the sub-pool for target unusable for duration.
func (m *Manager) Ban(target Target, reason string, duration time.Duration) {
	m.subPool(target).Ban(reason, duration)
}

// StartProber runs a background loop that probes every banned
// sub-pool for re-admission, per spec.md section 4.5.
func (m *Manager) StartProber(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.RLock()
				pools := make([]*SubPool, 0, len(m.pools))
				for _, sp := range m.pools {
					pools = append(pools, sp)
				}
				m.mu.RUnlock()
				for _, sp := range pools {
					sp.Probe(ctx)
				}
			}
		}
	}()
}

// Reload drains every sub-pool whose Target is no longer present in
// the live set computed from the new topology, per spec.md section
// 4.5: "for each sub-pool no longer present, drain idle connections
// immediately and mark in-use ones doomed."
func (m *Manager) Reload(live map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sp := range m.pools {
		if _, ok := live[key]; !ok {
			sp.Drain()
			delete(m.pools, key)
			log.Component("pool").Infow("drained stale sub-pool", "target", key)
		}
	}
}

// AllStats returns stats for every live sub-pool, for SHOW POOLS.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.pools))
	for _, sp := range m.pools {
		out = append(out, sp.Stats())
	}
	return out
}
