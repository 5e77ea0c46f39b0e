package pool

import (
	"testing"

	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/router"
	"github.com/mevdschee/pgdog/internal/topology"
)

func testCluster() *topology.Cluster {
	return &topology.Cluster{
		Shards: []topology.Shard{
			{Index: 0, PrimaryEndpoint: &topology.Endpoint{Host: "s0", Port: 5432}},
			{Index: 1}, // no primary
		},
	}
}

func TestManager_ResolveTarget_PrimaryMissing(t *testing.T) {
	m := NewManager(func(string) Credentials { return Credentials{} }, SubPoolConfig{MaxConns: 1})
	_, err := m.resolveTarget("main", testCluster(), 1, router.RolePrimary)
	if err == nil {
		t.Fatalf("resolveTarget() error = nil, want PoolNoPrimary for shard without a primary")
	}
}

func TestManager_ResolveTarget_PrimaryPresent(t *testing.T) {
	m := NewManager(func(string) Credentials { return Credentials{} }, SubPoolConfig{MaxConns: 1})
	target, err := m.resolveTarget("main", testCluster(), 0, router.RolePrimary)
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if target.Role != "primary" || target.Endpoint.Host != "s0" {
		t.Errorf("target = %+v, want primary at s0", target)
	}
}

func TestManager_ResolveTarget_ReplicaFallsBackToPrimary(t *testing.T) {
	m := NewManager(func(string) Credentials { return Credentials{} }, SubPoolConfig{MaxConns: 1})
	target, err := m.resolveTarget("main", testCluster(), 0, router.RoleReplica)
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if target.Role != "primary" {
		t.Errorf("target.Role = %q, want primary fallback when no replicas exist", target.Role)
	}
}

func TestCheckoutOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{perr.PoolCheckoutTimeout("main/0/primary/h:5432"), "timeout"},
		{perr.PoolNoPrimary(1), "no_primary"},
		{perr.PoolAllReplicasBanned("main", 0), "all_replicas_banned"},
		{perr.Internal("boom"), "error"},
	}
	for _, c := range cases {
		if got := checkoutOutcome(c.err); got != c.want {
			t.Errorf("checkoutOutcome(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestTarget_KeyIsStableForSameFields(t *testing.T) {
	a := Target{Cluster: "main", Shard: 1, Role: "replica", Endpoint: topology.Endpoint{Host: "h", Port: 1}}
	b := Target{Cluster: "main", Shard: 1, Role: "replica", Endpoint: topology.Endpoint{Host: "h", Port: 1}}
	if a.key() != b.key() {
		t.Errorf("key() differs for identical targets: %q vs %q", a.key(), b.key())
	}
}
