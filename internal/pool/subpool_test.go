package pool

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mevdschee/pgdog/internal/metrics"
	"github.com/mevdschee/pgdog/internal/topology"
)

func testTarget() Target {
	return Target{Cluster: "main", Shard: 0, Role: "primary", Endpoint: topology.Endpoint{Host: "127.0.0.1", Port: 5432}}
}

func TestSubPool_StatsStartsEmpty(t *testing.T) {
	sp := NewSubPool(testTarget(), Credentials{User: "u", Password: "p", Database: "d"}, SubPoolConfig{
		MaxConns: 4, MinIdle: 0, CheckoutTimeout: time.Second, IdleTimeout: time.Minute, ConnectTimeout: time.Second,
	})
	defer sp.Drain()

	stats := sp.Stats()
	if stats.Total != 0 || stats.Active != 0 || stats.Idle != 0 {
		t.Errorf("Stats() = %+v, want all zero", stats)
	}
}

func TestSubPool_BanBlocksAcquire(t *testing.T) {
	sp := NewSubPool(testTarget(), Credentials{}, SubPoolConfig{
		MaxConns: 1, CheckoutTimeout: 50 * time.Millisecond, ConnectTimeout: 50 * time.Millisecond,
	})
	defer sp.Drain()

	sp.Ban("connection refused", time.Minute)
	if _, err := sp.Acquire(context.Background()); err == nil {
		t.Fatalf("Acquire() error = nil, want ban error")
	}
}

func TestSubPool_BanIncrementsReplicaLagBannedMetric(t *testing.T) {
	sp := NewSubPool(testTarget(), Credentials{}, SubPoolConfig{MaxConns: 1})
	defer sp.Drain()

	before := testutil.ToFloat64(metrics.ReplicaLagBanned.WithLabelValues("main", "0", "127.0.0.1:5432", "banned"))
	sp.Ban("connection refused", time.Minute)
	after := testutil.ToFloat64(metrics.ReplicaLagBanned.WithLabelValues("main", "0", "127.0.0.1:5432", "banned"))

	if after != before+1 {
		t.Errorf("ReplicaLagBanned{banned} = %v, want %v", after, before+1)
	}
}

func TestSubPool_DrainClosesIdle(t *testing.T) {
	sp := NewSubPool(testTarget(), Credentials{}, SubPoolConfig{MaxConns: 4})
	sp.Drain()
	if stats := sp.Stats(); stats.Idle != 0 {
		t.Errorf("Idle = %d after Drain, want 0", stats.Idle)
	}
}
