package router

import (
	"context"
	"testing"

	"github.com/mevdschee/pgdog/internal/sqlparse"
	"github.com/mevdschee/pgdog/internal/topology"
)

func twoShardHashCluster(t *testing.T) *topology.Cluster {
	t.Helper()
	return &topology.Cluster{
		Name: "main",
		Shards: []topology.Shard{
			{Index: 0, PrimaryEndpoint: &topology.Endpoint{Host: "s0"}},
			{Index: 1, PrimaryEndpoint: &topology.Endpoint{Host: "s1"}},
		},
		ShardingRules: []topology.ShardingRule{
			{Table: "sharded", Column: "id", DataType: "bigint", Kind: topology.KindHash},
		},
		ManualQueries: map[string]topology.ManualQuery{},
	}
}

func mustParse(t *testing.T, sql string) *sqlparse.Statement {
	t.Helper()
	st, err := sqlparse.Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", sql, err)
	}
	return st
}

func TestRoute_HashShardDeterministic(t *testing.T) {
	c := twoShardHashCluster(t)
	stmt := mustParse(t, "INSERT INTO sharded (id) VALUES (42)")

	expected, _ := topology.Resolve(c.ShardingRules[0], "42", 2)

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if plan.Role != RolePrimary {
		t.Errorf("Role = %v, want primary for a write", plan.Role)
	}
	if len(plan.Shards) != 1 || plan.Shards[0] != expected {
		t.Errorf("Shards = %v, want [%d]", plan.Shards, expected)
	}
}

func TestRoute_RangeSingleShard(t *testing.T) {
	c := &topology.Cluster{
		Shards: []topology.Shard{{Index: 0}, {Index: 1}},
		ShardingRules: []topology.ShardingRule{
			{Table: "sharded_range", Column: "id", Kind: topology.KindRange, Ranges: []topology.RangeBound{
				{Start: "0", End: "100", Shard: 0},
				{Start: "100", End: "200", Shard: 1},
			}},
		},
		ManualQueries: map[string]topology.ManualQuery{},
	}
	stmt := mustParse(t, "SELECT * FROM sharded_range WHERE id = 150")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(plan.Shards) != 1 || plan.Shards[0] != 1 {
		t.Errorf("Shards = %v, want [1]", plan.Shards)
	}
}

func TestRoute_NoShardKeyFansOut(t *testing.T) {
	c := twoShardHashCluster(t)
	stmt := mustParse(t, "SELECT COUNT(*) FROM sharded")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(plan.Shards) != 2 {
		t.Errorf("Shards = %v, want both shards", plan.Shards)
	}
}

func TestRoute_ReplicaPreferredForRead(t *testing.T) {
	c := twoShardHashCluster(t)
	c.Shards[0].ReplicaEndpoints = []topology.Endpoint{{Host: "r0"}}
	c.Shards[1].ReplicaEndpoints = []topology.Endpoint{{Host: "r1"}}
	stmt := mustParse(t, "SELECT 1")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if plan.Role != RoleReplica {
		t.Errorf("Role = %v, want replica", plan.Role)
	}
}

func TestRoute_WriteStickyForcesPrimary(t *testing.T) {
	c := twoShardHashCluster(t)
	c.Shards[0].ReplicaEndpoints = []topology.Endpoint{{Host: "r0"}}
	stmt := mustParse(t, "SELECT 1")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c, WriteSticky: true}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if plan.Role != RolePrimary {
		t.Errorf("Role = %v, want primary under write stickiness", plan.Role)
	}
}

func TestRoute_VolatileForcesPrimary(t *testing.T) {
	c := twoShardHashCluster(t)
	c.Shards[0].ReplicaEndpoints = []topology.Endpoint{{Host: "r0"}}
	c.Shards[1].ReplicaEndpoints = []topology.Endpoint{{Host: "r1"}}
	stmt := mustParse(t, "SELECT nextval('orders_id_seq')")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if plan.Role != RolePrimary {
		t.Errorf("Role = %v, want primary for a volatile read even with replicas available", plan.Role)
	}
}

func TestRoute_LockingClauseForcesPrimary(t *testing.T) {
	c := twoShardHashCluster(t)
	c.Shards[0].ReplicaEndpoints = []topology.Endpoint{{Host: "r0"}}
	c.Shards[1].ReplicaEndpoints = []topology.Endpoint{{Host: "r1"}}
	stmt := mustParse(t, "SELECT * FROM sharded WHERE id = 42 FOR UPDATE")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if plan.Role != RolePrimary {
		t.Errorf("Role = %v, want primary for SELECT ... FOR UPDATE", plan.Role)
	}
}

func TestRoute_ManualQueryOverride(t *testing.T) {
	c := twoShardHashCluster(t)
	stmt := mustParse(t, "SELECT * FROM introspection_helper()")
	c.ManualQueries[stmt.Fingerprint] = topology.ManualQuery{Fingerprint: stmt.Fingerprint, Shard: 1}

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if !plan.Manual || len(plan.Shards) != 1 || plan.Shards[0] != 1 {
		t.Errorf("Plan = %+v, want manual override to shard 1", plan)
	}
}

func TestRoute_TransactionPinningRejectsOutsideShard(t *testing.T) {
	c := twoShardHashCluster(t)
	stmt := mustParse(t, "INSERT INTO sharded (id) VALUES (42)")
	expected, _ := topology.Resolve(c.ShardingRules[0], "42", 2)
	other := 1 - expected

	_, err := Route(context.Background(), Input{
		Statement:     stmt,
		Cluster:       c,
		InTransaction: true,
		PinnedShards:  []int{other},
	}, nil)
	if err == nil {
		t.Fatalf("Route() error = nil, want pinning violation")
	}
}

func TestRoute_OmnishardedReadRoundRobins(t *testing.T) {
	c := &topology.Cluster{
		Shards:            []topology.Shard{{Index: 0}, {Index: 1}, {Index: 2}},
		OmnishardedTables: []topology.OmnishardedTable{{Table: "countries"}},
		ManualQueries:     map[string]topology.ManualQuery{},
	}
	stmt := mustParse(t, "SELECT * FROM countries")

	seen := map[int]int{}
	for i := 0; i < 9; i++ {
		plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
		if err != nil {
			t.Fatalf("Route() error = %v", err)
		}
		if len(plan.Shards) != 1 {
			t.Fatalf("Shards = %v, want exactly one shard per omnisharded read", plan.Shards)
		}
		seen[plan.Shards[0]]++
	}
	if len(seen) != 3 {
		t.Errorf("round-robin hit %d distinct shards, want 3", len(seen))
	}
}

func TestRoute_OmnishardedWriteFansOutToAll(t *testing.T) {
	c := &topology.Cluster{
		Shards:            []topology.Shard{{Index: 0}, {Index: 1}},
		OmnishardedTables: []topology.OmnishardedTable{{Table: "countries"}},
		ManualQueries:     map[string]topology.ManualQuery{},
	}
	stmt := mustParse(t, "INSERT INTO countries (code) VALUES ('US')")

	plan, err := Route(context.Background(), Input{Statement: stmt, Cluster: c}, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(plan.Shards) != 2 {
		t.Errorf("Shards = %v, want both shards for an omnisharded write", plan.Shards)
	}
}
