package topology

import (
	"sync/atomic"
	"testing"
)

func TestResolve_HashIsDeterministic(t *testing.T) {
	rule := ShardingRule{Column: "id", DataType: "bigint", Kind: KindHash}
	a, ok := Resolve(rule, "42", 4)
	if !ok {
		t.Fatalf("Resolve() ok = false, want true")
	}
	b, _ := Resolve(rule, "42", 4)
	if a != b {
		t.Errorf("Resolve() not stable across calls: %d vs %d", a, b)
	}
	if a < 0 || a >= 4 {
		t.Errorf("Resolve() = %d, want in [0,4)", a)
	}
}

func TestResolve_HashRespectsModulus(t *testing.T) {
	rule := ShardingRule{Column: "id", DataType: "bigint", Kind: KindHash}
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		idx, _ := Resolve(rule, itoa(i), 3)
		if idx < 0 || idx >= 3 {
			t.Fatalf("Resolve() = %d, want in [0,3)", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 3 {
		t.Errorf("only hit %d distinct shards out of 3 over 1000 values", len(seen))
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestResolve_Range(t *testing.T) {
	rule := ShardingRule{
		Column: "id", Kind: KindRange,
		Ranges: []RangeBound{
			{Start: "0", End: "100", Shard: 0},
			{Start: "100", End: "200", Shard: 1},
		},
	}
	idx, ok := Resolve(rule, "150", 2)
	if !ok || idx != 1 {
		t.Errorf("Resolve(150) = (%d,%v), want (1,true)", idx, ok)
	}
	_, ok = Resolve(rule, "500", 2)
	if ok {
		t.Errorf("Resolve(500) ok = true, want false (out of all ranges)")
	}
}

func TestResolve_List(t *testing.T) {
	rule := ShardingRule{
		Column: "region", Kind: KindList,
		ListValues: map[string]int{"us": 0, "eu": 1},
	}
	idx, ok := Resolve(rule, "eu", 2)
	if !ok || idx != 1 {
		t.Errorf("Resolve(eu) = (%d,%v), want (1,true)", idx, ok)
	}
	_, ok = Resolve(rule, "apac", 2)
	if ok {
		t.Errorf("Resolve(apac) ok = true, want false")
	}
}

func TestIntersectShards(t *testing.T) {
	got := IntersectShards([]int{0, 1, 2}, []int{1, 2, 3})
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("IntersectShards() = %v, want [1 2]", got)
	}
}

func TestCluster_RulesForColumn_ExplicitWinsOverWildcard(t *testing.T) {
	c := &Cluster{
		ShardingRules: []ShardingRule{
			{Column: "id", Kind: KindHash},
			{Table: "orders", Column: "id", Kind: KindHash},
		},
	}
	rules := c.RulesForColumn("orders", "id")
	if len(rules) != 2 || rules[0].Table != "orders" {
		t.Errorf("RulesForColumn() = %+v, want explicit-table rule first", rules)
	}
}

func TestCluster_NextReplica_RoundRobins(t *testing.T) {
	c := &Cluster{
		Shards: []Shard{{
			Index: 0,
			ReplicaEndpoints: []Endpoint{
				{Host: "a"}, {Host: "b"},
			},
		}},
	}
	c.roundRobin = make([]atomic.Uint64, len(c.Shards))

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		ep, ok := c.NextReplica(0)
		if !ok {
			t.Fatalf("NextReplica() ok = false")
		}
		counts[ep.Host]++
	}
	if counts["a"] != 5 || counts["b"] != 5 {
		t.Errorf("counts = %v, want 5/5 split over 10 calls", counts)
	}
}
