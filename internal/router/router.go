// Package router implements the routing algorithm described in
// spec.md section 4.4 (C4): from a parsed statement, the current
// cluster topology, session flags and the plugin chain, produce a
// RoutingPlan naming a role and a non-empty shard set.
//
// The teacher had nothing resembling this -- replica/pool.go only
// round-robinned a flat replica list with no sharding concept at all.
// This package is new, built directly against spec.md section 4.4 and
// the hash/range/list resolution in internal/topology, but it keeps
// the teacher's preference for small, deterministic, allocation-light
// functions with no I/O.
package router

import (
	"context"
	"sort"

	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/plugin"
	"github.com/mevdschee/pgdog/internal/sqlparse"
	"github.com/mevdschee/pgdog/internal/topology"
)

// Role names which side of a shard a plan targets.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

// Plan is the router's output: a role, a non-empty shard set, and the
// override flags that explain how the decision was reached.
type Plan struct {
	Role          Role
	Shards        []int
	WriteOverride bool
	Manual        bool
}

// Input bundles everything the algorithm needs to stay pure and
// deterministic; nothing here triggers I/O.
type Input struct {
	Statement *sqlparse.Statement
	Cluster   *topology.Cluster

	InTransaction bool
	WriteSticky   bool
	PinnedShards  []int // nil if this transaction hasn't pinned yet

	// BoundParams resolves a $n placeholder (extended protocol) to its
	// literal text for rules matched against a parameter instead of a
	// literal in the SQL text. Nil when routing a simple-protocol
	// statement, which has no placeholders.
	BoundParams map[string]string
}

// Route runs the deterministic algorithm of spec.md section 4.4.
func Route(ctx context.Context, in Input, chain *plugin.Chain) (Plan, error) {
	if in.Cluster == nil {
		return Plan{}, perr.Route("no cluster topology available")
	}
	stmt := in.Statement

	// Step 1: manual query override.
	if mq, ok := in.Cluster.ManualQueries[stmt.Fingerprint]; ok {
		plan := Plan{Role: roleFor(stmt, in), Shards: []int{mq.Shard}, Manual: true}
		return pinTransaction(plan, in)
	}

	// Step 2+3: role selection.
	role := roleFor(stmt, in)
	writeOverride := role == RolePrimary && stmt.IsWrite()

	// Step 4: shard set.
	shards, err := shardSet(stmt, in, role)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Role: role, Shards: shards, WriteOverride: writeOverride}

	// Step 5: plugin consultation overrides 3-4.
	if chain != nil {
		hint, err := chain.Consult(ctx, pluginQuery(stmt))
		if err != nil {
			return Plan{}, perr.Internal("plugin consult failed: %v", err)
		}
		if hint.ReadWrite != plugin.RWUnknown {
			if hint.ReadWrite == plugin.Write {
				plan.Role = RolePrimary
			} else {
				plan.Role = RoleReplica
			}
		}
		if hint.ShardSet {
			if hint.AllShards {
				plan.Shards = allShards(in.Cluster)
			} else {
				plan.Shards = []int{hint.Shard}
			}
		}
	}

	return pinTransaction(plan, in)
}

func roleFor(stmt *sqlparse.Statement, in Input) Role {
	if stmt.IsWrite() || stmt.Volatile || in.WriteSticky {
		return RolePrimary
	}
	if stmt.Class != sqlparse.ClassRead {
		return RolePrimary
	}
	if hasAnyReplica(in.Cluster) {
		return RoleReplica
	}
	return RolePrimary
}

func hasAnyReplica(c *topology.Cluster) bool {
	for _, s := range c.Shards {
		if len(s.ReplicaEndpoints) > 0 {
			return true
		}
	}
	return false
}

func shardSet(stmt *sqlparse.Statement, in Input, role Role) ([]int, error) {
	c := in.Cluster

	for _, t := range stmt.Tables {
		if c.IsOmnisharded(t.Name) {
			if role == RolePrimary && stmt.IsWrite() {
				return allShards(c), nil
			}
			return []int{c.NextOmniShard()}, nil
		}
	}

	var result []int
	matched := false
	tableName := ""
	if len(stmt.Tables) == 1 {
		tableName = stmt.Tables[0].Name
	}

	for _, pred := range stmt.Where {
		rules := c.RulesForColumn(tableName, pred.Column)
		if len(rules) == 0 {
			continue
		}
		rule := rules[0]
		var shardsForPred []int
		for _, v := range pred.Values {
			v = resolveParam(v, in.BoundParams)
			idx, ok := topology.Resolve(rule, v, c.ShardCount())
			if ok {
				shardsForPred = append(shardsForPred, idx)
			}
		}
		if len(shardsForPred) == 0 {
			continue
		}
		sort.Ints(shardsForPred)
		shardsForPred = dedupe(shardsForPred)
		if !matched {
			result = shardsForPred
			matched = true
		} else {
			result = topology.IntersectShards(result, shardsForPred)
		}
	}

	if !matched || len(result) == 0 {
		return allShards(c), nil
	}
	return result, nil
}

// resolveParam resolves a $n-style placeholder against BoundParams; a
// literal value (the common case for simple-protocol statements) is
// returned unchanged since it won't look like a placeholder.
func resolveParam(v string, bound map[string]string) string {
	if bound == nil {
		return v
	}
	if resolved, ok := bound[v]; ok {
		return resolved
	}
	return v
}

func allShards(c *topology.Cluster) []int {
	shards := make([]int, c.ShardCount())
	for i := range shards {
		shards[i] = i
	}
	return shards
}

func dedupe(sorted []int) []int {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// pinTransaction enforces spec.md section 4.4 step 6 and section 8's
// transaction-pinning law: within a client transaction every
// statement's shard set must be a subset of the first statement's.
func pinTransaction(plan Plan, in Input) (Plan, error) {
	if !in.InTransaction || len(in.PinnedShards) == 0 {
		return plan, nil
	}
	pinned := make(map[int]bool, len(in.PinnedShards))
	for _, s := range in.PinnedShards {
		pinned[s] = true
	}
	for _, s := range plan.Shards {
		if !pinned[s] {
			return Plan{}, perr.Route("statement targets shard %d outside the transaction's pinned set %v", s, in.PinnedShards)
		}
	}
	return plan, nil
}

func pluginQuery(stmt *sqlparse.Statement) plugin.Query {
	tables := make([]string, len(stmt.Tables))
	for i, t := range stmt.Tables {
		tables[i] = t.QualifiedName()
	}
	return plugin.Query{Fingerprint: stmt.Fingerprint, SQL: stmt.SQL, Tables: tables}
}
