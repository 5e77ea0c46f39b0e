// Package aggregator implements the cross-shard fan-out and merge
// logic described in spec.md section 4.7 (C7): when a RoutingPlan
// names more than one shard, a single client statement must be
// forwarded to every leased shard connection and the results
// recombined into one coherent response stream.
//
// Grounded on the pack's vitess ScatterConn (other_examples
// 53a9d63c_VP-CLUB-vitess__go-vt-vtgate-scatter_conn.go.go), which
// solves the identical problem: run one action per shard in parallel,
// collect every error, and only succeed if none occurred. ScatterConn
// hand-rolls its own WaitGroup plus a custom AllErrorRecorder; this
// package uses golang.org/x/sync/errgroup instead, already part of
// the dependency graph, which gives the same fail-fast-and-collect
// semantics with first-error propagation built in.
package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/pgdog/internal/perr"
)

// ShardExec is the per-shard action the session supplies: send the
// (possibly rewritten) statement to one leased server connection and
// return its command tag (e.g. "INSERT 0 3") or error.
type ShardExec func(ctx context.Context, shard int) (commandTag string, err error)

// ExecuteSimple fans a simple statement (no SELECT projection, e.g. an
// unkeyed INSERT) out to every shard in shards, running exec for each
// in parallel, and synthesizes one CommandComplete tag with summed row
// counts. Any shard error aborts the others via rollback (the caller
// supplies rollback, invoked for every shard in shards) and the first
// error is returned.
func ExecuteSimple(ctx context.Context, shards []int, exec ShardExec, rollback func(shard int)) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	tags := make([]string, len(shards))

	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			tag, err := exec(gctx, shard)
			if err != nil {
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			tags[i] = tag
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if rollback != nil {
			for _, shard := range shards {
				rollback(shard)
			}
		}
		return "", err
	}
	return mergeCommandTags(tags)
}

// mergeCommandTags sums the row count of PostgreSQL command tags that
// share a verb ("INSERT 0 3" + "INSERT 0 2" -> "INSERT 0 5"). INSERT
// tags carry an OID field before the row count that is always 0 for
// multi-row inserts; non-numeric or mismatched-verb tags fail closed
// rather than guess.
func mergeCommandTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", perr.Internal("mergeCommandTags called with no tags")
	}
	var verb string
	var oidField string
	var total int64
	for _, tag := range tags {
		fields := strings.Fields(tag)
		if len(fields) < 2 {
			return "", perr.Internal("malformed command tag %q", tag)
		}
		v := fields[0]
		countStr := fields[len(fields)-1]
		count, err := strconv.ParseInt(countStr, 10, 64)
		if err != nil {
			return "", perr.Internal("command tag %q has non-numeric row count", tag)
		}
		if verb == "" {
			verb = v
			if len(fields) == 3 {
				oidField = fields[1]
			}
		} else if verb != v {
			return "", perr.Internal("mismatched command tags across shards: %q vs %q", verb, v)
		}
		total += count
	}
	if oidField != "" {
		return fmt.Sprintf("%s %s %d", verb, oidField, total), nil
	}
	return fmt.Sprintf("%s %d", verb, total), nil
}
