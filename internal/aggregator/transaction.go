package aggregator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/pgdog/internal/perr"
)

// Transaction tracks one client transaction's pinned shard set, per
// spec.md section 4.7: once a transaction has touched shard set S, the
// router refuses to extend it to a shard outside S for the remainder
// of the transaction (enforced in internal/router; this type is the
// session-held record router.Route consults and extends).
type Transaction struct {
	shards map[int]struct{}
}

// NewTransaction starts with no shards pinned yet.
func NewTransaction() *Transaction {
	return &Transaction{shards: make(map[int]struct{})}
}

// Pin records that the transaction has now touched shard.
func (t *Transaction) Pin(shard int) {
	t.shards[shard] = struct{}{}
}

// Pinned returns the current pinned shard set.
func (t *Transaction) Pinned() []int {
	out := make([]int, 0, len(t.shards))
	for s := range t.shards {
		out = append(out, s)
	}
	return out
}

// Contains reports whether shard is already part of the pinned set.
func (t *Transaction) Contains(shard int) bool {
	_, ok := t.shards[shard]
	return ok
}

// ShardAction is one shard's half of a multi-shard COMMIT or ROLLBACK.
type ShardAction func(ctx context.Context, shard int) error

// Commit runs action against every pinned shard in parallel. pgdog
// does not implement two-phase commit (spec.md Non-goals): if any
// shard's COMMIT fails after others have already succeeded, the
// transaction is left partially committed and that fact is surfaced to
// the client as a distinct error class rather than silently reported
// as a clean commit or a clean rollback.
func Commit(ctx context.Context, shards []int, action ShardAction) error {
	return runPinned(ctx, shards, action, "commit")
}

// Rollback runs action against every pinned shard in parallel. Unlike
// Commit, a rollback failure on one shard does not imply inconsistency
// in the same way, but it is reported with the same perr.Partial shape
// so the client and operator can see exactly which shards did not
// acknowledge.
func Rollback(ctx context.Context, shards []int, action ShardAction) error {
	return runPinned(ctx, shards, action, "rollback")
}

func runPinned(ctx context.Context, shards []int, action ShardAction, op string) error {
	if len(shards) == 0 {
		return nil
	}
	if len(shards) == 1 {
		if err := action(ctx, shards[0]); err != nil {
			return perr.Partial(op, map[int]error{shards[0]: err})
		}
		return nil
	}

	statuses := make(map[int]error, len(shards))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(context.Background())
	_ = ctx // the coordinator must attempt every shard's action even if ctx is cancelled mid-fan-out, to avoid leaving some shards committed and others never asked
	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			err := action(gctx, shard)
			mu.Lock()
			statuses[shard] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := map[int]error{}
	for shard, err := range statuses {
		if err != nil {
			failed[shard] = err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == len(shards) {
		return fmt.Errorf("aggregator: %s failed on all %d shards: %w", op, len(shards), firstError(failed))
	}
	return perr.Partial(op, failed)
}

func firstError(m map[int]error) error {
	for _, err := range m {
		return err
	}
	return nil
}
