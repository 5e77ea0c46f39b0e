package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/mevdschee/pgdog/internal/perr"
)

func TestTransaction_PinTracksShardSet(t *testing.T) {
	tx := NewTransaction()
	tx.Pin(0)
	tx.Pin(2)
	if !tx.Contains(0) || !tx.Contains(2) || tx.Contains(1) {
		t.Errorf("Pinned() = %v, want {0,2}", tx.Pinned())
	}
}

func TestCommit_AllSucceed(t *testing.T) {
	err := Commit(context.Background(), []int{0, 1, 2}, func(_ context.Context, shard int) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestCommit_PartialFailureReturnsPartialError(t *testing.T) {
	err := Commit(context.Background(), []int{0, 1, 2}, func(_ context.Context, shard int) error {
		if shard == 1 {
			return errors.New("backend gone")
		}
		return nil
	})
	if err == nil {
		t.Fatalf("Commit() error = nil, want partial-commit failure")
	}
	var perrErr *perr.Error
	if !errors.As(err, &perrErr) {
		t.Fatalf("Commit() error = %v (%T), want *perr.Error", err, err)
	}
}

func TestCommit_AllFail(t *testing.T) {
	err := Commit(context.Background(), []int{0, 1}, func(_ context.Context, shard int) error {
		return errors.New("network partition")
	})
	if err == nil {
		t.Fatalf("Commit() error = nil, want failure when every shard fails")
	}
}

func TestCommit_SingleShardFailureWrapsPartial(t *testing.T) {
	err := Commit(context.Background(), []int{0}, func(_ context.Context, shard int) error {
		return errors.New("boom")
	})
	var perrErr *perr.Error
	if !errors.As(err, &perrErr) {
		t.Fatalf("Commit() single-shard error = %v (%T), want *perr.Error", err, err)
	}
}
