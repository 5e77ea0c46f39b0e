package aggregator

import (
	"context"
	"errors"
	"testing"
)

func TestExecuteSimple_SumsRowCounts(t *testing.T) {
	exec := func(_ context.Context, shard int) (string, error) {
		switch shard {
		case 0:
			return "INSERT 0 2", nil
		case 1:
			return "INSERT 0 3", nil
		}
		return "", errors.New("unexpected shard")
	}
	tag, err := ExecuteSimple(context.Background(), []int{0, 1}, exec, nil)
	if err != nil {
		t.Fatalf("ExecuteSimple() error = %v", err)
	}
	if tag != "INSERT 0 5" {
		t.Errorf("tag = %q, want INSERT 0 5", tag)
	}
}

func TestExecuteSimple_RollsBackOnAnyError(t *testing.T) {
	var rolledBack []int
	exec := func(_ context.Context, shard int) (string, error) {
		if shard == 1 {
			return "", errors.New("connection reset")
		}
		return "UPDATE 1", nil
	}
	_, err := ExecuteSimple(context.Background(), []int{0, 1, 2}, exec, func(shard int) {
		rolledBack = append(rolledBack, shard)
	})
	if err == nil {
		t.Fatalf("ExecuteSimple() error = nil, want failure from shard 1")
	}
	if len(rolledBack) != 3 {
		t.Errorf("rolledBack = %v, want rollback issued to all 3 shards", rolledBack)
	}
}

func TestMergeCommandTags_RejectsMismatchedVerbs(t *testing.T) {
	_, err := mergeCommandTags([]string{"INSERT 0 1", "DELETE 2"})
	if err == nil {
		t.Errorf("mergeCommandTags() error = nil, want mismatch error")
	}
}

func TestMergeCommandTags_PreservesUpdateVerb(t *testing.T) {
	tag, err := mergeCommandTags([]string{"UPDATE 2", "UPDATE 5"})
	if err != nil {
		t.Fatalf("mergeCommandTags() error = %v", err)
	}
	if tag != "UPDATE 7" {
		t.Errorf("tag = %q, want UPDATE 7", tag)
	}
}
