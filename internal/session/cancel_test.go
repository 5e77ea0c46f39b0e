package session

import (
	"context"
	"testing"
)

func TestCancelRegistryCancelsMatchingSession(t *testing.T) {
	r := newCancelRegistry()

	cancelled := false
	_, cancel := context.WithCancel(context.Background())
	s := &Session{cancelFunc: func() { cancelled = true; cancel() }}

	r.add(1, 2, s)
	r.cancel(1, 2)

	if !cancelled {
		t.Errorf("cancel(1, 2) did not invoke the session's cancelFunc")
	}
}

func TestCancelRegistryIgnoresUnknownKey(t *testing.T) {
	r := newCancelRegistry()
	cancelled := false
	s := &Session{cancelFunc: func() { cancelled = true }}
	r.add(1, 2, s)

	r.cancel(99, 99) // forged/stale key matches nothing

	if cancelled {
		t.Errorf("cancel(99, 99) invoked cancelFunc for an unrelated session")
	}
}

func TestCancelRegistryRemove(t *testing.T) {
	r := newCancelRegistry()
	cancelled := false
	s := &Session{cancelFunc: func() { cancelled = true }}
	r.add(1, 2, s)
	r.remove(1, 2)

	r.cancel(1, 2)

	if cancelled {
		t.Errorf("cancel after remove still invoked cancelFunc")
	}
}

func TestCancelRegistryNilCancelFuncIsSafe(t *testing.T) {
	r := newCancelRegistry()
	s := &Session{}
	r.add(5, 6, s)

	r.cancel(5, 6) // must not panic when cancelFunc is nil
}
