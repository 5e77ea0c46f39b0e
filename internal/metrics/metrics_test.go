package metrics

import "testing"

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on double registration
}

func TestRefreshPoolGauges(t *testing.T) {
	Init()
	RefreshPoolGauges([]PoolStat{
		{Target: "main/0/primary/10.0.0.1:5432", Active: 2, Idle: 3, Waiting: 0},
	})

	got, err := PoolActive.GetMetricWithLabelValues("main/0/primary/10.0.0.1:5432")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	if got == nil {
		t.Fatalf("PoolActive gauge not set for target")
	}
}
