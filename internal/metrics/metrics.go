// Package metrics exposes the OpenMetrics endpoint named in spec.md
// section 6: pool checkout counters, query error counters, replica
// ban/re-admission events, and per-pool gauges.
//
// Grounded directly on the teacher's metrics/metrics.go: package-level
// prometheus.*Vec variables registered once via Init, a promhttp
// Handler for the HTTP endpoint. The metric names and label sets are
// replaced with this proxy's own (pool checkouts, sharding, bans)
// instead of the teacher's write-batch-specific ones.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolCheckouts counts lease attempts by cluster, shard, role, and
	// outcome ("ok", "timeout", "no_primary", "all_replicas_banned",
	// "error").
	PoolCheckouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_pool_checkouts_total",
			Help: "Total number of pool checkout attempts",
		},
		[]string{"cluster", "shard", "role", "outcome"},
	)

	// PoolCheckoutLatency tracks how long a successful checkout waited.
	PoolCheckoutLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_pool_checkout_latency_seconds",
			Help:    "Pool checkout latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster", "shard", "role"},
	)

	// QueryErrors counts failed queries by cluster and error code.
	QueryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_query_errors_total",
			Help: "Total number of queries that returned an error",
		},
		[]string{"cluster", "code"},
	)

	// ReplicaLagBanned counts bans and re-admissions by cluster, shard,
	// and endpoint.
	ReplicaLagBanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_replica_lag_banned_total",
			Help: "Total number of replica ban/re-admission transitions",
		},
		[]string{"cluster", "shard", "endpoint", "transition"},
	)

	// QueryCacheHits and QueryCacheMisses track the parser cache (C2).
	QueryCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdog_query_cache_hits_total",
			Help: "Total number of parser cache hits",
		},
	)
	QueryCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdog_query_cache_misses_total",
			Help: "Total number of parser cache misses",
		},
	)

	// PoolActive, PoolIdle, PoolWaiting are per-sub-pool gauges, set
	// periodically from pool.Manager.AllStats by cmd/pgdog.
	PoolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_active_connections",
			Help: "Currently checked-out connections per sub-pool",
		},
		[]string{"target"},
	)
	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_idle_connections",
			Help: "Currently idle connections per sub-pool",
		},
		[]string{"target"},
	)
	PoolWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_waiting_checkouts",
			Help: "Currently blocked checkout waiters per sub-pool",
		},
		[]string{"target"},
	)

	once sync.Once
)

// Init registers every metric with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(PoolCheckouts)
		prometheus.MustRegister(PoolCheckoutLatency)
		prometheus.MustRegister(QueryErrors)
		prometheus.MustRegister(ReplicaLagBanned)
		prometheus.MustRegister(QueryCacheHits)
		prometheus.MustRegister(QueryCacheMisses)
		prometheus.MustRegister(PoolActive)
		prometheus.MustRegister(PoolIdle)
		prometheus.MustRegister(PoolWaiting)
	})
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// PoolStat is the subset of pool.Stats needed to refresh the gauges,
// named locally rather than importing internal/pool to avoid a cycle
// (cmd/pgdog is the only caller, and it already imports both).
type PoolStat struct {
	Target  string
	Active  int
	Idle    int
	Waiting int
}

// RefreshPoolGauges sets the per-sub-pool gauges from a fresh
// pool.Manager.AllStats() snapshot. Called on a timer by cmd/pgdog.
func RefreshPoolGauges(stats []PoolStat) {
	for _, st := range stats {
		PoolActive.WithLabelValues(st.Target).Set(float64(st.Active))
		PoolIdle.WithLabelValues(st.Target).Set(float64(st.Idle))
		PoolWaiting.WithLabelValues(st.Target).Set(float64(st.Waiting))
	}
}
