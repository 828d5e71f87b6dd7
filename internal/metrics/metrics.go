// Package metrics exposes the Prometheus counters/gauges/histograms the
// pool, selector and gateway record, serving spec.md's "structured log/metric
// sinks" external collaborator. Naming follows the pack's
// {app}_{subsystem}_{name}_{unit} convention (grounded in
// ipiton-alert-history-service's metrics packages and cuemby-warren's
// pkg/metrics), registered once via promauto against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool tracks connection pool behavior: spec.md §4.3 acquire/release and the
// background reaper.
var Pool = struct {
	Acquires  *prometheus.CounterVec
	Releases  *prometheus.CounterVec
	IdleHits  prometheus.Counter
	Opens     prometheus.Counter
	Reaped    prometheus.Counter
	Sessions  *prometheus.GaugeVec
}{
	Acquires: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapgw_pool_acquires_total",
		Help: "Connection pool acquisitions by cluster and outcome.",
	}, []string{"cluster", "outcome"}),
	Releases: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapgw_pool_releases_total",
		Help: "Connection pool releases by cluster and health.",
	}, []string{"cluster", "healthy"}),
	IdleHits: promauto.NewCounter(prometheus.CounterOpts{
		Name: "ldapgw_pool_idle_reuse_total",
		Help: "Acquisitions satisfied by an idle session without opening a new connection.",
	}),
	Opens: promauto.NewCounter(prometheus.CounterOpts{
		Name: "ldapgw_pool_opens_total",
		Help: "New LDAP connections opened by the pool.",
	}),
	Reaped: promauto.NewCounter(prometheus.CounterOpts{
		Name: "ldapgw_pool_reaped_total",
		Help: "Idle sessions removed by the background reaper.",
	}),
	Sessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ldapgw_pool_sessions",
		Help: "Current pooled session count by cluster.",
	}, []string{"cluster"}),
}

// Selector tracks node-selection outcomes: spec.md §4.2.
var Selector = struct {
	Selections *prometheus.CounterVec
	ProbeFails *prometheus.CounterVec
}{
	Selections: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapgw_selector_selections_total",
		Help: "Node selections by cluster, class and outcome.",
	}, []string{"cluster", "class", "outcome"}),
	ProbeFails: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapgw_selector_probe_failures_total",
		Help: "Reachability probe failures by cluster and node label.",
	}, []string{"cluster", "node"}),
}

// Gateway tracks LDAP operation latency/outcome: spec.md §4.4.
var Gateway = struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}{
	Operations: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapgw_operations_total",
		Help: "LDAP gateway operations by cluster, operation and outcome.",
	}, []string{"cluster", "operation", "outcome"}),
	Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ldapgw_operation_duration_seconds",
		Help:    "LDAP gateway operation latency in seconds.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"cluster", "operation"}),
}

// Vault tracks credential cache hits/misses/expirations: spec.md §4.1.
var Vault = struct {
	Operations *prometheus.CounterVec
}{
	Operations: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapgw_vault_operations_total",
		Help: "Credential vault operations by cluster, operation and outcome.",
	}, []string{"cluster", "operation", "outcome"}),
}
