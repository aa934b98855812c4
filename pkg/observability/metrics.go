// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the runbox session manager.
package observability

import "github.com/prometheus/client_golang/prometheus"

// StageBuckets defines histogram buckets suited for run stage latencies,
// ranging from 10ms to 120s.
var StageBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RunsTotal counts run requests by language and outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_runs_total",
			Help: "Run requests",
		},
		[]string{"language", "status"},
	)

	// RunStageDuration records per-stage run durations in seconds.
	RunStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_run_stage_duration_seconds",
			Help:    "Run stage duration",
			Buckets: StageBuckets,
		},
		[]string{"stage"},
	)

	// CacheHitsTotal counts resources elided from gateway calls because the
	// session ledger already held them.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_cache_hits_total",
			Help: "Ledger cache hits",
		},
		[]string{"kind"},
	)

	// SessionsActive tracks the number of sessions currently running or expiring.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_sessions_active",
			Help: "Active sessions",
		},
	)

	// SessionsClosedTotal counts session teardowns by reason (close, expiry, run_teardown).
	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_sessions_closed_total",
			Help: "Session teardowns",
		},
		[]string{"reason"},
	)

	// GatewayRequestsTotal counts calls to the execution gateway by operation and outcome.
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_gateway_requests_total",
			Help: "Gateway requests",
		},
		[]string{"op", "status"},
	)

	// RequestsTotal counts HTTP requests to the transport by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_request_duration_seconds",
			Help:    "Request duration",
			Buckets: StageBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunStageDuration,
		CacheHitsTotal,
		SessionsActive,
		SessionsClosedTotal,
		GatewayRequestsTotal,
		RequestsTotal,
		RequestDuration,
	)
}
