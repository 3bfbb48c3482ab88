// Package monitoring holds the gateway's prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_proxy_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"upstream", "outcome"},
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keygate_proxy_request_duration_seconds",
			Help:    "Proxied request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"upstream"},
	)

	PoolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_pool_acquire_total",
			Help: "Total number of key acquisition attempts",
		},
		[]string{"result"},
	)

	KeyStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_key_status_transitions_total",
			Help: "Total number of key status transitions",
		},
		[]string{"to", "cause"},
	)

	SandboxRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_sandbox_runs_total",
			Help: "Total number of sandbox script executions",
		},
		[]string{"lang", "result"},
	)

	RuleFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_rule_fires_total",
			Help: "Total number of rule action executions",
		},
		[]string{"rule"},
	)

	RateLimitRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_ratelimit_rejects_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"scope"},
	)
)
