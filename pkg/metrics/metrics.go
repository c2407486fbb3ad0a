package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Database
	DatabaseConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_database_connections",
			Help: "Database connection pool stats",
		},
		[]string{"state"},
	)

	// Settlement pipeline
	SettlementTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Status transitions applied to settlement transactions",
		},
		[]string{"from", "to", "direction"},
	)

	SettlementTransitionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_transition_conflicts_total",
			Help: "Transitions rejected because the stored status had already moved",
		},
		[]string{"to"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_webhook_events_total",
			Help: "Inbound payment notifications by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	ChainSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_chain_submissions_total",
			Help: "On-chain submissions by network and result",
		},
		[]string{"network", "asset", "result"},
	)

	ChainCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_chain_call_duration_seconds",
			Help:    "Latency of calls to chain nodes and liquidity venues",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"network", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)

	RecoverySweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_recovery_sweeps_total",
			Help: "Recovery sweeps by result",
		},
		[]string{"result"},
	)

	RecoveryActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_recovery_actions_total",
			Help: "Per-transaction recovery actions",
		},
		[]string{"status", "action"},
	)
)

// RecordTransition counts an applied status change.
func RecordTransition(from, to, direction string) {
	SettlementTransitionsTotal.WithLabelValues(from, to, direction).Inc()
}

// RecordChainSubmission counts a submit attempt against a network.
func RecordChainSubmission(network, asset string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	ChainSubmissionsTotal.WithLabelValues(network, asset, result).Inc()
}
