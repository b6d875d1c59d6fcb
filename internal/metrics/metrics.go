// Package metrics provides Prometheus instrumentation for the guard: session
// lifecycle gauges, moderation throughput counters and pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsByState tracks how many tenant sessions are in each state.
	SessionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guard_sessions",
		Help: "Current number of tenant sessions by lifecycle state",
	}, []string{"state"})

	// ReconnectsTotal counts scheduled reconnect attempts.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_reconnects_total",
		Help: "Total number of scheduled session reconnects",
	})

	// MessagesTotal counts inbound messages by pipeline outcome:
	// "unprotected", "exempt", "empty", "clean" or "violation".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_messages_total",
		Help: "Total number of inbound messages by moderation outcome",
	}, []string{"outcome"})

	// ActionsTotal counts enforcement actions by requested and applied
	// action and whether they succeeded.
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_actions_total",
		Help: "Total number of enforcement actions",
	}, []string{"requested", "applied", "success"})

	// PolicyReadErrors counts failed policy reads. The affected message is
	// treated as unprotected.
	PolicyReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_policy_read_errors_total",
		Help: "Total number of policy reads that failed",
	})

	// PipelineLatency records per-message moderation latency in seconds.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guard_pipeline_latency_seconds",
		Help:    "Moderation pipeline latency per message in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// AdminRequestsTotal counts operator requests by operation and reply
	// code ("ok" on success).
	AdminRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_admin_requests_total",
		Help: "Total number of admin requests by operation and result",
	}, []string{"op", "code"})
)

func init() {
	prometheus.MustRegister(
		SessionsByState,
		ReconnectsTotal,
		MessagesTotal,
		ActionsTotal,
		PolicyReadErrors,
		PipelineLatency,
		AdminRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
