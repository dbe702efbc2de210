// Package metrics provides Prometheus instrumentation for the jobi chat
// service. It exposes gauges for connection and session counts, counters for
// message and incident throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobichat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// outcome: "delivered", "blocked", "failed", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobichat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// FilterLatency records content filter evaluation latency in seconds.
	FilterLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobichat_filter_latency_seconds",
		Help:    "Content filter evaluation latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// MessageLatency records end-to-end message dispatch latency in seconds,
	// from receipt of the client frame to Postgres insert.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobichat_message_latency_seconds",
		Help:    "Message dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HeartbeatEvictionsTotal counts connections closed by the heartbeat
	// monitor after missing their activity deadline.
	HeartbeatEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobichat_heartbeat_evictions_total",
		Help: "Total number of connections evicted by heartbeat timeout",
	})

	// ActiveSessions tracks the current number of open conversation sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobichat_active_sessions",
		Help: "Current number of open conversation sessions",
	})

	// IncidentsTotal counts security incidents recorded by the content filter,
	// labeled by severity.
	IncidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobichat_incidents_total",
		Help: "Total number of security incidents recorded",
	}, []string{"severity"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		FilterLatency,
		MessageLatency,
		HeartbeatEvictionsTotal,
		ActiveSessions,
		IncidentsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
