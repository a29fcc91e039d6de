package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_commands_total",
			Help: "Lifecycle commands handled, by kind, command and result",
		},
		[]string{"kind", "command", "result"},
	)

	// Commit metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_commits_total",
			Help: "Work session commit attempts by result",
		},
		[]string{"kind", "result"},
	)

	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_validation_failures_total",
			Help: "Rejected event logs by reason",
		},
		[]string{"kind", "reason"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashtrack_commit_duration_seconds",
			Help:    "Durable commit transaction duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"kind"},
	)

	SessionsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_sessions_evicted_total",
			Help: "Unfinished sessions dropped by a full in-memory store",
		},
		[]string{"kind"},
	)

	// Realtime metrics
	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashtrack_realtime_connections",
			Help: "Open realtime connections",
		},
		[]string{"kind"},
	)

	ActiveHubs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashtrack_realtime_hubs",
			Help: "Users with at least one open realtime connection",
		},
		[]string{"kind"},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_broadcasts_total",
			Help: "Snapshots fanned out to user connections, by trigger",
		},
		[]string{"kind", "trigger"},
	)

	HandshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_handshake_failures_total",
			Help: "Realtime upgrades refused, by reason",
		},
		[]string{"reason"},
	)

	// Outbox metrics
	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashtrack_outbox_published_total",
			Help: "Outbox events published, by event type and result",
		},
		[]string{"event_type", "result"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashtrack_outbox_pending",
			Help: "Unsent outbox events at the last health check",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommitsTotal,
		ValidationFailures,
		CommitDuration,
		SessionsEvicted,
		ActiveConnections,
		ActiveHubs,
		BroadcastsTotal,
		HandshakeFailures,
		OutboxPublished,
		OutboxPending,
	)
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
