// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks active WebSocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	// IdentitiesOnline tracks identities with at least one live connection.
	IdentitiesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "identities_online",
			Help: "Number of identities currently online",
		},
	)

	// EventsPublished tracks events delivered through the fanout router.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_published_total",
			Help: "Events published per channel namespace and type",
		},
		[]string{"namespace", "type"},
	)

	// EventDeliveries tracks per-subscriber event deliveries.
	EventDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_event_deliveries_total",
			Help: "Per-connection event deliveries",
		},
		[]string{"namespace", "status"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id"},
	)

	// MessagesTotal tracks messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"tenant_id", "origin"},
	)

	// ClaimsTotal tracks claim attempts by outcome.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claims_total",
			Help: "Claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	// StoreOpDuration tracks session store operation latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_op_duration_seconds",
			Help:    "Session store operation duration",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	// BusMessages tracks broadcast bus traffic.
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_total",
			Help: "Broadcast bus messages by direction",
		},
		[]string{"direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPublish records a fanout publish.
func RecordPublish(namespace, eventType string) {
	EventsPublished.WithLabelValues(namespace, eventType).Inc()
}

// RecordDelivery records one per-connection delivery attempt.
func RecordDelivery(namespace string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	EventDeliveries.WithLabelValues(namespace, status).Inc()
}

// RecordClaim records a claim attempt outcome.
func RecordClaim(outcome string) {
	ClaimsTotal.WithLabelValues(outcome).Inc()
}
