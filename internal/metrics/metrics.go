// Package metrics provides Prometheus instrumentation for the messaging
// core: session gauges, message throughput counters, and delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the current number of open WebSocket sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_sessions_active",
		Help: "Current number of open WebSocket sessions",
	})

	// MessagesTotal counts routed messages, labeled by scope ("public",
	// "private") and outcome ("delivered", "rejected", "rate_limited").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of routed chat messages",
	}, []string{"scope", "outcome"})

	// DeliveryLatency records time from envelope receipt to the last push
	// enqueued for the delivery set.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_delivery_latency_seconds",
		Help:    "Message routing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceTransitions counts online/offline broadcasts, labeled by
	// direction. Suppressed flaps inside the grace window do not count.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_presence_transitions_total",
		Help: "Total presence transitions broadcast to peers",
	}, []string{"direction"})

	// SendQueueDrops counts outbound frames dropped because a session's
	// send queue was full or the session was already closed.
	SendQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_send_queue_drops_total",
		Help: "Outbound frames dropped due to full queues or closed sessions",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		MessagesTotal,
		DeliveryLatency,
		PresenceTransitions,
		SendQueueDrops,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
