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
			Name:    "bot_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsTotal tracks events handled by the state machine.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_events_total",
			Help: "Events handled by the conversation state machine",
		},
		[]string{"event", "state"},
	)

	// TransitionsTotal tracks state changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_transitions_total",
			Help: "Conversation state transitions",
		},
		[]string{"from", "to"},
	)

	// GenerationDuration tracks generation duration from start to settlement.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_generation_duration_seconds",
			Help:    "Generation duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "outcome"},
	)

	// FragmentsTotal tracks fragments received from generation sources.
	FragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fragments_total",
			Help: "Fragments received from generation sources",
		},
		[]string{"provider"},
	)

	// ActiveGenerations tracks running generations.
	ActiveGenerations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_active_generations",
			Help: "Number of running generations",
		},
	)

	// RenderFailuresTotal tracks failed render calls.
	RenderFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_render_failures_total",
			Help: "Render calls that returned an error",
		},
		[]string{"kind"},
	)

	// StoreErrorsTotal tracks failed state store operations.
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_store_errors_total",
			Help: "State store operations that returned an error",
		},
		[]string{"op"},
	)

	// DuplicateEventsTotal tracks inbound events dropped as redeliveries.
	DuplicateEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_duplicate_events_total",
			Help: "Inbound events dropped as duplicates",
		},
	)

	// OrphansRecoveredTotal tracks sessions recovered from a generating state
	// after a restart.
	OrphansRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_orphans_recovered_total",
			Help: "Sessions recovered from an unowned generating state",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NATSMessagesTotal tracks messages exchanged over NATS.
	NATSMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_nats_messages_total",
			Help: "Messages exchanged over NATS",
		},
		[]string{"direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGeneration records metrics for a settled generation.
func RecordGeneration(provider, outcome string, duration float64) {
	GenerationDuration.WithLabelValues(provider, outcome).Observe(duration)
}

// RecordTransition records an event and, when the state changed, the transition.
func RecordTransition(event, from, to string) {
	EventsTotal.WithLabelValues(event, from).Inc()
	if from != to {
		TransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
