// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionStateTransitions tracks connection manager state changes.
	ConnectionStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"from", "to"},
	)

	// ReconnectAttempts tracks automatic reconnect attempts.
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_reconnect_attempts_total",
			Help: "Automatic reconnect attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ConnectionCloses tracks socket closures by close code.
	ConnectionCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_connection_closes_total",
			Help: "Socket closures by close code",
		},
		[]string{"code"},
	)

	// QueriesTotal tracks submitted queries by outcome.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_queries_total",
			Help: "Queries by terminal outcome",
		},
		[]string{"transport", "outcome"},
	)

	// QueryDuration tracks time from submit to terminal event.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querysession_query_duration_seconds",
			Help:    "Query duration from submit to terminal event",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"transport", "outcome"},
	)

	// QueryRetries tracks automatic query resubmissions.
	QueryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_query_retries_total",
			Help: "Automatic query resubmissions by error kind",
		},
		[]string{"kind"},
	)

	// OutstandingRequests tracks requests registered with the correlator.
	OutstandingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querysession_outstanding_requests",
			Help: "Requests awaiting a terminal event",
		},
	)

	// DroppedEvents tracks events discarded by the correlator.
	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_dropped_events_total",
			Help: "Events dropped because no request was registered for them",
		},
		[]string{"kind"},
	)

	// DecodeErrors tracks malformed frames dropped by the codec.
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_decode_errors_total",
			Help: "Malformed frames dropped by the codec",
		},
		[]string{"codec"},
	)

	// SessionEvictions tracks sessions evicted by the session cap.
	SessionEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querysession_session_evictions_total",
			Help: "Sessions evicted to honor the session cap",
		},
	)

	// StorageErrors tracks persistence surface failures.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysession_storage_errors_total",
			Help: "Persistence failures by operation",
		},
		[]string{"op"},
	)

	// RequestDuration tracks HTTP request duration of the analysis service.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests of the analysis service.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// StreamConnectionsActive tracks open socket and chunked stream connections
	// served by the analysis service.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active streaming connections",
		},
		[]string{"transport"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordQuery records the terminal outcome of a query.
func RecordQuery(transport, outcome string, duration float64) {
	QueriesTotal.WithLabelValues(transport, outcome).Inc()
	QueryDuration.WithLabelValues(transport, outcome).Observe(duration)
}

// RecordTransition records a connection state change.
func RecordTransition(from, to string) {
	ConnectionStateTransitions.WithLabelValues(from, to).Inc()
}

// IncrementStreamConnections increments the active connection count.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
