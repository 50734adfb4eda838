package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the prometheus namespace for all engine metrics.
const Namespace = "tokenstream"

// Metrics contains all engine-level metrics (not component-specific)
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	ChunksDelivered    *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec

	// Transport metrics
	BatchesFlushed    *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	// Admission metrics
	AdmissionRejections *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of sessions currently generating or streaming",
			},
		),

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sessions",
				Name:      "total",
				Help:      "Total sessions by terminal state",
			},
			[]string{"state", "strategy"},
		),

		ChunksDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "chunks",
				Name:      "delivered_total",
				Help:      "Total response chunks handed to the transport",
			},
			[]string{"strategy", "source"},
		),

		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "Generator call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "status"},
		),

		BatchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "batches_flushed_total",
				Help:      "Total batches flushed by trigger (size, timer, disconnect)",
			},
			[]string{"trigger", "encoding"},
		),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "connections_active",
				Help:      "Number of registered client connections",
			},
		),

		AdmissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "admission",
				Name:      "rejections_total",
				Help:      "Total admission rejections by reason",
			},
			[]string{"reason"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordSessionStart increments the active session gauge
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd decrements the active gauge and counts the terminal state
func (m *Metrics) RecordSessionEnd(state, strategy string) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(state, strategy).Inc()
}

// RecordChunkDelivered counts a chunk handed to the transport.
// Source is "generated" or "cache".
func (m *Metrics) RecordChunkDelivered(strategy, source string) {
	m.ChunksDelivered.WithLabelValues(strategy, source).Inc()
}

// RecordGenerationDuration records a generator call duration
func (m *Metrics) RecordGenerationDuration(provider, status string, duration time.Duration) {
	m.GenerationDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordBatchFlushed counts a flushed batch by trigger and encoding
func (m *Metrics) RecordBatchFlushed(trigger, encoding string) {
	m.BatchesFlushed.WithLabelValues(trigger, encoding).Inc()
}

// RecordAdmissionRejection counts an admission rejection by reason
func (m *Metrics) RecordAdmissionRejection(reason string) {
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}

// RecordError increments the error counter
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
