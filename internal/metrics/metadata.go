package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMetadataLatencyBuckets suit key-value round trips.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005,
	0.001,
	0.005,
	0.01,
	0.025,
	0.05,
	0.1,
	0.25,
	0.5,
	1.0,
	5.0,
}

// MetadataMetrics records metadata store operations. It satisfies
// metadata.Recorder.
type MetadataMetrics struct {
	// Latency is labelled by backend, operation and status.
	Latency *prometheus.HistogramVec

	// RequestsTotal is labelled by backend, operation and status.
	RequestsTotal *prometheus.CounterVec

	backend string
}

// NewMetadataMetrics creates metadata metrics on the default registry.
func NewMetadataMetrics(backend string) *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer, backend)
}

// NewMetadataMetricsWithRegistry creates metadata metrics on reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer, backend string) *MetadataMetrics {
	m := &MetadataMetrics{
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autoprune",
				Subsystem: "metadata",
				Name:      "operation_latency_seconds",
				Help:      "Metadata store operation latency in seconds.",
				Buckets:   DefaultMetadataLatencyBuckets,
			},
			[]string{"backend", "operation", "status"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autoprune",
				Subsystem: "metadata",
				Name:      "operations_total",
				Help:      "Metadata store operations.",
			},
			[]string{"backend", "operation", "status"},
		),
		backend: backend,
	}
	reg.MustRegister(m.Latency, m.RequestsTotal)
	return m
}

// RecordOperation records one call.
func (m *MetadataMetrics) RecordOperation(op string, durationSeconds float64, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.Latency.WithLabelValues(m.backend, op, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(m.backend, op, status).Inc()
}
