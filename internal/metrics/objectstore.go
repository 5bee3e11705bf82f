package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ObjectStoreMetrics records object store operations. It satisfies
// objectstore.Recorder.
type ObjectStoreMetrics struct {
	// Latency is labelled by operation and status.
	Latency *prometheus.HistogramVec

	// RequestsTotal is labelled by operation and status.
	RequestsTotal *prometheus.CounterVec
}

// NewObjectStoreMetrics creates object store metrics on the default registry.
func NewObjectStoreMetrics() *ObjectStoreMetrics {
	return NewObjectStoreMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewObjectStoreMetricsWithRegistry creates object store metrics on reg.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	m := &ObjectStoreMetrics{
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autoprune",
				Subsystem: "objectstore",
				Name:      "operation_latency_seconds",
				Help:      "Object store operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autoprune",
				Subsystem: "objectstore",
				Name:      "operations_total",
				Help:      "Object store operations.",
			},
			[]string{"operation", "status"},
		),
	}
	reg.MustRegister(m.Latency, m.RequestsTotal)
	return m
}

// RecordOperation records one call.
func (m *ObjectStoreMetrics) RecordOperation(op string, durationSeconds float64, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.Latency.WithLabelValues(op, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(op, status).Inc()
}
