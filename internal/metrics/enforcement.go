package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeNoop      = "noop"
	OutcomeSkipped   = "skipped"
)

// DefaultRunLatencyBuckets span quick no-op passes to long namespace walks.
var DefaultRunLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600}

// EnforcementMetrics holds metrics for the scheduler and executor.
type EnforcementMetrics struct {
	// RunsTotal counts finished passes. Labels: reason, outcome.
	RunsTotal *prometheus.CounterVec

	// RunLatency tracks pass duration in seconds. Labels: outcome.
	RunLatency *prometheus.HistogramVec

	TagsDeleted       prometheus.Counter
	TagsAlreadyGone   prometheus.Counter
	TagDeleteFailures prometheus.Counter

	RepositoriesProcessed prometheus.Counter
	RepositoryTimeouts    prometheus.Counter

	// TriggersTotal counts enqueue requests. Labels: reason.
	TriggersTotal *prometheus.CounterVec

	// QueueDepth is the number of namespaces waiting for a worker.
	QueueDepth prometheus.Gauge
}

// NewEnforcementMetrics creates enforcement metrics on the default registry.
func NewEnforcementMetrics() *EnforcementMetrics {
	return NewEnforcementMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewEnforcementMetricsWithRegistry creates enforcement metrics on reg.
func NewEnforcementMetricsWithRegistry(reg prometheus.Registerer) *EnforcementMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autoprune",
			Subsystem: "enforcement",
			Name:      name,
			Help:      help,
		})
	}

	m := &EnforcementMetrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autoprune",
				Subsystem: "enforcement",
				Name:      "runs_total",
				Help:      "Enforcement passes by trigger reason and outcome.",
			},
			[]string{"reason", "outcome"},
		),
		RunLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autoprune",
				Subsystem: "enforcement",
				Name:      "run_duration_seconds",
				Help:      "Duration of enforcement passes in seconds.",
				Buckets:   DefaultRunLatencyBuckets,
			},
			[]string{"outcome"},
		),
		TagsDeleted:           counter("tags_deleted_total", "Tags deleted by enforcement."),
		TagsAlreadyGone:       counter("tags_already_gone_total", "Tags selected for deletion that were already gone."),
		TagDeleteFailures:     counter("tag_delete_failures_total", "Tag deletions that failed."),
		RepositoriesProcessed: counter("repositories_processed_total", "Repositories evaluated."),
		RepositoryTimeouts:    counter("repository_timeouts_total", "Repositories skipped after exceeding their time budget."),
		TriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autoprune",
				Subsystem: "enforcement",
				Name:      "triggers_total",
				Help:      "Enforcement requests by reason, including coalesced ones.",
			},
			[]string{"reason"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autoprune",
			Subsystem: "enforcement",
			Name:      "queue_depth",
			Help:      "Namespaces waiting for an enforcement worker.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunLatency,
		m.TagsDeleted,
		m.TagsAlreadyGone,
		m.TagDeleteFailures,
		m.RepositoriesProcessed,
		m.RepositoryTimeouts,
		m.TriggersTotal,
		m.QueueDepth,
	)
	return m
}

// RunStats are the per-pass counts reported by the executor.
type RunStats struct {
	Reason              string
	Outcome             string
	Duration            time.Duration
	Repositories        int
	RepositoriesSkipped int
	TagsDeleted         int
	TagsAlreadyGone     int
	DeleteFailures      int
}

// RecordRun records one finished pass.
func (m *EnforcementMetrics) RecordRun(s RunStats) {
	m.RunsTotal.WithLabelValues(s.Reason, s.Outcome).Inc()
	m.RunLatency.WithLabelValues(s.Outcome).Observe(s.Duration.Seconds())
	m.RepositoriesProcessed.Add(float64(s.Repositories))
	m.RepositoryTimeouts.Add(float64(s.RepositoriesSkipped))
	m.TagsDeleted.Add(float64(s.TagsDeleted))
	m.TagsAlreadyGone.Add(float64(s.TagsAlreadyGone))
	m.TagDeleteFailures.Add(float64(s.DeleteFailures))
}

// RecordTrigger counts an enqueue request.
func (m *EnforcementMetrics) RecordTrigger(reason string) {
	m.TriggersTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *EnforcementMetrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}
