package route

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the router's Prometheus instruments. Pass
// prometheus.DefaultRegisterer for the global registry or an isolated
// registry in tests.
type Metrics struct {
	assignments       *prometheus.CounterVec
	rerouted          prometheus.Counter
	queued            prometheus.Counter
	activeAssignments *prometheus.GaugeVec
	queueDepth        *prometheus.GaugeVec
	callDuration      *prometheus.HistogramVec
}

// NewMetrics registers the router instruments.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locallama",
			Subsystem: "router",
			Name:      "assignments_total",
			Help:      "Subtask-to-model assignments, labelled by provider",
		}, []string{"provider"}),
		rerouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "locallama",
			Subsystem: "router",
			Name:      "rerouted_total",
			Help:      "Assignments diverted from the ideal model due to load",
		}),
		queued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "locallama",
			Subsystem: "router",
			Name:      "queued_total",
			Help:      "Subtasks parked in a model's FIFO queue at the hard load cap",
		}),
		activeAssignments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "locallama",
			Subsystem: "router",
			Name:      "active_assignments",
			Help:      "Currently active assignments per model",
		}, []string{"model"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "locallama",
			Subsystem: "router",
			Name:      "queue_depth",
			Help:      "Waiting subtasks per model FIFO queue",
		}, []string{"model"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "locallama",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Observed backend call latency by provider",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
	}
}

// nopMetrics keeps the hot path nil-safe when metrics are disabled.
func nopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
