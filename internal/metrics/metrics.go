// Package metrics exposes the Prometheus collectors ResourcePool and
// WorkerPool report to when a *Metrics is injected. Grounded on
// control_plane/observability/metrics.go, generalized from
// reconciliation-specific names to generic resource-pool ones. A nil
// *Metrics is valid everywhere it's accepted: every recording call site
// in resourcepool and workerpool checks for nil first and then records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the scheduler reports to. Construct
// once per process with New and share across pools (labelled by pool
// name).
type Metrics struct {
	QueueDepth        *prometheus.GaugeVec
	ActiveUnits       *prometheus.GaugeVec
	Saturation        *prometheus.GaugeVec
	Rejections        *prometheus.CounterVec
	AdmissionWait     prometheus.Histogram
	WakeLatency       prometheus.Histogram
	CircuitState      *prometheus.GaugeVec
	WorkerPoolActive  *prometheus.GaugeVec
	WorkerPoolQueued  *prometheus.GaugeVec
	WorkerPoolResults *prometheus.CounterVec
}

// New registers and returns a Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry; pass nil to register against
// prometheus.DefaultRegisterer as main.go does.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkinglot_queue_depth",
			Help: "Current number of parked tasks in a pool's priority queue.",
		}, []string{"pool"}),

		ActiveUnits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkinglot_active_units",
			Help: "Currently reserved resource units.",
		}, []string{"pool"}),

		Saturation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkinglot_worker_saturation",
			Help: "Ratio of active_units to max_units (0.0-1.0).",
		}, []string{"pool"}),

		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkinglot_admission_rejections_total",
			Help: "Submissions rejected by admission control, by reason.",
		}, []string{"pool", "reason"}),

		AdmissionWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkinglot_admission_wait_seconds",
			Help:    "Time a task spent parked before being admitted to run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		WakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkinglot_wake_latency_seconds",
			Help:    "Time between a capacity release and the next wake completing.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkinglot_circuit_state",
			Help: "Admission gate circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"pool"}),

		WorkerPoolActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkinglot_workerpool_active",
			Help: "Currently executing tasks per worker pool.",
		}, []string{"pool"}),

		WorkerPoolQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkinglot_workerpool_queued",
			Help: "Tasks waiting for a free worker.",
		}, []string{"pool"}),

		WorkerPoolResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkinglot_workerpool_results_total",
			Help: "Worker pool task outcomes, by result.",
		}, []string{"pool", "result"}), // result: completed, failed, discarded
	}
}
