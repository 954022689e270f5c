// Package metrics exposes the manager's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersConnected tracks live worker connections.
	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dworq_workers_connected",
			Help: "Number of workers currently connected to the manager",
		},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dworq_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dworq_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dworq_tasks_completed_total",
			Help: "Total number of tasks completed by result code",
		},
		[]string{"result"},
	)

	TasksResubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dworq_tasks_resubmitted_total",
			Help: "Total number of tasks resubmitted by reason",
		},
		[]string{"reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dworq_scheduling_latency_seconds",
			Help:    "Time taken by a single WaitLoop scheduling pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	WaitLoopTurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dworq_waitloop_turn_duration_seconds",
			Help:    "Time taken by a single WaitLoop turn",
			Buckets: prometheus.DefBuckets,
		},
	)

	CapacityEstimate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dworq_capacity_estimate_tasks",
			Help: "Current estimated task-running capacity",
		},
	)

	WorkerDisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dworq_worker_disconnects_total",
			Help: "Total number of worker disconnects by reason",
		},
		[]string{"reason"},
	)

	KeepaliveTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dworq_keepalive_timeouts_total",
			Help: "Total number of workers removed for missed keepalives",
		},
	)

	FastAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dworq_fast_aborts_total",
			Help: "Total number of tasks killed by the fast-abort mechanism",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksResubmittedTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(WaitLoopTurnDuration)
	prometheus.MustRegister(CapacityEstimate)
	prometheus.MustRegister(WorkerDisconnectsTotal)
	prometheus.MustRegister(KeepaliveTimeoutsTotal)
	prometheus.MustRegister(FastAbortsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
