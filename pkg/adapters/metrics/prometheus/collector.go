// Package prometheus exports orchestration metrics to Prometheus.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aescanero/scapipe/internal/ports"
)

var _ ports.MetricsCollector = (*Collector)(nil)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsCreated       prometheus.Counter
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	jobsScheduled     *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	resolvedConfigs   *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	workerPoolIdle    *prometheus.GaugeVec
	workerPoolBusy    *prometheus.GaugeVec
	workerPoolStopped *prometheus.GaugeVec
}

// NewCollector registers the collector's metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		runsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scapipe_runs_created_total",
				Help: "Total number of runs created",
			},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scapipe_runs_completed_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scapipe_run_duration_seconds",
				Help:    "Run duration from creation to terminal status",
				Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 21600},
			},
			[]string{"status"},
		),
		jobsScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scapipe_jobs_scheduled_total",
				Help: "Total number of job dispatches",
			},
			[]string{"stage"},
		),
		jobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scapipe_jobs_completed_total",
				Help: "Total number of jobs that reached a terminal status",
			},
			[]string{"stage", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scapipe_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"stage"},
		),
		resolvedConfigs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scapipe_resolved_configurations_total",
				Help: "Resolved configuration lookups by outcome",
			},
			[]string{"outcome"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scapipe_transport_messages_sent_total",
				Help: "Transport messages sent by endpoint",
			},
			[]string{"endpoint"},
		),
		workerPoolIdle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scapipe_worker_pool_idle",
				Help: "Number of idle workers",
			},
			[]string{"stage"},
		),
		workerPoolBusy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scapipe_worker_pool_busy",
				Help: "Number of busy workers",
			},
			[]string{"stage"},
		),
		workerPoolStopped: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scapipe_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
			[]string{"stage"},
		),
	}
}

// RecordRunCreated counts a new run
func (c *Collector) RecordRunCreated() {
	c.runsCreated.Inc()
}

// RecordRunCompleted counts a run reaching status and observes its duration
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordJobScheduled counts a job dispatch
func (c *Collector) RecordJobScheduled(stage string) {
	c.jobsScheduled.WithLabelValues(stage).Inc()
}

// RecordJobCompleted counts a job reaching status and observes its duration
func (c *Collector) RecordJobCompleted(stage, status string, duration time.Duration) {
	c.jobsCompleted.WithLabelValues(stage, status).Inc()
	c.jobDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordResolvedConfiguration counts a resolved configuration lookup
func (c *Collector) RecordResolvedConfiguration(outcome string) {
	c.resolvedConfigs.WithLabelValues(outcome).Inc()
}

// RecordMessageSent counts a message published to endpoint
func (c *Collector) RecordMessageSent(endpoint string) {
	c.messagesSent.WithLabelValues(endpoint).Inc()
}

// RecordWorkerPoolStatus records the status of the stage's worker pool
func (c *Collector) RecordWorkerPoolStatus(stage string, idle, busy, stopped int) {
	c.workerPoolIdle.WithLabelValues(stage).Set(float64(idle))
	c.workerPoolBusy.WithLabelValues(stage).Set(float64(busy))
	c.workerPoolStopped.WithLabelValues(stage).Set(float64(stopped))
}
