package ports

import "time"

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordRunCreated()
	RecordRunCompleted(status string, duration time.Duration)
	RecordJobScheduled(stage string)
	RecordJobCompleted(stage, status string, duration time.Duration)
	RecordResolvedConfiguration(outcome string)
	RecordMessageSent(endpoint string)
	RecordWorkerPoolStatus(stage string, idle, busy, stopped int)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordRunCreated()                                {}
func (NopMetrics) RecordRunCompleted(string, time.Duration)         {}
func (NopMetrics) RecordJobScheduled(string)                        {}
func (NopMetrics) RecordJobCompleted(string, string, time.Duration) {}
func (NopMetrics) RecordResolvedConfiguration(string)               {}
func (NopMetrics) RecordMessageSent(string)                         {}
func (NopMetrics) RecordWorkerPoolStatus(string, int, int, int)     {}
