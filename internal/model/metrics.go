package model

import "time"

const (
	MetricsStreamName = "METRICS"
	MetricsSubjects   = "metrics.>"
	SubjectMetrics    = "metrics.scheduler"
)

// TaskTypeStats tallies processed tasks of one type
type TaskTypeStats struct {
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	LastEventAt time.Time `json:"last_event_at"`
}

// SchedulerMetrics is the periodic metrics snapshot
type SchedulerMetrics struct {
	Timestamp   time.Time                  `json:"timestamp"`
	CPUUsage    float64                    `json:"cpu_usage"`
	MemoryUsage float64                    `json:"memory_usage"`
	TaskTypes   map[TaskType]TaskTypeStats `json:"task_types"`
}
