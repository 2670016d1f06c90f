package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
	"github.com/t77yq/listing-scheduler/internal/service"
)

// MetricsCollector tallies task outcomes per task type and periodically
// publishes them with host resource usage
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration
	mu       sync.RWMutex
	stats    map[model.TaskType]model.TaskTypeStats
	sub      *nats.Subscription
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		interval: interval,
		stats:    make(map[model.TaskType]model.TaskTypeStats),
		stop:     make(chan struct{}),
	}
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if err := service.EnsureStream(c.js, &nats.StreamConfig{
		Name:     model.MetricsStreamName,
		Subjects: []string{model.MetricsSubjects},
		MaxAge:   24 * time.Hour,
	}, c.logger); err != nil {
		return err
	}
	if err := service.EnsureStream(c.js, &nats.StreamConfig{
		Name:     model.NotificationStreamName,
		Subjects: []string{model.NotificationSubjects},
	}, c.logger); err != nil {
		return err
	}

	sub, err := c.js.Subscribe(model.SubjectTaskEvents, c.handleTaskEvent, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	c.sub = sub

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		close(c.stop)
	})
}

// Record counts one task outcome
func (c *MetricsCollector) Record(event model.TaskEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats[event.TaskType]
	if event.EventType == model.EventTaskSucceeded {
		stats.Succeeded++
	} else {
		stats.Failed++
	}
	stats.LastEventAt = event.OccurredAt
	c.stats[event.TaskType] = stats
}

// Snapshot returns a copy of the per-type tallies
func (c *MetricsCollector) Snapshot() map[model.TaskType]model.TaskTypeStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[model.TaskType]model.TaskTypeStats, len(c.stats))
	for taskType, s := range c.stats {
		stats[taskType] = s
	}
	return stats
}

// handleTaskEvent handles task outcome events
func (c *MetricsCollector) handleTaskEvent(msg *nats.Msg) {
	var event model.TaskEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Error("Failed to unmarshal task event", zap.Error(err))
		return
	}
	c.Record(event)
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.collectMetrics(); err != nil {
				c.logger.Error("Failed to publish metrics", zap.Error(err))
			}
		}
	}
}

// collectMetrics samples host usage and publishes the current snapshot
func (c *MetricsCollector) collectMetrics() error {
	metrics := model.SchedulerMetrics{
		Timestamp: time.Now(),
		TaskTypes: c.Snapshot(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		metrics.MemoryUsage = memInfo.UsedPercent
	}

	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if _, err := c.js.Publish(model.SubjectMetrics, data); err != nil {
		return fmt.Errorf("failed to publish metrics: %w", err)
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int("task_types", len(metrics.TaskTypes)))
	return nil
}
