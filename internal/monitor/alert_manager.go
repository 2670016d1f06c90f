package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
	"github.com/t77yq/listing-scheduler/internal/service"
)

const defaultFailureThreshold = 3

// AlertManager watches task events and raises an alert when the occurrences
// of a recurring task keep failing
type AlertManager struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	threshold int

	mu      sync.Mutex
	streaks map[string]*failureStreak
	sub     *nats.Subscription
}

type failureStreak struct {
	count   int
	alerted bool
}

// NewAlertManager creates a new alert manager. An alert fires once per streak
// when threshold consecutive occurrences of a chain fail.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext, threshold int) *AlertManager {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &AlertManager{
		logger:    logger.Named("alert-manager"),
		js:        js,
		threshold: threshold,
		streaks:   make(map[string]*failureStreak),
	}
}

// Start ensures the alert stream and subscribes to task events
func (m *AlertManager) Start(ctx context.Context) error {
	if err := service.EnsureStream(m.js, &nats.StreamConfig{
		Name:     model.AlertStreamName,
		Subjects: []string{model.AlertSubjects},
	}, m.logger); err != nil {
		return err
	}
	if err := service.EnsureStream(m.js, &nats.StreamConfig{
		Name:     model.NotificationStreamName,
		Subjects: []string{model.NotificationSubjects},
	}, m.logger); err != nil {
		return err
	}

	sub, err := m.js.Subscribe(model.SubjectTaskEvents, m.handleTaskEvent, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	m.logger.Info("Alert manager started", zap.Int("failure_threshold", m.threshold))
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
		m.sub = nil
	}
}

// Observe folds an event into the failure streak of its recurrence chain and
// returns the alert to raise, if any. One-shot tasks are ignored.
func (m *AlertManager) Observe(event model.TaskEvent) *model.Alert {
	chainID := event.ParentTaskID
	if chainID == "" && event.Recurring {
		chainID = event.TaskID
	}
	if chainID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.EventType == model.EventTaskSucceeded {
		delete(m.streaks, chainID)
		return nil
	}

	streak, ok := m.streaks[chainID]
	if !ok {
		streak = &failureStreak{}
		m.streaks[chainID] = streak
	}
	streak.count++
	if streak.count < m.threshold || streak.alerted {
		return nil
	}
	streak.alerted = true

	return &model.Alert{
		ID:       uuid.New().String(),
		Type:     model.AlertTypeRecurringFailure,
		Severity: model.AlertSeverityCritical,
		Message: fmt.Sprintf("Recurring %s task failed %d times in a row",
			event.TaskType, streak.count),
		OwnerID: event.UserID,
		ChainID: chainID,
		Data: map[string]interface{}{
			"task_id":    event.TaskID,
			"task_type":  string(event.TaskType),
			"last_error": event.Error,
		},
		CreatedAt: time.Now(),
	}
}

// handleTaskEvent handles task outcome events
func (m *AlertManager) handleTaskEvent(msg *nats.Msg) {
	var event model.TaskEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		m.logger.Error("Failed to unmarshal task event", zap.Error(err))
		return
	}

	alert := m.Observe(event)
	if alert == nil {
		return
	}
	if err := m.publish(alert); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("chain_id", alert.ChainID),
			zap.Error(err))
	}
}

// publish publishes an alert
func (m *AlertManager) publish(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := m.js.Publish(alert.Subject(), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	m.logger.Warn("Alert created",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("owner_id", alert.OwnerID),
		zap.String("chain_id", alert.ChainID),
		zap.String("severity", string(alert.Severity)))
	return nil
}
