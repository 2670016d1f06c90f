package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// NATSNotifier publishes task outcome events to the NOTIFICATIONS stream,
// where delivery services pick them up for the task owner
type NATSNotifier struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSNotifier creates a notifier and ensures its stream exists
func NewNATSNotifier(js nats.JetStreamContext, logger *zap.Logger) (*NATSNotifier, error) {
	logger = logger.Named("notifier")
	if err := EnsureStream(js, &nats.StreamConfig{
		Name:     model.NotificationStreamName,
		Subjects: []string{model.NotificationSubjects},
	}, logger); err != nil {
		return nil, err
	}

	return &NATSNotifier{
		js:     js,
		logger: logger,
	}, nil
}

// Notify publishes the event on its subject
func (n *NATSNotifier) Notify(ctx context.Context, event model.TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := n.js.Publish(event.Subject(), data, nats.Context(ctx)); err != nil {
		n.logger.Error("Failed to publish task event",
			zap.String("task_id", event.TaskID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
		return fmt.Errorf("failed to publish task event: %w", err)
	}

	n.logger.Debug("Task event published",
		zap.String("task_id", event.TaskID),
		zap.String("user_id", event.UserID),
		zap.String("event_type", string(event.EventType)))
	return nil
}

// LogNotifier writes task events to the log. It is used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

// Notify logs the event
func (n *LogNotifier) Notify(_ context.Context, event model.TaskEvent) error {
	n.logger.Info("Task event",
		zap.String("user_id", event.UserID),
		zap.String("event_type", string(event.EventType)),
		zap.String("task_id", event.TaskID),
		zap.String("task_type", string(event.TaskType)),
		zap.String("status", string(event.Status)),
		zap.String("error", event.Error))
	return nil
}
