package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// Service defines the operations the scheduling engine exposes to triggers and the API
type Service interface {
	// ScheduleTask validates and persists a new pending task
	ScheduleTask(ctx context.Context, task model.NewTask) (*model.ScheduledTask, error)

	// CancelTask cancels a pending task owned by requester
	CancelTask(ctx context.Context, taskID, requester string) (*model.ScheduledTask, error)

	// RunDueTasks claims and executes every due task
	RunDueTasks(ctx context.Context) ([]RunResult, error)

	// GenerateRecurringTasks materialises the next occurrence of every active template
	GenerateRecurringTasks(ctx context.Context) (int, error)

	// RecoverStaleClaims releases claims older than olderThan back to pending
	RecoverStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// ListTasks retrieves tasks matching the filter
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.ScheduledTask, error)

	// GetTask returns a task owned by requester
	GetTask(ctx context.Context, taskID, requester string) (*model.ScheduledTask, error)

	// ExecutionLogs returns the execution history of a task
	ExecutionLogs(ctx context.Context, taskID string) ([]*model.TaskExecutionLog, error)
}

// Notifier receives an event for every task the engine resolves
type Notifier interface {
	Notify(ctx context.Context, event model.TaskEvent) error
}

// RunResult is the outcome of processing one claimed task
type RunResult struct {
	// Task is the task after resolution or release, or the claimed snapshot
	// when the claim was lost or resolution failed
	Task *model.ScheduledTask
	// Err is the handler outcome; nil means the task executed
	Err error
	// Child is the next occurrence when the task belongs to a recurrence chain
	Child *model.ScheduledTask
	// StoreErr reports a failure to persist the outcome or chain the recurrence
	StoreErr error
}

var _ Service = (*Engine)(nil)
