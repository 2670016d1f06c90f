package model

import "time"

// EventType identifies a task notification
type EventType string

const (
	EventTaskSucceeded EventType = "TaskSucceeded"
	EventTaskFailed    EventType = "TaskFailed"
)

const (
	NotificationStreamName = "NOTIFICATIONS"
	NotificationSubjects   = "notify.>"
	SubjectTaskSucceeded   = "notify.task.succeeded"
	SubjectTaskFailed      = "notify.task.failed"
	SubjectTaskEvents      = "notify.task.*"
)

// TaskEvent is emitted to the notification sink for every processed task
type TaskEvent struct {
	UserID       string     `json:"user_id"`
	EventType    EventType  `json:"event_type"`
	TaskID       string     `json:"task_id"`
	TaskType     TaskType   `json:"task_type"`
	Status       TaskStatus `json:"status"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	Recurring    bool       `json:"recurring,omitempty"`
	Error        string     `json:"error,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// Subject returns the subject the event is published on
func (e TaskEvent) Subject() string {
	if e.EventType == EventTaskSucceeded {
		return SubjectTaskSucceeded
	}
	return SubjectTaskFailed
}

// NewTaskEvent builds the notification for a processed task
func NewTaskEvent(task *ScheduledTask, at time.Time) TaskEvent {
	event := TaskEvent{
		UserID:       task.OwnerID,
		EventType:    EventTaskFailed,
		TaskID:       task.ID,
		TaskType:     task.TaskType,
		Status:       task.Status,
		ParentTaskID: task.ParentTaskID,
		Recurring:    task.IsRecurring(),
		Error:        task.ErrorMessage,
		OccurredAt:   at,
	}
	if task.Status == TaskStatusExecuted {
		event.EventType = EventTaskSucceeded
	}
	return event
}
