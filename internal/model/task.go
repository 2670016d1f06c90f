package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusExecuting marks a task claimed by a runner. It is never
	// exposed as a final outcome.
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusExecuted  TaskStatus = "executed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusExecuting, TaskStatusExecuted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible for this task instance
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusExecuted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskType selects the handler that executes a task
type TaskType string

const (
	TaskTypeProductDescriptionUpdate TaskType = "product_description_update"
	TaskTypeABTestRotation           TaskType = "ab_test_rotation"
)

// ScheduledTask is one occurrence of a (possibly recurring) unit of work
type ScheduledTask struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	TaskType      TaskType        `json:"task_type"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Timezone      string          `json:"timezone,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        TaskStatus      `json:"status"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`

	// RecurrenceRule makes the task a template: every execution
	// materialises the next occurrence as a child row.
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`

	ClaimedBy string     `json:"-"`
	ClaimedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRecurring reports whether the task is a recurrence template
func (t *ScheduledTask) IsRecurring() bool {
	return t.RecurrenceRule != ""
}

// NewTask holds the fields required to create a task
type NewTask struct {
	OwnerID        string
	TaskType       TaskType
	ScheduledTime  time.Time
	Timezone       string
	Payload        json.RawMessage
	RecurrenceRule string
	ParentTaskID   string
}

// TaskPatch describes a partial update. Nil fields are left untouched.
type TaskPatch struct {
	// FromStatus, when set, makes the update conditional on the current status.
	FromStatus *TaskStatus
	// ClaimedBy, when set, makes the update conditional on the claim token.
	ClaimedBy    string
	Status       *TaskStatus
	ExecutedAt   *time.Time
	ErrorMessage *string
}

// TaskFilter narrows task listings
type TaskFilter struct {
	OwnerID string
	Status  []TaskStatus
	From    *time.Time
	To      *time.Time
	Limit   int
}

// TaskExecutionLog is an append-only record of one execution attempt
type TaskExecutionLog struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Log        string     `json:"log"`
	ExecutedAt time.Time  `json:"executed_at"`
}
