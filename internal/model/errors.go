package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task or related resource does not exist
	ErrNotFound = errors.New("not found")

	// ErrUnknownTaskType is returned when no handler is registered for a task type
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidPayload is returned by handlers when required payload fields are missing or malformed
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidRecurrenceRule is returned for malformed or unsupported recurrence expressions
	ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")

	// ErrHandlerTimeout is returned when a handler exceeds its execution window
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrInvalidStateTransition is returned when a task is not in a valid source state
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrClaimLost is returned when a runner no longer holds the claim on a task
	ErrClaimLost = errors.New("claim lost")

	// ErrNotOwner is returned when the requester does not own the task
	ErrNotOwner = errors.New("task not owned by requester")

	// ErrHandler classifies downstream failures raised while handling a task
	ErrHandler = errors.New("handler error")

	// ErrDuplicateOccurrence is returned when an occurrence already exists for a template
	ErrDuplicateOccurrence = errors.New("duplicate occurrence")

	// ErrInvalidTask is returned when a task creation request is malformed
	ErrInvalidTask = errors.New("invalid task")
)

// InvalidPayload builds an ErrInvalidPayload describing the offending field
func InvalidPayload(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// HandlerError wraps a domain failure raised by a task handler.
// It matches both ErrHandler and the underlying cause with errors.Is.
type HandlerError struct {
	TaskType TaskType
	Err      error
}

// NewHandlerError wraps err as a HandlerError for the given task type
func NewHandlerError(taskType TaskType, err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{TaskType: taskType, Err: err}
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler failed: %v", e.TaskType, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandler, e.Err}
}
