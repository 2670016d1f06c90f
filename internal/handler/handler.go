package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// Handler executes the domain work of one task type
type Handler interface {
	// Type returns the task type the handler serves
	Type() model.TaskType

	// Handle performs the work. Validation failures are reported as
	// model.ErrInvalidPayload, downstream failures as *model.HandlerError.
	Handle(ctx context.Context, task *model.ScheduledTask) error
}

// Registry maps task types to handlers. It is fixed after construction.
type Registry struct {
	handlers map[model.TaskType]Handler
}

// NewRegistry builds a registry from the given handlers.
// It panics on a nil handler or a duplicate task type.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[model.TaskType]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			panic("handler: nil handler")
		}
		if _, exists := r.handlers[h.Type()]; exists {
			panic(fmt.Sprintf("handler: duplicate handler for task type %q", h.Type()))
		}
		r.handlers[h.Type()] = h
	}
	return r
}

// Lookup returns the handler registered for taskType
func (r *Registry) Lookup(taskType model.TaskType) (Handler, error) {
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownTaskType, taskType)
	}
	return h, nil
}

// Types returns the registered task types in sorted order
func (r *Registry) Types() []model.TaskType {
	types := make([]model.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.InvalidPayload("malformed payload: %v", err)
	}
	return nil
}
