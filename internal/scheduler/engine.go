package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/handler"
	"github.com/t77yq/listing-scheduler/internal/model"
	"github.com/t77yq/listing-scheduler/internal/recurrence"
	"github.com/t77yq/listing-scheduler/internal/storage"
)

// EngineConfig holds the tunables of the engine
type EngineConfig struct {
	HandlerTimeout time.Duration
	MaxConcurrency int
	// InstanceID prefixes claim tokens so claims can be traced to a process
	InstanceID string
	Now        func() time.Time
}

// Engine discovers due tasks, executes them through the handler registry and
// chains recurring tasks
type Engine struct {
	logger   *zap.Logger
	store    storage.TaskStore
	registry *handler.Registry
	resolver *recurrence.Resolver
	config   EngineConfig
}

// NewEngine creates a new scheduling engine
func NewEngine(store storage.TaskStore, registry *handler.Registry, resolver *recurrence.Resolver, config EngineConfig, logger *zap.Logger) *Engine {
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultHandlerTimeout
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.InstanceID == "" {
		host, _ := os.Hostname()
		config.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Engine{
		logger:   logger.Named("engine"),
		store:    store,
		registry: registry,
		resolver: resolver,
		config:   config,
	}
}

// ScheduleTask implements Service.ScheduleTask
func (e *Engine) ScheduleTask(ctx context.Context, task model.NewTask) (*model.ScheduledTask, error) {
	task.OwnerID = strings.TrimSpace(task.OwnerID)
	if task.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", model.ErrInvalidTask)
	}
	if task.TaskType == "" {
		return nil, fmt.Errorf("%w: task_type is required", model.ErrInvalidTask)
	}
	if task.ScheduledTime.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_time is required", model.ErrInvalidTask)
	}
	if task.Timezone != "" {
		loc, err := time.LoadLocation(task.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", model.ErrInvalidTask, task.Timezone)
		}
		task.ScheduledTime = task.ScheduledTime.In(loc)
	}

	if len(task.Payload) == 0 {
		task.Payload = json.RawMessage("{}")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(task.Payload, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", model.ErrInvalidTask)
	}

	task.RecurrenceRule = strings.TrimSpace(task.RecurrenceRule)
	if task.RecurrenceRule != "" {
		if err := e.resolver.Validate(task.RecurrenceRule); err != nil {
			return nil, err
		}
	}

	created, err := e.store.Create(ctx, task)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Task scheduled",
		zap.String("task_id", created.ID),
		zap.String("owner_id", created.OwnerID),
		zap.String("task_type", string(created.TaskType)),
		zap.Time("scheduled_time", created.ScheduledTime),
		zap.String("recurrence_rule", created.RecurrenceRule))
	return created, nil
}

// CancelTask implements Service.CancelTask. It returns model.ErrNotFound,
// model.ErrNotOwner or model.ErrInvalidStateTransition when the task cannot be cancelled.
func (e *Engine) CancelTask(ctx context.Context, taskID, requester string) (*model.ScheduledTask, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != requester {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotOwner, taskID)
	}
	if task.Status != model.TaskStatusPending {
		return nil, fmt.Errorf("%w: task %s is %s", model.ErrInvalidStateTransition, taskID, task.Status)
	}

	from := model.TaskStatusPending
	to := model.TaskStatusCancelled
	cancelled, err := e.store.Update(ctx, taskID, model.TaskPatch{FromStatus: &from, Status: &to})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Task cancelled",
		zap.String("task_id", taskID),
		zap.String("owner_id", requester))
	return cancelled, nil
}

// RunDueTasks implements Service.RunDueTasks. A claim failure aborts the run;
// per-task failures are reported in the results.
func (e *Engine) RunDueTasks(ctx context.Context) ([]RunResult, error) {
	claimant := fmt.Sprintf("%s:%s", e.config.InstanceID, uuid.New().String())
	tasks, err := e.store.ClaimDue(ctx, e.config.Now(), claimant)
	if err != nil {
		e.logger.Error("Failed to claim due tasks", zap.Error(err))
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	e.logger.Info("Claimed due tasks",
		zap.String("claimant", claimant),
		zap.Int("count", len(tasks)))

	results := make([]RunResult, len(tasks))
	sem := make(chan struct{}, e.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, task := range tasks {
		if !acquire(ctx, sem) {
			// the run was cancelled before this task started
			results[i] = e.release(ctx, task, claimant)
			continue
		}
		wg.Add(1)
		go func(i int, task *model.ScheduledTask) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Task processing panicked",
						zap.String("task_id", task.ID),
						zap.Any("panic", r))
					results[i] = RunResult{Task: task, StoreErr: fmt.Errorf("task processing panicked: %v", r)}
				}
			}()
			results[i] = e.processTask(ctx, task, claimant)
		}(i, task)
	}
	wg.Wait()

	return results, nil
}

func acquire(ctx context.Context, sem chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// release returns a claimed task that never started to pending
func (e *Engine) release(ctx context.Context, task *model.ScheduledTask, claimant string) RunResult {
	from := model.TaskStatusExecuting
	to := model.TaskStatusPending
	released, err := e.store.Update(context.WithoutCancel(ctx), task.ID, model.TaskPatch{
		FromStatus: &from,
		ClaimedBy:  claimant,
		Status:     &to,
	})
	if err != nil {
		e.logger.Warn("Failed to release task claim",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return RunResult{Task: task, StoreErr: err}
	}

	e.logger.Info("Task claim released",
		zap.String("task_id", task.ID))
	return RunResult{Task: released}
}

// processTask executes one claimed task, records its outcome and chains its recurrence
func (e *Engine) processTask(ctx context.Context, task *model.ScheduledTask, claimant string) RunResult {
	result := RunResult{Task: task}
	// once started, a task runs to resolution even if the run is cancelled
	ctx = context.WithoutCancel(ctx)

	// the task may have waited for a slot long enough to be recovered by another runner
	if err := e.store.RenewClaim(ctx, task.ID, claimant); err != nil {
		e.logger.Warn("Skipping task without a live claim",
			zap.String("task_id", task.ID),
			zap.Error(err))
		result.StoreErr = err
		return result
	}

	result.Err = e.execute(ctx, task)

	status := model.TaskStatusExecuted
	logText := logExecutedSuccessfully
	errMsg := ""
	if result.Err != nil {
		status = model.TaskStatusFailed
		errMsg = result.Err.Error()
		logText = errMsg
	}

	from := model.TaskStatusExecuting
	executedAt := e.config.Now()
	resolved, err := e.store.Resolve(ctx, task.ID, model.TaskPatch{
		FromStatus:   &from,
		ClaimedBy:    claimant,
		Status:       &status,
		ExecutedAt:   &executedAt,
		ErrorMessage: &errMsg,
	}, &model.TaskExecutionLog{
		Status:     status,
		Log:        logText,
		ExecutedAt: executedAt,
	})
	if errors.Is(err, model.ErrClaimLost) {
		e.logger.Warn("Task claim lost before resolution",
			zap.String("task_id", task.ID),
			zap.Error(err))
		result.StoreErr = err
		return result
	}
	if err != nil {
		e.logger.Error("Failed to resolve task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		result.StoreErr = err
	} else {
		result.Task = resolved
	}

	if result.Err != nil {
		e.logger.Warn("Task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.TaskType)),
			zap.Error(result.Err))
	} else {
		e.logger.Info("Task executed",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.TaskType)))
	}

	// recurrence chaining proceeds regardless of this occurrence's outcome
	child, _, err := e.chain(ctx, task)
	if err != nil {
		e.logger.Error("Failed to chain recurrence",
			zap.String("task_id", task.ID),
			zap.Error(err))
		result.StoreErr = errors.Join(result.StoreErr, err)
	}
	result.Child = child

	return result
}

// execute runs the task's handler under the handler timeout. The handler is
// not interrupted when ctx is cancelled. Panics and timeouts are converted to errors.
func (e *Engine) execute(ctx context.Context, task *model.ScheduledTask) error {
	h, err := e.registry.Lookup(task.TaskType)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.HandlerTimeout)
	defer cancel()

	snapshot := *task
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.NewHandlerError(task.TaskType, fmt.Errorf("panic: %v", r))
			}
		}()
		done <- h.Handle(runCtx, &snapshot)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return e.timeoutError(task)
		}
		return err
	case <-runCtx.Done():
		return e.timeoutError(task)
	}
}

func (e *Engine) timeoutError(task *model.ScheduledTask) error {
	return fmt.Errorf("%w: %s exceeded %s", model.ErrHandlerTimeout, task.TaskType, e.config.HandlerTimeout)
}

// chain materialises the next occurrence of the recurrence chain the task belongs to.
// It returns the child and whether this call created it.
func (e *Engine) chain(ctx context.Context, task *model.ScheduledTask) (*model.ScheduledTask, bool, error) {
	template, err := e.recurrenceOrigin(ctx, task)
	if err != nil || template == nil {
		return nil, false, err
	}
	return e.materializeNext(ctx, template)
}

// recurrenceOrigin returns the template a task chains from: the task itself
// when it carries a rule, otherwise its parent while the parent is still an
// active template.
func (e *Engine) recurrenceOrigin(ctx context.Context, task *model.ScheduledTask) (*model.ScheduledTask, error) {
	if task.IsRecurring() {
		return task, nil
	}
	if task.ParentTaskID == "" {
		return nil, nil
	}

	parent, err := e.store.Get(ctx, task.ParentTaskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load template %s: %w", task.ParentTaskID, err)
	}
	if !parent.IsRecurring() || parent.Status == model.TaskStatusCancelled {
		return nil, nil
	}
	return parent, nil
}

// materializeNext creates the template's next occurrence unless it already exists
func (e *Engine) materializeNext(ctx context.Context, template *model.ScheduledTask) (*model.ScheduledTask, bool, error) {
	after := e.config.Now()
	if template.ScheduledTime.After(after) {
		// the template itself is the first occurrence
		after = template.ScheduledTime
	}

	next, ok, err := e.resolver.Next(template.RecurrenceRule, template.ScheduledTime, after)
	if err != nil {
		return nil, false, fmt.Errorf("template %s: %w", template.ID, err)
	}
	if !ok {
		e.logger.Debug("Recurrence exhausted", zap.String("template_id", template.ID))
		return nil, false, nil
	}

	existing, err := e.store.GetByParentAndOccurrence(ctx, template.ID, next)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, err
	}

	child, err := e.store.Create(ctx, model.NewTask{
		OwnerID:       template.OwnerID,
		TaskType:      template.TaskType,
		ScheduledTime: next,
		Timezone:      template.Timezone,
		Payload:       template.Payload,
		ParentTaskID:  template.ID,
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicateOccurrence) {
			existing, getErr := e.store.GetByParentAndOccurrence(ctx, template.ID, next)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	e.logger.Info("Materialized next occurrence",
		zap.String("template_id", template.ID),
		zap.String("task_id", child.ID),
		zap.Time("scheduled_time", child.ScheduledTime))
	return child, true, nil
}

// GenerateRecurringTasks implements Service.GenerateRecurringTasks. A failing
// template is logged and skipped.
func (e *Engine) GenerateRecurringTasks(ctx context.Context) (int, error) {
	templates, err := e.store.ListRecurring(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list recurring tasks: %w", err)
	}

	created := 0
	for _, template := range templates {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		_, ok, err := e.materializeNext(ctx, template)
		if err != nil {
			e.logger.Error("Failed to materialize occurrence",
				zap.String("template_id", template.ID),
				zap.Error(err))
			continue
		}
		if ok {
			created++
		}
	}

	e.logger.Info("Recurring tasks generated",
		zap.Int("templates", len(templates)),
		zap.Int("created", created))
	return created, nil
}

// RecoverStaleClaims implements Service.RecoverStaleClaims
func (e *Engine) RecoverStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.store.RecoverStale(ctx, e.config.Now().Add(-olderThan))
}

// ListTasks implements Service.ListTasks
func (e *Engine) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.ScheduledTask, error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidTask, status)
		}
	}
	return e.store.List(ctx, filter)
}

// GetTask implements Service.GetTask
func (e *Engine) GetTask(ctx context.Context, taskID, requester string) (*model.ScheduledTask, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != requester {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotOwner, taskID)
	}
	return task, nil
}

// ExecutionLogs implements Service.ExecutionLogs
func (e *Engine) ExecutionLogs(ctx context.Context, taskID string) ([]*model.TaskExecutionLog, error) {
	return e.store.ListExecutionLogs(ctx, taskID)
}
