package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// TriggerConfig holds the cron specs driving the engine
type TriggerConfig struct {
	RunDueSpec      string
	RecurringSpec   string
	StaleClaimAfter time.Duration
}

// Trigger invokes the engine periodically and forwards outcomes to the notifier
type Trigger struct {
	logger   *zap.Logger
	service  Service
	notifier Notifier
	config   TriggerConfig
	cron     *cron.Cron

	mu     sync.Mutex
	cancel context.CancelFunc
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewTrigger creates a new trigger
func NewTrigger(service Service, notifier Notifier, config TriggerConfig, logger *zap.Logger) *Trigger {
	if config.RunDueSpec == "" {
		config.RunDueSpec = DefaultRunDueSpec
	}
	if config.RecurringSpec == "" {
		config.RecurringSpec = DefaultRecurringSpec
	}
	if config.StaleClaimAfter <= 0 {
		config.StaleClaimAfter = DefaultStaleClaimAfter
	}

	logger = logger.Named("trigger")
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	return &Trigger{
		logger:   logger,
		service:  service,
		notifier: notifier,
		config:   config,
		cron:     cron.New(cronOptions...),
	}
}

// Start registers the periodic jobs and starts the cron loop
func (t *Trigger) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if _, err := t.cron.AddFunc(t.config.RunDueSpec, func() {
		if err := t.RunDue(ctx); err != nil {
			t.logger.Error("Run of due tasks failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid run_due_spec %q: %w", t.config.RunDueSpec, err)
	}

	if _, err := t.cron.AddFunc(t.config.RecurringSpec, func() {
		if err := t.Materialize(ctx); err != nil {
			t.logger.Error("Recurring task generation failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid recurring_spec %q: %w", t.config.RecurringSpec, err)
	}

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.cron.Start()
	t.logger.Info("Trigger started",
		zap.String("run_due_spec", t.config.RunDueSpec),
		zap.String("recurring_spec", t.config.RecurringSpec))
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish
func (t *Trigger) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	t.logger.Info("Trigger stopped")
}

// RunDue releases stale claims, runs due tasks and notifies each owner
func (t *Trigger) RunDue(ctx context.Context) error {
	if _, err := t.service.RecoverStaleClaims(ctx, t.config.StaleClaimAfter); err != nil {
		t.logger.Warn("Failed to recover stale claims", zap.Error(err))
	}

	results, err := t.service.RunDueTasks(ctx)
	if err != nil {
		return err
	}

	for _, result := range results {
		if !result.Task.Status.IsTerminal() {
			// released or unresolved claims run again later
			continue
		}
		event := model.NewTaskEvent(result.Task, time.Now())
		if err := t.notifier.Notify(ctx, event); err != nil {
			t.logger.Error("Failed to notify task outcome",
				zap.String("task_id", result.Task.ID),
				zap.Error(err))
		}
	}
	return nil
}

// Materialize runs the daily recurrence sweep
func (t *Trigger) Materialize(ctx context.Context) error {
	_, err := t.service.GenerateRecurringTasks(ctx)
	return err
}
