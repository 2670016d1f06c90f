package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// TaskStore defines the durable storage contract of scheduled tasks and their execution logs
type TaskStore interface {
	// Create persists a new pending task
	Create(ctx context.Context, task model.NewTask) (*model.ScheduledTask, error)

	// Get retrieves a task by ID
	Get(ctx context.Context, id string) (*model.ScheduledTask, error)

	// GetDue returns pending tasks scheduled at or before asOf
	GetDue(ctx context.Context, asOf time.Time) ([]*model.ScheduledTask, error)

	// ClaimDue atomically moves due pending tasks to executing for claimant
	// and returns only the tasks it won
	ClaimDue(ctx context.Context, asOf time.Time, claimant string) ([]*model.ScheduledTask, error)

	// RenewClaim refreshes claimed_at of a task still claimed by claimant
	RenewClaim(ctx context.Context, id, claimant string) error

	// GetByParentAndOccurrence finds the child of parentID scheduled at occurrence
	GetByParentAndOccurrence(ctx context.Context, parentID string, occurrence time.Time) (*model.ScheduledTask, error)

	// Update applies a patch to a task
	Update(ctx context.Context, id string, patch model.TaskPatch) (*model.ScheduledTask, error)

	// AppendExecutionLog appends an execution log entry
	AppendExecutionLog(ctx context.Context, entry *model.TaskExecutionLog) error

	// Resolve applies a patch and appends the execution log in one transaction
	Resolve(ctx context.Context, id string, patch model.TaskPatch, entry *model.TaskExecutionLog) (*model.ScheduledTask, error)

	// List retrieves tasks matching the filter
	List(ctx context.Context, filter model.TaskFilter) ([]*model.ScheduledTask, error)

	// ListRecurring returns recurrence templates that are not cancelled
	ListRecurring(ctx context.Context) ([]*model.ScheduledTask, error)

	// ListExecutionLogs returns the execution logs of a task, oldest first
	ListExecutionLogs(ctx context.Context, taskID string) ([]*model.TaskExecutionLog, error)

	// RecoverStale returns tasks claimed before the cutoff to pending
	RecoverStale(ctx context.Context, claimedBefore time.Time) (int, error)
}

const taskColumns = `id, owner_id, task_type, scheduled_at, timezone, payload, status,
	executed_at, error_message, recurrence_rule, parent_task_id,
	claimed_by, claimed_at, created_at, updated_at`

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// SQLiteTaskStore implements TaskStore using SQLite
type SQLiteTaskStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteTaskStore creates a new SQLite-based task store and ensures its schema
func NewSQLiteTaskStore(logger *zap.Logger, db *sql.DB) (*SQLiteTaskStore, error) {
	store := &SQLiteTaskStore{
		logger: logger.Named("task-store"),
		db:     db,
		now:    time.Now,
	}

	if err := store.initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending','executing','executed','failed','cancelled')),
			executed_at INTEGER,
			error_message TEXT,
			recurrence_rule TEXT,
			parent_task_id TEXT REFERENCES scheduled_tasks(id),
			claimed_by TEXT,
			claimed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_owner ON scheduled_tasks(owner_id, scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_claim ON scheduled_tasks(claimed_by);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_tasks_occurrence
			ON scheduled_tasks(parent_task_id, scheduled_at) WHERE parent_task_id IS NOT NULL;
		CREATE TABLE IF NOT EXISTS task_execution_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
			status TEXT NOT NULL,
			log TEXT NOT NULL,
			executed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_execution_logs_task_id ON task_execution_logs(task_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Create implements TaskStore.Create
func (s *SQLiteTaskStore) Create(ctx context.Context, task model.NewTask) (*model.ScheduledTask, error) {
	now := s.now()
	payload := string(task.Payload)
	if payload == "" {
		payload = "{}"
	}

	created := &model.ScheduledTask{
		ID:             uuid.New().String(),
		OwnerID:        task.OwnerID,
		TaskType:       task.TaskType,
		ScheduledTime:  task.ScheduledTime,
		Timezone:       task.Timezone,
		Payload:        []byte(payload),
		Status:         model.TaskStatusPending,
		RecurrenceRule: task.RecurrenceRule,
		ParentTaskID:   task.ParentTaskID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (
			id, owner_id, task_type, scheduled_at, timezone, payload, status,
			recurrence_rule, parent_task_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID,
		created.OwnerID,
		string(created.TaskType),
		toNanos(created.ScheduledTime),
		created.Timezone,
		payload,
		string(created.Status),
		nullString(created.RecurrenceRule),
		nullString(created.ParentTaskID),
		toNanos(now),
		toNanos(now),
	)
	if err != nil {
		if task.ParentTaskID != "" && isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: parent %s at %s", model.ErrDuplicateOccurrence,
				task.ParentTaskID, task.ScheduledTime.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return created, nil
}

// Get implements TaskStore.Get
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*model.ScheduledTask, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLiteTaskStore) get(ctx context.Context, q queryer, id string) (*model.ScheduledTask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// GetDue implements TaskStore.GetDue
func (s *SQLiteTaskStore) GetDue(ctx context.Context, asOf time.Time) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at, id`,
		string(model.TaskStatusPending), toNanos(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to get due tasks: %w", err)
	}
	return scanTasks(rows)
}

// ClaimDue implements TaskStore.ClaimDue. The conditional UPDATE is the claim:
// a row leaves pending exactly once, so concurrent runners never share a task.
func (s *SQLiteTaskStore) ClaimDue(ctx context.Context, asOf time.Time, claimant string) (tasks []*model.ScheduledTask, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := toNanos(s.now())
	if _, err = tx.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE status = ? AND scheduled_at <= ?`,
		string(model.TaskStatusExecuting), claimant, now, now,
		string(model.TaskStatusPending), toNanos(asOf),
	); err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND claimed_by = ?
		ORDER BY scheduled_at, id`,
		string(model.TaskStatusExecuting), claimant)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed tasks: %w", err)
	}
	if tasks, err = scanTasks(rows); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return tasks, nil
}

// RenewClaim implements TaskStore.RenewClaim. It fails with model.ErrClaimLost
// once the task was recovered, resolved or claimed by another runner.
func (s *SQLiteTaskStore) RenewClaim(ctx context.Context, id, claimant string) error {
	now := toNanos(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		now, now, id, string(model.TaskStatusExecuting), claimant,
	)
	if err != nil {
		return fmt.Errorf("failed to renew claim: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: task %s by %s", model.ErrClaimLost, id, claimant)
	}
	return nil
}

// GetByParentAndOccurrence implements TaskStore.GetByParentAndOccurrence
func (s *SQLiteTaskStore) GetByParentAndOccurrence(ctx context.Context, parentID string, occurrence time.Time) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE parent_task_id = ? AND scheduled_at = ?`,
		parentID, toNanos(occurrence))
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("occurrence of %s: %w", parentID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get occurrence: %w", err)
	}
	return task, nil
}

// Update implements TaskStore.Update
func (s *SQLiteTaskStore) Update(ctx context.Context, id string, patch model.TaskPatch) (task *model.ScheduledTask, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if task, err = s.applyPatch(ctx, tx, id, patch); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return task, nil
}

// AppendExecutionLog implements TaskStore.AppendExecutionLog
func (s *SQLiteTaskStore) AppendExecutionLog(ctx context.Context, entry *model.TaskExecutionLog) error {
	return s.appendLog(ctx, s.db, entry)
}

// Resolve implements TaskStore.Resolve
func (s *SQLiteTaskStore) Resolve(ctx context.Context, id string, patch model.TaskPatch, entry *model.TaskExecutionLog) (task *model.ScheduledTask, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin resolve: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if task, err = s.applyPatch(ctx, tx, id, patch); err != nil {
		return nil, err
	}
	entry.TaskID = id
	if err = s.appendLog(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolve: %w", err)
	}
	return task, nil
}

func (s *SQLiteTaskStore) applyPatch(ctx context.Context, q queryer, id string, patch model.TaskPatch) (*model.ScheduledTask, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{toNanos(s.now())}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
		if *patch.Status != model.TaskStatusExecuting {
			sets = append(sets, "claimed_by = NULL", "claimed_at = NULL")
		}
	}
	if patch.ExecutedAt != nil {
		sets = append(sets, "executed_at = ?")
		args = append(args, toNanos(*patch.ExecutedAt))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullString(*patch.ErrorMessage))
	}

	query := "UPDATE scheduled_tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if patch.FromStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*patch.FromStatus))
	}
	if patch.ClaimedBy != "" {
		query += " AND claimed_by = ?"
		args = append(args, patch.ClaimedBy)
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		current, err := s.get(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if patch.ClaimedBy != "" && current.ClaimedBy != patch.ClaimedBy {
			return nil, fmt.Errorf("%w: task %s by %s", model.ErrClaimLost, id, patch.ClaimedBy)
		}
		if patch.FromStatus == nil {
			return current, nil
		}
		return nil, fmt.Errorf("%w: task %s is %s, expected %s",
			model.ErrInvalidStateTransition, id, current.Status, *patch.FromStatus)
	}
	return s.get(ctx, q, id)
}

func (s *SQLiteTaskStore) appendLog(ctx context.Context, q queryer, entry *model.TaskExecutionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = s.now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO task_execution_logs (id, task_id, status, log, executed_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TaskID,
		string(entry.Status),
		entry.Log,
		toNanos(entry.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// List implements TaskStore.List
func (s *SQLiteTaskStore) List(ctx context.Context, filter model.TaskFilter) ([]*model.ScheduledTask, error) {
	query := "SELECT " + taskColumns + " FROM scheduled_tasks"
	var conds []string
	var args []interface{}

	if filter.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		conds = append(conds, "scheduled_at >= ?")
		args = append(args, toNanos(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "scheduled_at <= ?")
		args = append(args, toNanos(*filter.To))
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListRecurring implements TaskStore.ListRecurring
func (s *SQLiteTaskStore) ListRecurring(ctx context.Context) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE recurrence_rule IS NOT NULL AND recurrence_rule != '' AND status != ?
		ORDER BY scheduled_at, id`,
		string(model.TaskStatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListExecutionLogs implements TaskStore.ListExecutionLogs
func (s *SQLiteTaskStore) ListExecutionLogs(ctx context.Context, taskID string) ([]*model.TaskExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status, log, executed_at
		FROM task_execution_logs
		WHERE task_id = ?
		ORDER BY executed_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.TaskExecutionLog
	for rows.Next() {
		entry := &model.TaskExecutionLog{}
		var status string
		var executedAt int64
		if err := rows.Scan(&entry.ID, &entry.TaskID, &status, &entry.Log, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		entry.Status = model.TaskStatus(status)
		entry.ExecutedAt = fromNanos(executedAt, "")
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return logs, nil
}

// RecoverStale implements TaskStore.RecoverStale
func (s *SQLiteTaskStore) RecoverStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at < ?`,
		string(model.TaskStatusPending), toNanos(s.now()),
		string(model.TaskStatusExecuting), toNanos(claimedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale claims: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Warn("Recovered stale task claims",
			zap.Time("claimed_before", claimedBefore),
			zap.Int64("recovered", affected))
	}
	return int(affected), nil
}

func scanTasks(rows *sql.Rows) ([]*model.ScheduledTask, error) {
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	var taskType, status, payload string
	var scheduledAt, createdAt, updatedAt int64
	var executedAt, claimedAt sql.NullInt64
	var errorMessage, rule, parentID, claimedBy sql.NullString

	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&taskType,
		&scheduledAt,
		&task.Timezone,
		&payload,
		&status,
		&executedAt,
		&errorMessage,
		&rule,
		&parentID,
		&claimedBy,
		&claimedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.TaskType = model.TaskType(taskType)
	task.Status = model.TaskStatus(status)
	task.ScheduledTime = fromNanos(scheduledAt, task.Timezone)
	task.Payload = []byte(payload)
	task.CreatedAt = fromNanos(createdAt, "")
	task.UpdatedAt = fromNanos(updatedAt, "")
	task.ErrorMessage = errorMessage.String
	task.RecurrenceRule = rule.String
	task.ParentTaskID = parentID.String
	task.ClaimedBy = claimedBy.String

	if executedAt.Valid {
		t := fromNanos(executedAt.Int64, task.Timezone)
		task.ExecutedAt = &t
	}
	if claimedAt.Valid {
		t := fromNanos(claimedAt.Int64, "")
		task.ClaimedAt = &t
	}
	return &task, nil
}
