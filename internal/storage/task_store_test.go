package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

func newTestDB(t *testing.T) *SQLiteTaskStore {
	t.Helper()

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteTaskStore(zap.NewNop(), db)
	require.NoError(t, err)
	return store
}

func statusPtr(s model.TaskStatus) *model.TaskStatus { return &s }

func createTask(t *testing.T, store *SQLiteTaskStore, owner string, at time.Time) *model.ScheduledTask {
	t.Helper()

	task, err := store.Create(context.Background(), model.NewTask{
		OwnerID:       owner,
		TaskType:      model.TaskTypeProductDescriptionUpdate,
		ScheduledTime: at,
		Payload:       json.RawMessage(`{"product_id":1,"new_description":"x"}`),
	})
	require.NoError(t, err)
	return task
}

func TestSQLiteTaskStore_CreateAndGet(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	created, err := store.Create(ctx, model.NewTask{
		OwnerID:        "user-1",
		TaskType:       model.TaskTypeABTestRotation,
		ScheduledTime:  at,
		Timezone:       "Europe/Berlin",
		Payload:        json.RawMessage(`{"ab_test_id":"t1","user_id":"user-1","nested":{"k":[1,2]}}`),
		RecurrenceRule: "FREQ=DAILY",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, model.TaskStatusPending, created.Status)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, model.TaskTypeABTestRotation, got.TaskType)
	assert.True(t, at.Equal(got.ScheduledTime))
	assert.Equal(t, "Europe/Berlin", got.ScheduledTime.Location().String())
	assert.JSONEq(t, `{"ab_test_id":"t1","user_id":"user-1","nested":{"k":[1,2]}}`, string(got.Payload))
	assert.Equal(t, "FREQ=DAILY", got.RecurrenceRule)
	assert.Nil(t, got.ExecutedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.ParentTaskID)
}

func TestSQLiteTaskStore_GetNotFound(t *testing.T) {
	store := newTestDB(t)

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteTaskStore_EmptyPayloadStoredAsObject(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	created, err := store.Create(ctx, model.NewTask{
		OwnerID:       "user-1",
		TaskType:      model.TaskTypeProductDescriptionUpdate,
		ScheduledTime: time.Now(),
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Payload))
}

func TestSQLiteTaskStore_GetDue(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	past := createTask(t, store, "user-1", now.Add(-time.Hour))
	exact := createTask(t, store, "user-1", now)
	createTask(t, store, "user-1", now.Add(time.Hour))

	cancelled := createTask(t, store, "user-1", now.Add(-2*time.Hour))
	_, err := store.Update(ctx, cancelled.ID, model.TaskPatch{Status: statusPtr(model.TaskStatusCancelled)})
	require.NoError(t, err)

	due, err := store.GetDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, past.ID, due[0].ID)
	assert.Equal(t, exact.ID, due[1].ID)
}

func TestSQLiteTaskStore_ClaimDue(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	due := createTask(t, store, "user-1", now.Add(-time.Minute))
	future := createTask(t, store, "user-1", now.Add(time.Hour))

	claimed, err := store.ClaimDue(ctx, now, "runner-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, model.TaskStatusExecuting, claimed[0].Status)
	assert.Equal(t, "runner-a", claimed[0].ClaimedBy)
	require.NotNil(t, claimed[0].ClaimedAt)

	again, err := store.ClaimDue(ctx, now, "runner-b")
	require.NoError(t, err)
	assert.Empty(t, again)

	untouched, err := store.Get(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, untouched.Status)
}

func TestSQLiteTaskStore_ClaimDueConcurrent(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 20; i++ {
		createTask(t, store, "user-1", now.Add(-time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			claimed, err := store.ClaimDue(ctx, now, "runner-"+string(rune('a'+r)))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, task := range claimed {
				seen[task.ID]++
			}
		}(r)
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestSQLiteTaskStore_UpdateConditional(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "user-1", time.Now().Add(time.Hour))

	updated, err := store.Update(ctx, task.ID, model.TaskPatch{
		FromStatus: statusPtr(model.TaskStatusPending),
		Status:     statusPtr(model.TaskStatusCancelled),
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, updated.Status)

	_, err = store.Update(ctx, task.ID, model.TaskPatch{
		FromStatus: statusPtr(model.TaskStatusPending),
		Status:     statusPtr(model.TaskStatusCancelled),
	})
	require.ErrorIs(t, err, model.ErrInvalidStateTransition)

	_, err = store.Update(ctx, "missing", model.TaskPatch{
		FromStatus: statusPtr(model.TaskStatusPending),
		Status:     statusPtr(model.TaskStatusCancelled),
	})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteTaskStore_Resolve(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	createTask(t, store, "user-1", now.Add(-time.Minute))

	claimed, err := store.ClaimDue(ctx, now, "runner-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	msg := "product_id is required"
	executedAt := now.Add(time.Second)
	resolved, err := store.Resolve(ctx, claimed[0].ID, model.TaskPatch{
		FromStatus:   statusPtr(model.TaskStatusExecuting),
		Status:       statusPtr(model.TaskStatusFailed),
		ExecutedAt:   &executedAt,
		ErrorMessage: &msg,
	}, &model.TaskExecutionLog{Status: model.TaskStatusFailed, Log: msg})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, resolved.Status)
	assert.Equal(t, msg, resolved.ErrorMessage)
	require.NotNil(t, resolved.ExecutedAt)
	assert.True(t, executedAt.Equal(*resolved.ExecutedAt))
	assert.Empty(t, resolved.ClaimedBy)

	logs, err := store.ListExecutionLogs(ctx, resolved.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.TaskStatusFailed, logs[0].Status)
	assert.Equal(t, msg, logs[0].Log)

	// A second resolution of the same claim is rejected and logs nothing.
	_, err = store.Resolve(ctx, resolved.ID, model.TaskPatch{
		FromStatus: statusPtr(model.TaskStatusExecuting),
		Status:     statusPtr(model.TaskStatusExecuted),
	}, &model.TaskExecutionLog{Status: model.TaskStatusExecuted, Log: "executed successfully"})
	require.ErrorIs(t, err, model.ErrInvalidStateTransition)

	logs, err = store.ListExecutionLogs(ctx, resolved.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSQLiteTaskStore_AppendExecutionLog(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "user-1", time.Now())

	require.NoError(t, store.AppendExecutionLog(ctx, &model.TaskExecutionLog{
		TaskID: task.ID,
		Status: model.TaskStatusExecuted,
		Log:    "first",
	}))
	require.NoError(t, store.AppendExecutionLog(ctx, &model.TaskExecutionLog{
		TaskID:     task.ID,
		Status:     model.TaskStatusFailed,
		Log:        "second",
		ExecutedAt: time.Now().Add(time.Minute),
	}))

	logs, err := store.ListExecutionLogs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Log)
	assert.Equal(t, "second", logs[1].Log)
	assert.NotEmpty(t, logs[0].ID)
}

func TestSQLiteTaskStore_Occurrences(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	parent, err := store.Create(ctx, model.NewTask{
		OwnerID:        "user-1",
		TaskType:       model.TaskTypeProductDescriptionUpdate,
		ScheduledTime:  at,
		RecurrenceRule: "FREQ=DAILY",
	})
	require.NoError(t, err)

	next := at.Add(24 * time.Hour)
	child, err := store.Create(ctx, model.NewTask{
		OwnerID:       "user-1",
		TaskType:      model.TaskTypeProductDescriptionUpdate,
		ScheduledTime: next,
		ParentTaskID:  parent.ID,
	})
	require.NoError(t, err)

	found, err := store.GetByParentAndOccurrence(ctx, parent.ID, next)
	require.NoError(t, err)
	assert.Equal(t, child.ID, found.ID)

	_, err = store.Create(ctx, model.NewTask{
		OwnerID:       "user-1",
		TaskType:      model.TaskTypeProductDescriptionUpdate,
		ScheduledTime: next,
		ParentTaskID:  parent.ID,
	})
	require.ErrorIs(t, err, model.ErrDuplicateOccurrence)

	_, err = store.GetByParentAndOccurrence(ctx, parent.ID, next.Add(24*time.Hour))
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteTaskStore_List(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	a1 := createTask(t, store, "user-a", base)
	a2 := createTask(t, store, "user-a", base.Add(time.Hour))
	createTask(t, store, "user-b", base)
	_, err := store.Update(ctx, a2.ID, model.TaskPatch{Status: statusPtr(model.TaskStatusCancelled)})
	require.NoError(t, err)

	t.Run("by owner", func(t *testing.T) {
		tasks, err := store.List(ctx, model.TaskFilter{OwnerID: "user-a"})
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, a1.ID, tasks[0].ID)
	})

	t.Run("by status", func(t *testing.T) {
		tasks, err := store.List(ctx, model.TaskFilter{
			OwnerID: "user-a",
			Status:  []model.TaskStatus{model.TaskStatusCancelled},
		})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, a2.ID, tasks[0].ID)
	})

	t.Run("by window", func(t *testing.T) {
		from := base.Add(30 * time.Minute)
		tasks, err := store.List(ctx, model.TaskFilter{From: &from})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, a2.ID, tasks[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		tasks, err := store.List(ctx, model.TaskFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})
}

func TestSQLiteTaskStore_ListRecurring(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	at := time.Now()

	template, err := store.Create(ctx, model.NewTask{
		OwnerID:        "user-1",
		TaskType:       model.TaskTypeProductDescriptionUpdate,
		ScheduledTime:  at,
		RecurrenceRule: "FREQ=WEEKLY",
	})
	require.NoError(t, err)
	stopped, err := store.Create(ctx, model.NewTask{
		OwnerID:        "user-1",
		TaskType:       model.TaskTypeProductDescriptionUpdate,
		ScheduledTime:  at,
		RecurrenceRule: "FREQ=DAILY",
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, stopped.ID, model.TaskPatch{Status: statusPtr(model.TaskStatusCancelled)})
	require.NoError(t, err)
	createTask(t, store, "user-1", at)

	tasks, err := store.ListRecurring(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, template.ID, tasks[0].ID)
}

func TestSQLiteTaskStore_RecoverStale(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	task := createTask(t, store, "user-1", now.Add(-time.Minute))

	store.now = func() time.Time { return now.Add(-time.Hour) }
	claimed, err := store.ClaimDue(ctx, now, "crashed-runner")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	store.now = time.Now

	recovered, err := store.RecoverStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)

	recovered, err = store.RecoverStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestSQLiteTaskStore_RenewClaim(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	task := createTask(t, store, "user-1", now.Add(-time.Minute))

	store.now = func() time.Time { return now.Add(-time.Hour) }
	_, err := store.ClaimDue(ctx, now, "runner-a")
	require.NoError(t, err)
	store.now = time.Now

	require.NoError(t, store.RenewClaim(ctx, task.ID, "runner-a"))

	// a renewed claim is no longer stale
	recovered, err := store.RecoverStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, recovered)

	err = store.RenewClaim(ctx, task.ID, "runner-b")
	require.ErrorIs(t, err, model.ErrClaimLost)

	recovered, err = store.RecoverStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	err = store.RenewClaim(ctx, task.ID, "runner-a")
	require.ErrorIs(t, err, model.ErrClaimLost)
}

func TestSQLiteTaskStore_ResolveRequiresClaim(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "user-1", time.Now().Add(-time.Minute))

	_, err := store.ClaimDue(ctx, time.Now(), "runner-a")
	require.NoError(t, err)
	_, err = store.RecoverStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, time.Now(), "runner-b")
	require.NoError(t, err)

	executed := model.TaskStatusExecuted
	patch := model.TaskPatch{
		FromStatus: statusPtr(model.TaskStatusExecuting),
		ClaimedBy:  "runner-a",
		Status:     &executed,
	}
	_, err = store.Resolve(ctx, task.ID, patch, &model.TaskExecutionLog{Status: executed, ExecutedAt: time.Now()})
	require.ErrorIs(t, err, model.ErrClaimLost)

	logs, err := store.ListExecutionLogs(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)

	patch.ClaimedBy = "runner-b"
	resolved, err := store.Resolve(ctx, task.ID, patch, &model.TaskExecutionLog{Status: executed, ExecutedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusExecuted, resolved.Status)
	assert.Empty(t, resolved.ClaimedBy)
}
