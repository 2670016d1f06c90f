package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.TaskEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event model.TaskEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []model.TaskEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.TaskEvent(nil), n.events...)
}

func TestTrigger_RunDueNotifiesOwners(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, EngineConfig{})
	notifier := &recordingNotifier{}
	trigger := NewTrigger(e, notifier, TriggerConfig{}, zap.NewNop())

	ok := schedule(t, e, model.NewTask{OwnerID: "user-a", ScheduledTime: time.Now().Add(-time.Second)})
	bad := schedule(t, e, model.NewTask{
		OwnerID:       "user-b",
		TaskType:      model.TaskTypeProductDescriptionUpdate,
		ScheduledTime: time.Now().Add(-time.Second),
		Payload:       json.RawMessage(`{}`),
	})

	require.NoError(t, trigger.RunDue(context.Background()))

	events := notifier.Events()
	require.Len(t, events, 2)
	byTask := map[string]model.TaskEvent{}
	for _, ev := range events {
		byTask[ev.TaskID] = ev
	}

	assert.Equal(t, model.EventTaskSucceeded, byTask[ok.ID].EventType)
	assert.Equal(t, "user-a", byTask[ok.ID].UserID)
	assert.Equal(t, model.TaskStatusExecuted, byTask[ok.ID].Status)
	assert.Equal(t, model.SubjectTaskSucceeded, byTask[ok.ID].Subject())

	assert.Equal(t, model.EventTaskFailed, byTask[bad.ID].EventType)
	assert.Equal(t, "user-b", byTask[bad.ID].UserID)
	assert.Equal(t, model.TaskTypeProductDescriptionUpdate, byTask[bad.ID].TaskType)
	assert.Contains(t, byTask[bad.ID].Error, "product_id")
}

func TestTrigger_NotifyFailureDoesNotAbortRun(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, EngineConfig{})
	notifier := &recordingNotifier{err: errors.New("sink down")}
	trigger := NewTrigger(e, notifier, TriggerConfig{}, zap.NewNop())

	schedule(t, e, model.NewTask{ScheduledTime: time.Now().Add(-time.Second)})
	schedule(t, e, model.NewTask{ScheduledTime: time.Now().Add(-time.Second)})

	require.NoError(t, trigger.RunDue(context.Background()))
	assert.Len(t, notifier.Events(), 2)
}

func TestTrigger_RunDueRecoversStaleClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(t, EngineConfig{})
	notifier := &recordingNotifier{}

	task := schedule(t, e, model.NewTask{ScheduledTime: time.Now().Add(-time.Minute)})
	_, err := f.store.ClaimDue(ctx, time.Now(), "crashed-instance:1")
	require.NoError(t, err)

	// a zero-age threshold treats every existing claim as stale
	trigger := NewTrigger(e, notifier, TriggerConfig{StaleClaimAfter: time.Nanosecond}, zap.NewNop())
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, trigger.RunDue(ctx))

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, task.ID, events[0].TaskID)
	assert.Equal(t, model.EventTaskSucceeded, events[0].EventType)
}

func TestTrigger_StartStop(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, EngineConfig{})
	notifier := &recordingNotifier{}

	schedule(t, e, model.NewTask{ScheduledTime: time.Now().Add(-time.Second)})

	trigger := NewTrigger(e, notifier, TriggerConfig{RunDueSpec: "@every 1s"}, zap.NewNop())
	require.NoError(t, trigger.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, 5*time.Second, 50*time.Millisecond)
	trigger.Stop()
}

func TestTrigger_InvalidSpec(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, EngineConfig{})

	trigger := NewTrigger(e, &recordingNotifier{}, TriggerConfig{RunDueSpec: "not a spec"}, zap.NewNop())
	require.Error(t, trigger.Start(context.Background()))
}
