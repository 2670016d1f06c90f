package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
	"github.com/t77yq/listing-scheduler/internal/testutil"
)

func TestNATSNotifier(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	notifier, err := NewNATSNotifier(js, zap.NewNop())
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo(model.NotificationStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{model.NotificationSubjects}, stream.Config.Subjects)

		// a second notifier reuses the stream
		_, err = NewNATSNotifier(js, zap.NewNop())
		require.NoError(t, err)
	})

	t.Run("Publish", func(t *testing.T) {
		executedAt := time.Now()
		succeeded := model.NewTaskEvent(&model.ScheduledTask{
			ID:         "task-1",
			OwnerID:    "user-1",
			TaskType:   model.TaskTypeProductDescriptionUpdate,
			Status:     model.TaskStatusExecuted,
			ExecutedAt: &executedAt,
		}, executedAt)
		failed := model.NewTaskEvent(&model.ScheduledTask{
			ID:           "task-2",
			OwnerID:      "user-2",
			TaskType:     model.TaskTypeABTestRotation,
			Status:       model.TaskStatusFailed,
			ErrorMessage: "invalid payload: ab_test_id is required",
		}, executedAt)

		require.NoError(t, notifier.Notify(context.Background(), succeeded))
		require.NoError(t, notifier.Notify(context.Background(), failed))

		msgs, err := testutil.ConsumeMessages(js, model.SubjectTaskSucceeded, 1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		var got model.TaskEvent
		require.NoError(t, json.Unmarshal(msgs[0], &got))
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, model.EventTaskSucceeded, got.EventType)
		assert.Equal(t, model.TaskStatusExecuted, got.Status)

		msgs, err = testutil.ConsumeMessages(js, model.SubjectTaskFailed, 1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, json.Unmarshal(msgs[0], &got))
		assert.Equal(t, "user-2", got.UserID)
		assert.Equal(t, model.EventTaskFailed, got.EventType)
		assert.Contains(t, got.Error, "ab_test_id")
	})
}

func TestLogNotifier(t *testing.T) {
	notifier := NewLogNotifier(zap.NewNop())
	require.NoError(t, notifier.Notify(context.Background(), model.TaskEvent{TaskID: "t"}))
}
