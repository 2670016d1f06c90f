package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/listing-scheduler/internal/model"
	"github.com/t77yq/listing-scheduler/internal/testutil"
)

func TestMetricsCollector_Record(t *testing.T) {
	collector := NewMetricsCollector(nil, time.Second, zaptest.NewLogger(t))
	at := time.Now()

	collector.Record(model.TaskEvent{TaskType: model.TaskTypeProductDescriptionUpdate, EventType: model.EventTaskSucceeded, OccurredAt: at})
	collector.Record(model.TaskEvent{TaskType: model.TaskTypeProductDescriptionUpdate, EventType: model.EventTaskFailed, OccurredAt: at})
	collector.Record(model.TaskEvent{TaskType: model.TaskTypeABTestRotation, EventType: model.EventTaskSucceeded, OccurredAt: at})

	stats := collector.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[model.TaskTypeProductDescriptionUpdate].Succeeded)
	assert.Equal(t, int64(1), stats[model.TaskTypeProductDescriptionUpdate].Failed)
	assert.Equal(t, int64(1), stats[model.TaskTypeABTestRotation].Succeeded)
	assert.True(t, at.Equal(stats[model.TaskTypeABTestRotation].LastEventAt))
}

func TestMetricsCollector(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	collector := NewMetricsCollector(js, 200*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()

	t.Run("HandleTaskEvents", func(t *testing.T) {
		data, err := json.Marshal(model.TaskEvent{
			TaskType:   model.TaskTypeABTestRotation,
			EventType:  model.EventTaskFailed,
			OccurredAt: time.Now(),
		})
		require.NoError(t, err)
		_, err = js.Publish(model.SubjectTaskFailed, data)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return collector.Snapshot()[model.TaskTypeABTestRotation].Failed == 1
		}, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("CollectMetrics", func(t *testing.T) {
		require.NoError(t, collector.collectMetrics())

		msgs, err := testutil.ConsumeMessages(js, model.SubjectMetrics, 0, time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)

		var metrics model.SchedulerMetrics
		require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &metrics))
		assert.NotZero(t, metrics.Timestamp)
		assert.GreaterOrEqual(t, metrics.CPUUsage, 0.0)
		assert.GreaterOrEqual(t, metrics.MemoryUsage, 0.0)
		assert.Equal(t, int64(1), metrics.TaskTypes[model.TaskTypeABTestRotation].Failed)
	})
}
