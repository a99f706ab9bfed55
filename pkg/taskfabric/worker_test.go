package taskfabric

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/config"
	"github.com/fluxline/fluxline/pkg/errors"
)

func envelope(t *testing.T, task Task) string {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	return string(data)
}

func TestWorkerRunsEnqueuedTask(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	f.RegisterHandler("monitoring_collection.snapshot", func(ctx context.Context, task *Task) error {
		got.Store(task.ID)
		return nil
	})

	task, err := f.Enqueue(ctx, QueueMonitoring, "monitoring_collection.snapshot", nil)
	require.NoError(t, err)

	w := NewWorker(f, nil, WorkerOptions{Queues: []string{QueueMonitoring}})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		v, _ := got.Load().(string)
		return v == task.ID
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.Counter(ctx, "success", "monitoring_collection.snapshot") == 1
	}, 3*time.Second, 10*time.Millisecond)

	depth, err := f.QueueDepth(ctx, QueueMonitoring)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestProcessAcksFromProcessingList(t *testing.T) {
	f, mr := newTestFabric(t)
	ctx := context.Background()

	f.RegisterHandler("noop", func(ctx context.Context, task *Task) error { return nil })
	w := NewWorker(f, nil, WorkerOptions{Queues: []string{QueueWorkflow}})

	raw := envelope(t, Task{ID: "t1", Name: "noop", Queue: QueueWorkflow})
	key := processingKey(QueueWorkflow, w.id)
	mr.Lpush(key, raw)

	w.process(ctx, QueueWorkflow, raw)

	assert.False(t, mr.Exists(key), "processing list must be empty after late ack")
}

func TestUnknownTaskNameFails(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()
	w := NewWorker(f, nil, WorkerOptions{})

	w.process(ctx, QueueWorkflow, envelope(t, Task{ID: "t1", Name: "nobody", Queue: QueueWorkflow}))

	assert.Equal(t, int64(1), f.Counter(ctx, "failure", "nobody"))
	records, err := f.RecentFailures(ctx, "nobody", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "not_found", records[0]["kind"])
}

func TestNonRetryableErrorGoesToFailureList(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	f.RegisterHandler("analytics_processing.x", func(ctx context.Context, task *Task) error {
		return errors.New(errors.KindValidation, "analytics", "bad input", nil)
	})
	w := NewWorker(f, nil, WorkerOptions{})

	w.process(ctx, QueueAnalytics, envelope(t, Task{ID: "t1", Name: "analytics_processing.x", Queue: QueueAnalytics}))

	assert.Equal(t, int64(1), f.Counter(ctx, "failure", "analytics_processing.x"))
	assert.Equal(t, int64(0), f.Counter(ctx, "retry", "analytics_processing.x"))
}

func TestRetryableErrorIncrementsRetryCounter(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.RegisterHandler("notification_sending.slack", func(ctx context.Context, task *Task) error {
		return errors.New(errors.KindTransient, "notify", "connection reset", nil)
	})
	w := NewWorker(f, nil, WorkerOptions{})

	w.process(ctx, QueueNotifications, envelope(t, Task{ID: "t1", Name: "notification_sending.slack", Queue: QueueNotifications}))
	// stop the pending delayed requeue before it fires
	cancel()

	assert.Equal(t, int64(1), f.Counter(context.Background(), "retry", "notification_sending.slack"))
	assert.Equal(t, int64(0), f.Counter(context.Background(), "failure", "notification_sending.slack"))
}

func TestRetriesExhaustedFails(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	f.RegisterHandler("monitoring_collection.snapshot", func(ctx context.Context, task *Task) error {
		return errors.New(errors.KindTransient, "monitoring", "flaky", nil)
	})
	w := NewWorker(f, nil, WorkerOptions{})

	// monitoring profile allows 2 retries; this envelope already used them
	w.process(ctx, QueueMonitoring, envelope(t, Task{ID: "t1", Name: "monitoring_collection.snapshot", Queue: QueueMonitoring, Attempt: 2}))

	assert.Equal(t, int64(1), f.Counter(ctx, "failure", "monitoring_collection.snapshot"))
}

func TestHardLimitTimesOut(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	f.RegisterHandler("slow", func(ctx context.Context, task *Task) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	w := NewWorker(f, nil, WorkerOptions{HardLimit: 30 * time.Millisecond})

	// already at the default retry ceiling so the timeout lands on the failure path
	w.process(ctx, QueueWorkflow, envelope(t, Task{ID: "t1", Name: "slow", Queue: QueueWorkflow, Attempt: 3}))

	records, err := f.RecentFailures(ctx, "slow", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "timeout", records[0]["kind"])
}

func TestUndecodableEnvelopeDropped(t *testing.T) {
	f, _ := newTestFabric(t)
	w := NewWorker(f, nil, WorkerOptions{})

	w.process(context.Background(), QueueWorkflow, "not json at all")
	// nothing to assert beyond not panicking and no counters moving
	assert.Equal(t, int64(0), f.Counter(context.Background(), "failure", ""))
}

func TestWorkerInitIdempotent(t *testing.T) {
	f, _ := newTestFabric(t)
	w := NewWorker(f, nil, WorkerOptions{})

	require.NoError(t, w.Init(context.Background()))
	require.NoError(t, w.Init(context.Background()))
}

func TestSchedulerEnqueuesOnCadence(t *testing.T) {
	f, _ := newTestFabric(t)

	s, err := NewScheduler(f, []config.ScheduleEntry{
		{Name: "tick", Task: "monitoring_collection.snapshot", Queue: QueueMonitoring, Cron: "@every 20ms"},
	})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		depth, err := f.QueueDepth(context.Background(), QueueMonitoring)
		return err == nil && depth >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	f, _ := newTestFabric(t)

	_, err := NewScheduler(f, []config.ScheduleEntry{
		{Name: "broken", Task: "x", Queue: QueueAnalytics, Cron: "not a cron"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}
