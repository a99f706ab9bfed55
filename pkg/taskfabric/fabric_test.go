package taskfabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/kvstore"
)

func newTestFabric(t *testing.T) (*Fabric, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstore.NewWithClient(rdb)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv), mr
}

func TestProfileForPrefixes(t *testing.T) {
	p := ProfileFor("workflow_execution.run")
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 60*time.Second, p.BaseDelay)
	assert.True(t, p.Jitter)

	p = ProfileFor("analytics_processing.aggregate")
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 30*time.Second, p.BaseDelay)
	assert.True(t, p.Backoff)
	assert.False(t, p.Jitter)

	p = ProfileFor("monitoring_collection.snapshot")
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 10*time.Second, p.BaseDelay)
	assert.False(t, p.Backoff)

	p = ProfileFor("notification_sending.slack")
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 5*time.Second, p.BaseDelay)

	p = ProfileFor("something_else")
	assert.Equal(t, defaultProfile, p)
}

func TestRetryDelayBackoff(t *testing.T) {
	backoff := RetryProfile{MaxRetries: 5, BaseDelay: 30 * time.Second, Backoff: true}
	assert.Equal(t, 30*time.Second, backoff.Delay(1))
	assert.Equal(t, 60*time.Second, backoff.Delay(2))
	assert.Equal(t, 120*time.Second, backoff.Delay(3))

	fixed := RetryProfile{MaxRetries: 2, BaseDelay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, fixed.Delay(1))
	assert.Equal(t, 10*time.Second, fixed.Delay(2))

	jittered := RetryProfile{MaxRetries: 3, BaseDelay: 4 * time.Second, Backoff: true, Jitter: true}
	d := jittered.Delay(2)
	assert.GreaterOrEqual(t, d, 8*time.Second)
	assert.Less(t, d, 12*time.Second)
}

func TestRetryableClasses(t *testing.T) {
	assert.True(t, Retryable(errors.New(errors.KindTransient, "t", "io", nil)))
	assert.True(t, Retryable(errors.New(errors.KindRateLimited, "t", "429", nil)))
	assert.True(t, Retryable(errors.New(errors.KindTimeout, "t", "slow", nil)))

	assert.False(t, Retryable(errors.New(errors.KindValidation, "t", "bad", nil)))
	assert.False(t, Retryable(errors.New(errors.KindPermanent, "t", "broken", nil)))
	assert.False(t, Retryable(assert.AnError))
}

func TestEnqueueSerializesEnvelope(t *testing.T) {
	f, mr := newTestFabric(t)
	ctx := context.Background()

	task, err := f.Enqueue(ctx, QueueAnalytics, "analytics_processing.aggregate", map[string]string{"pipeline": "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 0, task.Attempt)

	depth, err := f.QueueDepth(ctx, QueueAnalytics)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	raw, err := mr.Lpop("tasks:analytics")
	require.NoError(t, err)
	var decoded Task
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.JSONEq(t, `{"pipeline":"p1"}`, string(decoded.Payload))
}

func TestFailureRecordsTrimmedAndExpiring(t *testing.T) {
	f, mr := newTestFabric(t)
	ctx := context.Background()

	task := &Task{ID: "t1", Name: "analytics_processing.x", Queue: QueueAnalytics}
	for i := 0; i < failureListCap+20; i++ {
		f.onFailure(ctx, task, time.Millisecond, assert.AnError)
	}

	records, err := f.RecentFailures(ctx, "analytics_processing.x", 0)
	require.NoError(t, err)
	assert.Len(t, records, failureListCap)

	ttl := mr.TTL("task_failures:analytics_processing.x")
	assert.InDelta(t, counterTTL.Seconds(), ttl.Seconds(), 5)
	assert.Equal(t, int64(failureListCap+20), f.Counter(ctx, "failure", "analytics_processing.x"))
}

func TestLifecycleCountersExpire(t *testing.T) {
	f, mr := newTestFabric(t)
	ctx := context.Background()

	task := &Task{ID: "t1", Name: "monitoring_collection.snapshot", Queue: QueueMonitoring}
	f.onSuccess(ctx, task, time.Millisecond)
	f.onRetry(ctx, task)

	assert.Equal(t, int64(1), f.Counter(ctx, "success", task.Name))
	assert.Equal(t, int64(1), f.Counter(ctx, "retry", task.Name))

	mr.FastForward(25 * time.Hour)
	assert.Equal(t, int64(0), f.Counter(ctx, "success", task.Name))
}
