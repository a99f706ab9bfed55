package taskfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/logger"
)

const (
	counterTTL     = 24 * time.Hour
	failureListCap = 100
	queueKeyPrefix = "tasks:"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxline_tasks_total",
		Help: "Task executions by name and outcome.",
	}, []string{"name", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluxline_task_duration_seconds",
		Help:    "Task handler duration by name.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"name"})
)

// HandlerFunc runs one task. Payload decoding is the handler's business.
type HandlerFunc func(ctx context.Context, task *Task) error

// Fabric owns the broker queues and the task handler registry.
type Fabric struct {
	kv  *kvstore.Store
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(kv *kvstore.Store) *Fabric {
	return &Fabric{
		kv:       kv,
		log:      logger.New("taskfabric"),
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterHandler installs the handler for a task name.
func (f *Fabric) RegisterHandler(name string, h HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *Fabric) handler(name string) (HandlerFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.handlers[name]
	return h, ok
}

func queueKey(queue string) string { return queueKeyPrefix + queue }

func processingKey(queue, workerID string) string {
	return fmt.Sprintf("%s%s:processing:%s", queueKeyPrefix, queue, workerID)
}

// Enqueue serializes a task envelope onto the named queue.
func (f *Fabric) Enqueue(ctx context.Context, queue, name string, payload any) (*Task, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.New(errors.KindInternal, "taskfabric", "encode task payload", err).With("task", name)
		}
		raw = data
	}
	task := &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      queue,
		Payload:    raw,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := f.push(ctx, task); err != nil {
		return nil, err
	}
	f.log.Debug().Str("task", name).Str("queue", queue).Str("task_id", task.ID).Msg("task enqueued")
	return task, nil
}

func (f *Fabric) push(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.New(errors.KindInternal, "taskfabric", "encode task envelope", err).With("task", task.Name)
	}
	if _, err := f.kv.LPush(ctx, queueKey(task.Queue), string(data)); err != nil {
		return errors.New(errors.KindTransient, "taskfabric", "push task to broker", err).With("queue", task.Queue)
	}
	return nil
}

// QueueDepth returns the number of tasks waiting on a queue.
func (f *Fabric) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return f.kv.LLen(ctx, queueKey(queue))
}

// RecentFailures returns up to limit recent failure records for a task name,
// newest first.
func (f *Fabric) RecentFailures(ctx context.Context, name string, limit int64) ([]map[string]any, error) {
	if limit <= 0 || limit > failureListCap {
		limit = failureListCap
	}
	raws, err := f.kv.LRange(ctx, "task_failures:"+name, 0, limit-1)
	if err != nil {
		return nil, err
	}
	records := make([]map[string]any, 0, len(raws))
	for _, raw := range raws {
		var rec map[string]any
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Counter reads one lifecycle counter, 0 when absent or expired.
func (f *Fabric) Counter(ctx context.Context, kind, name string) int64 {
	v, err := f.kv.Get(ctx, fmt.Sprintf("task_%s:%s", kind, name))
	if err != nil || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		var parsed int64
		fmt.Sscanf(n, "%d", &parsed)
		return parsed
	}
	return 0
}

// Lifecycle hooks. Counter failures degrade to log lines so broker
// hiccups never change task outcomes.

func (f *Fabric) onSuccess(ctx context.Context, task *Task, took time.Duration) {
	tasksTotal.WithLabelValues(task.Name, "success").Inc()
	taskDuration.WithLabelValues(task.Name).Observe(took.Seconds())
	f.bumpCounter(ctx, "task_success:"+task.Name)
}

func (f *Fabric) onRetry(ctx context.Context, task *Task) {
	tasksTotal.WithLabelValues(task.Name, "retry").Inc()
	f.bumpCounter(ctx, "task_retry:"+task.Name)
}

func (f *Fabric) onFailure(ctx context.Context, task *Task, took time.Duration, cause error) {
	tasksTotal.WithLabelValues(task.Name, "failure").Inc()
	taskDuration.WithLabelValues(task.Name).Observe(took.Seconds())
	f.bumpCounter(ctx, "task_failure:"+task.Name)

	record, err := json.Marshal(map[string]any{
		"task_id":   task.ID,
		"name":      task.Name,
		"queue":     task.Queue,
		"attempt":   task.Attempt,
		"error":     cause.Error(),
		"kind":      string(errors.KindOf(cause)),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	key := "task_failures:" + task.Name
	if _, err := f.kv.LPush(ctx, key, string(record)); err != nil {
		f.log.Warn().Err(err).Str("task", task.Name).Msg("failure record push failed")
		return
	}
	if err := f.kv.LTrim(ctx, key, 0, failureListCap-1); err != nil {
		f.log.Warn().Err(err).Str("task", task.Name).Msg("failure list trim failed")
	}
	if _, err := f.kv.Expire(ctx, key, counterTTL); err != nil {
		f.log.Warn().Err(err).Str("task", task.Name).Msg("failure list expire failed")
	}
}

func (f *Fabric) bumpCounter(ctx context.Context, key string) {
	if _, err := f.kv.Incr(ctx, key); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("task counter increment failed")
		return
	}
	if _, err := f.kv.Expire(ctx, key, counterTTL); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("task counter expire failed")
	}
}
