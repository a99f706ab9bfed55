package taskfabric

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
	"github.com/fluxline/fluxline/pkg/store"
)

const (
	defaultSoftLimit = 300 * time.Second
	defaultHardLimit = 600 * time.Second
	popTimeout       = time.Second
)

// WorkerOptions tunes one worker loop.
type WorkerOptions struct {
	// Queues to consume, round-robin. Empty means every default queue.
	Queues []string
	// SoftLimit logs a warning when a handler runs past it.
	SoftLimit time.Duration
	// HardLimit cancels the handler context; the task flows through the
	// failure path with a timeout error.
	HardLimit time.Duration
}

// Worker consumes queues with late acknowledgement: a task is moved onto a
// per-worker processing list before the handler runs and removed only after
// it returns, so a crashed worker leaves the envelope recoverable.
type Worker struct {
	fabric *Fabric
	db     *store.DB
	log    zerolog.Logger
	id     string
	opts   WorkerOptions

	initOnce  sync.Once
	closeOnce sync.Once
	initErr   error
}

// NewWorker builds a worker over an already-constructed fabric. db may be
// nil for workers whose handlers never touch the relational store.
func NewWorker(fabric *Fabric, db *store.DB, opts WorkerOptions) *Worker {
	if len(opts.Queues) == 0 {
		opts.Queues = DefaultQueues()
	}
	if opts.SoftLimit <= 0 {
		opts.SoftLimit = defaultSoftLimit
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = defaultHardLimit
	}
	id := uuid.NewString()[:8]
	return &Worker{
		fabric: fabric,
		db:     db,
		log:    logger.New("worker").With().Str("worker_id", id).Logger(),
		id:     id,
		opts:   opts,
	}
}

// Init verifies the KV and relational pools are reachable. Safe to call
// more than once; only the first call does work.
func (w *Worker) Init(ctx context.Context) error {
	w.initOnce.Do(func() {
		if err := w.fabric.kv.Ping(ctx); err != nil {
			w.initErr = errors.New(errors.KindUnavailable, "taskfabric", "kv store unreachable", err)
			return
		}
		if w.db != nil {
			if err := w.db.Health(ctx); err != nil {
				w.initErr = errors.New(errors.KindUnavailable, "taskfabric", "relational store unreachable", err)
				return
			}
		}
		w.log.Info().Strs("queues", w.opts.Queues).Msg("worker initialized")
	})
	return w.initErr
}

// Close releases the pools. Safe to call more than once.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		if err := w.fabric.kv.Close(); err != nil {
			w.log.Warn().Err(err).Msg("kv close failed")
		}
		if w.db != nil {
			if err := w.db.Close(); err != nil {
				w.log.Warn().Err(err).Msg("store close failed")
			}
		}
		w.log.Info().Msg("worker closed")
	})
}

// Run consumes the configured queues until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Init(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.pollOnce(ctx) {
			// every queue was empty; the blocking pop already waited
			continue
		}
	}
}

// pollOnce round-robins the queues and reports whether any task ran.
func (w *Worker) pollOnce(ctx context.Context) bool {
	ran := false
	for _, queue := range w.opts.Queues {
		if ctx.Err() != nil {
			return ran
		}
		raw, err := w.fabric.kv.BRPopLPush(ctx, queueKey(queue), processingKey(queue, w.id), popTimeout)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn().Err(err).Str("queue", queue).Msg("queue pop failed")
			}
			continue
		}
		if raw == "" {
			continue
		}
		w.process(ctx, queue, raw)
		ran = true
	}
	return ran
}

func (w *Worker) process(ctx context.Context, queue, raw string) {
	// ack removes the envelope from the processing list after the handler
	// returns, successful or not
	defer func() {
		if _, err := w.fabric.kv.LRem(context.WithoutCancel(ctx), processingKey(queue, w.id), 1, raw); err != nil {
			w.log.Warn().Err(err).Str("queue", queue).Msg("processing ack failed")
		}
	}()

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		w.log.Error().Err(err).Str("queue", queue).Msg("undecodable task envelope dropped")
		return
	}
	log := w.log.With().Str("task", task.Name).Str("task_id", task.ID).Int("attempt", task.Attempt).Logger()

	handler, ok := w.fabric.handler(task.Name)
	if !ok {
		err := errors.Newf(errors.KindNotFound, "taskfabric", "no handler registered for task %q", task.Name)
		log.Error().Err(err).Msg("task failed")
		w.fabric.onFailure(ctx, &task, 0, err)
		return
	}

	start := time.Now()
	err := w.invoke(ctx, handler, &task)
	took := time.Since(start)

	if took > w.opts.SoftLimit {
		log.Warn().Dur("took", took).Dur("soft_limit", w.opts.SoftLimit).Msg("task exceeded soft time limit")
	}

	if err == nil {
		w.fabric.onSuccess(ctx, &task, took)
		log.Debug().Dur("took", took).Msg("task succeeded")
		return
	}

	profile := ProfileFor(task.Name)
	if Retryable(err) && task.Attempt < profile.MaxRetries {
		task.Attempt++
		w.fabric.onRetry(ctx, &task)
		delay := profile.Delay(task.Attempt)
		log.Warn().Err(err).Dur("countdown", delay).Int("attempt", task.Attempt).Msg("task retrying")
		w.requeueAfter(ctx, &task, delay)
		return
	}

	log.Error().Err(err).Dur("took", took).Msg("task failed")
	w.fabric.onFailure(ctx, &task, took, err)
}

// invoke runs the handler under the hard time limit.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, task *Task) error {
	hardCtx, cancel := context.WithTimeout(ctx, w.opts.HardLimit)
	defer cancel()
	err := handler(hardCtx, task)
	if err != nil && hardCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return errors.Newf(errors.KindTimeout, "taskfabric", "task %q exceeded the hard time limit", task.Name)
	}
	return err
}

// requeueAfter pushes the task back onto its queue after the countdown.
// The countdown survives only as long as this process; at-least-once
// delivery tolerates losing a pending retry on shutdown.
func (w *Worker) requeueAfter(ctx context.Context, task *Task, delay time.Duration) {
	t := *task
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := w.fabric.push(context.WithoutCancel(ctx), &t); err != nil {
			w.log.Error().Err(err).Str("task", t.Name).Msg("retry requeue failed")
		}
	}()
}
