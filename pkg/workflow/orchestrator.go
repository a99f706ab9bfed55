package workflow

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// defaultStageConcurrency bounds how many stages of one execution run at
// the same time.
const defaultStageConcurrency = 4

var defaultRetry = domain.RetryPolicy{MaxAttempts: 1, BaseDelay: 0}

// StageHandler executes one stage type. The input map carries the
// execution input merged with upstream outputs.
type StageHandler func(ctx context.Context, params map[string]json.RawMessage, input map[string]json.RawMessage) (map[string]json.RawMessage, error)

// Sink receives execution and stage snapshots for persistence. Both calls
// must tolerate repeats.
type Sink interface {
	SaveExecution(ctx context.Context, e *domain.WorkflowExecution) error
	SaveStage(ctx context.Context, r *domain.StageResult) error
}

// Orchestrator owns workflow definitions and drives their executions.
type Orchestrator struct {
	log         zerolog.Logger
	sink        Sink
	concurrency int

	mu          sync.RWMutex
	definitions map[string]*domain.WorkflowDefinition
	// executions holds point-in-time snapshots, replaced on every status
	// transition; the live record stays private to the running Execute.
	executions map[string]*domain.WorkflowExecution
	stages     map[string][]domain.StageResult
	handlers   map[string]StageHandler
	cancels    map[string]context.CancelFunc
	cancelled  map[string]bool
}

// NewOrchestrator builds an orchestrator. sink may be nil.
func NewOrchestrator(sink Sink) *Orchestrator {
	return &Orchestrator{
		log:         logger.New("orchestrator"),
		sink:        sink,
		concurrency: defaultStageConcurrency,
		definitions: make(map[string]*domain.WorkflowDefinition),
		executions:  make(map[string]*domain.WorkflowExecution),
		stages:      make(map[string][]domain.StageResult),
		handlers:    make(map[string]StageHandler),
		cancels:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
	}
}

// RegisterHandler installs the handler for one stage task type.
func (o *Orchestrator) RegisterHandler(taskType string, h StageHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[taskType] = h
}

// CreateDefinition validates and stores a definition.
func (o *Orchestrator) CreateDefinition(def *domain.WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.definitions[def.ID] = def
	return nil
}

// Definition returns a stored definition.
func (o *Orchestrator) Definition(id string) (*domain.WorkflowDefinition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.definitions[id]
	return def, ok
}

// Execution returns a copy of an execution record.
func (o *Orchestrator) Execution(id string) (domain.WorkflowExecution, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.executions[id]
	if !ok {
		return domain.WorkflowExecution{}, false
	}
	return *e, true
}

// Executions returns copies of every execution record, newest first.
func (o *Orchestrator) Executions() []domain.WorkflowExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.WorkflowExecution, 0, len(o.executions))
	for _, e := range o.executions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// StageResults returns copies of the stage results of an execution in
// terminal-time order.
func (o *Orchestrator) StageResults(executionID string) []domain.StageResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]domain.StageResult(nil), o.stages[executionID]...)
}

// Cancel marks the execution cancelled and signals running stages. Stage
// cancellation is cooperative; queued stages are dropped.
func (o *Orchestrator) Cancel(executionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[executionID]
	if !ok {
		return false
	}
	o.cancelled[executionID] = true
	cancel()
	return true
}

// Execute runs one execution of a stored definition to a terminal state.
// executionID comes from the caller; an id already bound to an active
// execution is rejected. The returned record is private to the caller;
// concurrent observers go through Execution and Executions, which read
// published snapshots.
func (o *Orchestrator) Execute(ctx context.Context, workflowID, executionID string, triggeredBy, environment string, input map[string]json.RawMessage) (*domain.WorkflowExecution, error) {
	if executionID == "" {
		return nil, errors.New(errors.KindValidation, "workflow", "execution id is required", nil)
	}
	o.mu.RLock()
	def, ok := o.definitions[workflowID]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "workflow", "unknown workflow %q", workflowID)
	}

	execution := &domain.WorkflowExecution{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      domain.ExecutionPending,
		TriggeredBy: triggeredBy,
		Environment: environment,
		Input:       input,
		StartedAt:   time.Now().UTC(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if prev, exists := o.executions[executionID]; exists && !prev.Status.Terminal() {
		o.mu.Unlock()
		return nil, errors.Newf(errors.KindValidation, "workflow", "execution %q is already active", executionID)
	}
	snap := *execution
	o.executions[executionID] = &snap
	o.cancels[executionID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, executionID)
		delete(o.cancelled, executionID)
		o.mu.Unlock()
	}()

	execution.Status = domain.ExecutionRunning
	o.publish(execution)
	o.persistExecution(ctx, execution)

	failedStage, err := o.runDAG(runCtx, def, execution)

	switch {
	case o.wasCancelled(execution.ExecutionID):
		execution.Complete(domain.ExecutionCancelled)
	case err != nil:
		execution.Complete(domain.ExecutionFailed)
		execution.ErrorData = map[string]string{
			"kind":    string(errors.KindOf(err)),
			"message": err.Error(),
			"stage":   failedStage,
		}
	default:
		execution.Complete(domain.ExecutionCompleted)
	}
	o.publish(execution)
	o.persistExecution(ctx, execution)

	o.log.Info().Str("execution_id", execution.ExecutionID).Str("workflow_id", workflowID).
		Str("status", string(execution.Status)).Dur("took", execution.Duration).Msg("execution finished")
	return execution, nil
}

// runDAG schedules ready stages until every reachable stage is terminal.
// It returns the id of the stage that failed the execution, if any.
func (o *Orchestrator) runDAG(ctx context.Context, def *domain.WorkflowDefinition, execution *domain.WorkflowExecution) (string, error) {
	nodes := make(map[string]*domain.WorkflowNode, len(def.Nodes))
	for i := range def.Nodes {
		nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}

	// satisfied means the node finished in a way dependents can build on:
	// completed, or failed but declared non-fatal.
	satisfied := make(map[string]bool, len(nodes))
	done := make(map[string]bool, len(nodes))

	// shared is a private copy; mutating the published record's Input map
	// while readers range over it would race.
	shared := make(map[string]json.RawMessage, len(execution.Input))
	for k, v := range execution.Input {
		shared[k] = v
	}

	for len(done) < len(nodes) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		var ready []*domain.WorkflowNode
		for id, node := range nodes {
			if done[id] {
				continue
			}
			ok := true
			for _, dep := range node.DependsOn {
				if !satisfied[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, node)
			}
		}
		if len(ready) == 0 {
			// remaining nodes depend on a fatally failed stage; they were
			// handled by the fail-fast path, so this is unreachable input
			return "", errors.New(errors.KindInternal, "workflow", "no runnable stages remain", nil)
		}

		var (
			mu          sync.Mutex
			fatalStage  string
			fatalErr    error
			groupOutput = make(map[string]json.RawMessage)
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.concurrency)
		for _, node := range ready {
			node := node
			g.Go(func() error {
				result, output, err := o.runStage(gctx, execution, node, shared)
				mu.Lock()
				defer mu.Unlock()
				o.recordStage(ctx, execution.ExecutionID, result)
				done[node.ID] = true
				if err == nil {
					satisfied[node.ID] = true
					for k, v := range output {
						groupOutput[k] = v
					}
					return nil
				}
				if node.NonFatal {
					satisfied[node.ID] = true
					o.log.Warn().Str("stage", node.ID).Err(err).Msg("non-fatal stage failed")
					return nil
				}
				if fatalErr == nil {
					fatalStage, fatalErr = node.ID, err
				}
				// fail fast: stop scheduling further stages
				return err
			})
		}
		gErr := g.Wait()
		if fatalErr != nil {
			o.skipRemaining(ctx, execution.ExecutionID, nodes, done)
			return fatalStage, fatalErr
		}
		if gErr != nil {
			return "", gErr
		}
		for k, v := range groupOutput {
			shared[k] = v
		}
	}

	execution.Output = shared
	return "", nil
}

// runStage executes one node, honoring its retry policy and timeout.
func (o *Orchestrator) runStage(ctx context.Context, execution *domain.WorkflowExecution, node *domain.WorkflowNode, input map[string]json.RawMessage) (domain.StageResult, map[string]json.RawMessage, error) {
	result := domain.StageResult{
		ExecutionID: execution.ExecutionID,
		StageID:     node.ID,
		StageName:   node.Name,
		StageType:   node.TaskType,
		Status:      domain.StageRunning,
		StartedAt:   time.Now().UTC(),
	}

	o.mu.RLock()
	handler, ok := o.handlers[node.TaskType]
	o.mu.RUnlock()
	if !ok {
		err := errors.Newf(errors.KindNotFound, "workflow", "no handler for task type %q", node.TaskType)
		finishStage(&result, domain.StageFailed, err)
		return result, nil, err
	}

	retry := defaultRetry
	if node.Retry != nil {
		retry = *node.Retry
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			result.RetryCount = attempt
			delay := retry.BaseDelay << (attempt - 1)
			if retry.Jitter && delay > 0 {
				delay += time.Duration(rand.Int63n(int64(delay) / 2))
			}
			select {
			case <-ctx.Done():
				finishStage(&result, domain.StageSkipped, ctx.Err())
				return result, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		stageCtx := ctx
		var cancel context.CancelFunc
		if node.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		}
		output, err := handler(stageCtx, node.Parameters, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			result.Output = output
			finishStage(&result, domain.StageCompleted, nil)
			return result, output, nil
		}
		lastErr = err
		if stageCtx.Err() != nil && ctx.Err() == nil {
			lastErr = errors.Newf(errors.KindTimeout, "workflow", "stage %q timed out", node.ID)
		}
		if ctx.Err() != nil {
			break
		}
	}

	status := domain.StageFailed
	if errors.KindOf(lastErr) == errors.KindTimeout {
		status = domain.StageTimeout
	}
	finishStage(&result, status, lastErr)
	return result, nil, lastErr
}

// skipRemaining marks every unfinished node skipped after a fatal failure.
func (o *Orchestrator) skipRemaining(ctx context.Context, executionID string, nodes map[string]*domain.WorkflowNode, done map[string]bool) {
	now := time.Now().UTC()
	for id, node := range nodes {
		if done[id] {
			continue
		}
		done[id] = true
		result := domain.StageResult{
			ExecutionID: executionID,
			StageID:     id,
			StageName:   node.Name,
			StageType:   node.TaskType,
			Status:      domain.StageSkipped,
			StartedAt:   now,
			CompletedAt: &now,
		}
		o.recordStage(ctx, executionID, result)
	}
}

func finishStage(r *domain.StageResult, status domain.StageStatus, err error) {
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	if err != nil {
		r.Error = err.Error()
	}
}

func (o *Orchestrator) recordStage(ctx context.Context, executionID string, result domain.StageResult) {
	o.mu.Lock()
	o.stages[executionID] = append(o.stages[executionID], result)
	o.mu.Unlock()
	if o.sink != nil {
		if err := o.sink.SaveStage(ctx, &result); err != nil {
			o.log.Warn().Err(err).Str("stage", result.StageID).Msg("stage persistence failed")
		}
	}
}

func (o *Orchestrator) persistExecution(ctx context.Context, e *domain.WorkflowExecution) {
	if o.sink == nil {
		return
	}
	if err := o.sink.SaveExecution(ctx, e); err != nil {
		o.log.Warn().Err(err).Str("execution_id", e.ExecutionID).Msg("execution persistence failed")
	}
}

// publish stores a copy of the execution so readers never observe the
// record mid-mutation.
func (o *Orchestrator) publish(e *domain.WorkflowExecution) {
	snap := *e
	o.mu.Lock()
	o.executions[e.ExecutionID] = &snap
	o.mu.Unlock()
}

func (o *Orchestrator) wasCancelled(executionID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cancelled[executionID]
}
