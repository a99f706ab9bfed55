package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/domain"
)

type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) handler(name string) StageHandler {
	return func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return map[string]json.RawMessage{name: json.RawMessage(`"done"`)}, nil
	}
}

func (r *orderRecorder) indexOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

func linearDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID: "linear",
		Nodes: []domain.WorkflowNode{
			{ID: "a", Name: "a", TaskType: "a"},
			{ID: "b", Name: "b", TaskType: "b", DependsOn: []string{"a"}},
			{ID: "c", Name: "c", TaskType: "c", DependsOn: []string{"b"}},
		},
	}
}

func TestExecuteLinearWorkflow(t *testing.T) {
	o := NewOrchestrator(nil)
	rec := &orderRecorder{}
	for _, taskType := range []string{"a", "b", "c"} {
		o.RegisterHandler(taskType, rec.handler(taskType))
	}
	require.NoError(t, o.CreateDefinition(linearDefinition()))

	execution, err := o.Execute(context.Background(), "linear", "run-linear", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, execution.Status)
	require.NotNil(t, execution.CompletedAt)
	assert.False(t, execution.CompletedAt.Before(execution.StartedAt))

	assert.Equal(t, []string{"a", "b", "c"}, rec.order)

	results := o.StageResults(execution.ExecutionID)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, domain.StageCompleted, r.Status)
	}
	// downstream stages see upstream outputs merged into shared state
	assert.Contains(t, execution.Output, "a")
	assert.Contains(t, execution.Output, "c")
}

func TestExecuteDiamondRespectsDependencies(t *testing.T) {
	o := NewOrchestrator(nil)
	rec := &orderRecorder{}
	for _, taskType := range []string{"root", "left", "right", "join"} {
		o.RegisterHandler(taskType, rec.handler(taskType))
	}
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "diamond",
		Nodes: []domain.WorkflowNode{
			{ID: "root", TaskType: "root"},
			{ID: "left", TaskType: "left", DependsOn: []string{"root"}},
			{ID: "right", TaskType: "right", DependsOn: []string{"root"}},
			{ID: "join", TaskType: "join", DependsOn: []string{"left", "right"}},
		},
	}))

	execution, err := o.Execute(context.Background(), "diamond", "run-diamond", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, execution.Status)

	assert.Less(t, rec.indexOf("root"), rec.indexOf("left"))
	assert.Less(t, rec.indexOf("root"), rec.indexOf("right"))
	assert.Greater(t, rec.indexOf("join"), rec.indexOf("left"))
	assert.Greater(t, rec.indexOf("join"), rec.indexOf("right"))
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	o := NewOrchestrator(nil)
	var attempts atomic.Int32
	o.RegisterHandler("flaky", func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, assert.AnError
		}
		return nil, nil
	})
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "retrying",
		Nodes: []domain.WorkflowNode{
			{ID: "s", TaskType: "flaky", Retry: &domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}},
		},
	}))

	execution, err := o.Execute(context.Background(), "retrying", "run-retrying", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, execution.Status)
	assert.Equal(t, int32(3), attempts.Load())

	results := o.StageResults(execution.ExecutionID)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].RetryCount)
}

func TestExecuteFailFastSkipsDependents(t *testing.T) {
	o := NewOrchestrator(nil)
	rec := &orderRecorder{}
	o.RegisterHandler("a", rec.handler("a"))
	o.RegisterHandler("boom", func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return nil, assert.AnError
	})
	o.RegisterHandler("c", rec.handler("c"))
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "failing",
		Nodes: []domain.WorkflowNode{
			{ID: "a", TaskType: "a"},
			{ID: "b", TaskType: "boom", DependsOn: []string{"a"}},
			{ID: "c", TaskType: "c", DependsOn: []string{"b"}},
		},
	}))

	execution, err := o.Execute(context.Background(), "failing", "run-failing", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, execution.Status)
	assert.Equal(t, "b", execution.ErrorData["stage"])
	assert.NotEmpty(t, execution.ErrorData["message"])
	assert.Equal(t, -1, rec.indexOf("c"), "dependent of failed stage must not run")

	byStage := map[string]domain.StageStatus{}
	for _, r := range o.StageResults(execution.ExecutionID) {
		byStage[r.StageID] = r.Status
	}
	assert.Equal(t, domain.StageCompleted, byStage["a"])
	assert.Equal(t, domain.StageFailed, byStage["b"])
	assert.Equal(t, domain.StageSkipped, byStage["c"])
}

func TestExecuteNonFatalFailureContinues(t *testing.T) {
	o := NewOrchestrator(nil)
	rec := &orderRecorder{}
	o.RegisterHandler("a", rec.handler("a"))
	o.RegisterHandler("optional", func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return nil, assert.AnError
	})
	o.RegisterHandler("c", rec.handler("c"))
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "tolerant",
		Nodes: []domain.WorkflowNode{
			{ID: "a", TaskType: "a"},
			{ID: "b", TaskType: "optional", DependsOn: []string{"a"}, NonFatal: true},
			{ID: "c", TaskType: "c", DependsOn: []string{"b"}},
		},
	}))

	execution, err := o.Execute(context.Background(), "tolerant", "run-tolerant", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, execution.Status)
	assert.NotEqual(t, -1, rec.indexOf("c"), "dependent of non-fatal stage must still run")
}

func TestExecuteStageTimeout(t *testing.T) {
	o := NewOrchestrator(nil)
	o.RegisterHandler("slow", func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, nil
		}
	})
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "timing-out",
		Nodes: []domain.WorkflowNode{
			{ID: "s", TaskType: "slow", Timeout: 20 * time.Millisecond},
		},
	}))

	execution, err := o.Execute(context.Background(), "timing-out", "run-timeout", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, execution.Status)
	assert.Equal(t, "timeout", execution.ErrorData["kind"])

	results := o.StageResults(execution.ExecutionID)
	require.Len(t, results, 1)
	assert.Equal(t, domain.StageTimeout, results[0].Status)
}

func TestCancelExecution(t *testing.T) {
	o := NewOrchestrator(nil)
	o.RegisterHandler("wait", func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "cancellable",
		Nodes: []domain.WorkflowNode{
			{ID: "s", TaskType: "wait"},
		},
	}))

	done := make(chan *domain.WorkflowExecution, 1)
	go func() {
		execution, _ := o.Execute(context.Background(), "cancellable", "run-cancel", "test", "dev", nil)
		done <- execution
	}()

	require.Eventually(t, func() bool {
		o.mu.RLock()
		defer o.mu.RUnlock()
		return len(o.cancels) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, o.Cancel("run-cancel"))

	execution := <-done
	assert.Equal(t, domain.ExecutionCancelled, execution.Status)
}

func TestCancelUnknownExecution(t *testing.T) {
	o := NewOrchestrator(nil)
	assert.False(t, o.Cancel("nope"))
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	o := NewOrchestrator(nil)
	_, err := o.Execute(context.Background(), "ghost", "run-ghost", "test", "dev", nil)
	require.Error(t, err)
}

func TestExecuteRequiresExecutionID(t *testing.T) {
	o := NewOrchestrator(nil)
	require.NoError(t, o.CreateDefinition(linearDefinition()))

	_, err := o.Execute(context.Background(), "linear", "", "test", "dev", nil)
	require.Error(t, err)
}

func TestExecuteRejectsDuplicateActiveID(t *testing.T) {
	o := NewOrchestrator(nil)
	release := make(chan struct{})
	o.RegisterHandler("hold", func(ctx context.Context, params, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID:    "holding",
		Nodes: []domain.WorkflowNode{{ID: "s", TaskType: "hold"}},
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Execute(context.Background(), "holding", "run-dup", "test", "dev", nil)
	}()
	require.Eventually(t, func() bool {
		e, ok := o.Execution("run-dup")
		return ok && e.Status == domain.ExecutionRunning
	}, time.Second, 5*time.Millisecond)

	_, err := o.Execute(context.Background(), "holding", "run-dup", "test", "dev", nil)
	require.Error(t, err, "second execution under an active id must be rejected")

	close(release)
	<-done

	// a terminal execution releases its id for reuse
	execution, err := o.Execute(context.Background(), "holding", "run-dup", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, execution.Status)
}

func TestExecutionsObservableWhileRunning(t *testing.T) {
	o := NewOrchestrator(nil)
	rec := &orderRecorder{}
	for _, taskType := range []string{"a", "b", "c"} {
		o.RegisterHandler(taskType, rec.handler(taskType))
	}
	require.NoError(t, o.CreateDefinition(linearDefinition()))

	// readers snapshot continuously while executions run; the race
	// detector flags any shared mutable state between them
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, e := range o.Executions() {
				for k := range e.Input {
					_ = k
				}
			}
			if e, ok := o.Execution("run-obs-0"); ok {
				_ = e.Status
			}
		}
	}()

	input := map[string]json.RawMessage{"ref": json.RawMessage(`"main"`)}
	for i := 0; i < 5; i++ {
		execution, err := o.Execute(context.Background(), "linear", fmt.Sprintf("run-obs-%d", i), "test", "dev", input)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionCompleted, execution.Status)
	}
	close(stop)
	<-readerDone

	executions := o.Executions()
	assert.Len(t, executions, 5)
	for _, e := range executions {
		assert.Equal(t, domain.ExecutionCompleted, e.Status)
	}
}

func TestExecuteMissingHandlerFails(t *testing.T) {
	o := NewOrchestrator(nil)
	require.NoError(t, o.CreateDefinition(&domain.WorkflowDefinition{
		ID: "unhandled",
		Nodes: []domain.WorkflowNode{
			{ID: "s", TaskType: "nobody-registered-this"},
		},
	}))

	execution, err := o.Execute(context.Background(), "unhandled", "run-unhandled", "test", "dev", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, execution.Status)
	assert.Equal(t, "not_found", execution.ErrorData["kind"])
}
