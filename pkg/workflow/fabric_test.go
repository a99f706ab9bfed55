package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/taskfabric"
)

func TestExecutionThroughFabric(t *testing.T) {
	mr := miniredis.RunT(t)
	kv := kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	fabric := taskfabric.New(kv)

	o := NewOrchestrator(nil)
	rec := &orderRecorder{}
	for _, taskType := range []string{"a", "b", "c"} {
		o.RegisterHandler(taskType, rec.handler(taskType))
	}
	require.NoError(t, o.CreateDefinition(linearDefinition()))
	RegisterOnFabric(fabric, o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := EnqueueExecution(ctx, fabric, ExecutionTask{
		WorkflowID:  "linear",
		ExecutionID: "run-fabric-1",
		TriggeredBy: "schedule",
		Environment: "dev",
	})
	require.NoError(t, err)
	assert.Equal(t, taskfabric.TaskWorkflowExecution, task.Name)
	assert.Equal(t, taskfabric.QueueWorkflow, task.Queue)

	worker := taskfabric.NewWorker(fabric, nil, taskfabric.WorkerOptions{
		Queues: []string{taskfabric.QueueWorkflow},
	})
	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		executions := o.Executions()
		return len(executions) == 1 && executions[0].Status == domain.ExecutionCompleted
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.order)

	execution, ok := o.Execution("run-fabric-1")
	require.True(t, ok, "execution runs under the id chosen by the requester")
	assert.Equal(t, "linear", execution.WorkflowID)

	depth, err := fabric.QueueDepth(context.Background(), taskfabric.QueueWorkflow)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestEnqueueExecutionRequiresWorkflowID(t *testing.T) {
	mr := miniredis.RunT(t)
	kv := kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	fabric := taskfabric.New(kv)

	_, err := EnqueueExecution(context.Background(), fabric, ExecutionTask{ExecutionID: "run-1"})
	require.Error(t, err)
}

func TestEnqueueExecutionRequiresExecutionID(t *testing.T) {
	mr := miniredis.RunT(t)
	kv := kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	fabric := taskfabric.New(kv)

	_, err := EnqueueExecution(context.Background(), fabric, ExecutionTask{WorkflowID: "linear"})
	require.Error(t, err)
}
