package workflow

import (
	"context"
	"encoding/json"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/taskfabric"
)

// ExecutionTask is the payload carried on the workflow queue when an
// execution is requested through the task fabric instead of directly.
// ExecutionID is chosen by the requester; redelivery of the same task
// while the execution is still active is rejected by the orchestrator.
type ExecutionTask struct {
	WorkflowID  string                     `json:"workflow_id"`
	ExecutionID string                     `json:"execution_id"`
	TriggeredBy string                     `json:"triggered_by"`
	Environment string                     `json:"environment"`
	Input       map[string]json.RawMessage `json:"input,omitempty"`
}

// RegisterOnFabric wires the orchestrator in as the handler for
// workflow execution tasks.
func RegisterOnFabric(f *taskfabric.Fabric, o *Orchestrator) {
	f.RegisterHandler(taskfabric.TaskWorkflowExecution, func(ctx context.Context, task *taskfabric.Task) error {
		var req ExecutionTask
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return errors.New(errors.KindValidation, "workflow", "undecodable execution request", err)
		}
		_, err := o.Execute(ctx, req.WorkflowID, req.ExecutionID, req.TriggeredBy, req.Environment, req.Input)
		return err
	})
}

// EnqueueExecution submits an execution request onto the workflow queue.
func EnqueueExecution(ctx context.Context, f *taskfabric.Fabric, req ExecutionTask) (*taskfabric.Task, error) {
	if req.WorkflowID == "" {
		return nil, errors.New(errors.KindValidation, "workflow", "workflow id is required", nil)
	}
	if req.ExecutionID == "" {
		return nil, errors.New(errors.KindValidation, "workflow", "execution id is required", nil)
	}
	return f.Enqueue(ctx, taskfabric.QueueWorkflow, taskfabric.TaskWorkflowExecution, req)
}
