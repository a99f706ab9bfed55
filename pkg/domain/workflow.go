package domain

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle of an internal workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status ends the execution.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// StageStatus is the lifecycle of a single stage result.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageTimeout   StageStatus = "timeout"
)

// Terminal reports whether the stage has finished.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageTimeout:
		return true
	}
	return false
}

// RetryPolicy bounds how a failing stage is retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Jitter      bool          `json:"jitter"`
}

// WorkflowNode is one stage of a workflow definition.
type WorkflowNode struct {
	ID         string                     `json:"node_id"`
	Name       string                     `json:"name"`
	TaskType   string                     `json:"task_type"`
	Parameters map[string]json.RawMessage `json:"parameters,omitempty"`
	DependsOn  []string                   `json:"depends_on,omitempty"`
	Retry      *RetryPolicy               `json:"retry,omitempty"`
	Timeout    time.Duration              `json:"timeout,omitempty"`
	NonFatal   bool                       `json:"non_fatal,omitempty"`
}

// WorkflowDefinition is a DAG of nodes with runs-after dependencies.
type WorkflowDefinition struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Nodes []WorkflowNode `json:"nodes"`
}

// WorkflowExecution is one run of a definition.
type WorkflowExecution struct {
	ExecutionID string                     `json:"execution_id"`
	WorkflowID  string                     `json:"workflow_id"`
	Status      ExecutionStatus            `json:"status"`
	TriggeredBy string                     `json:"triggered_by"`
	Environment string                     `json:"environment"`
	Input       map[string]json.RawMessage `json:"input_data,omitempty"`
	Output      map[string]json.RawMessage `json:"output_data,omitempty"`
	ErrorData   map[string]string          `json:"error_data,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	Duration    time.Duration              `json:"duration"`
}

// Complete transitions the execution to a terminal status, stamping
// CompletedAt and Duration. CompletedAt never precedes StartedAt.
func (e *WorkflowExecution) Complete(status ExecutionStatus) {
	if !status.Terminal() {
		return
	}
	e.Status = status
	now := time.Now().UTC()
	if now.Before(e.StartedAt) {
		now = e.StartedAt
	}
	e.CompletedAt = &now
	e.Duration = now.Sub(e.StartedAt)
}

// StageResult records one stage's outcome within an execution.
type StageResult struct {
	ExecutionID string                     `json:"execution_id"`
	StageID     string                     `json:"stage_id"`
	StageName   string                     `json:"stage_name"`
	StageType   string                     `json:"stage_type"`
	Status      StageStatus                `json:"status"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	Output      map[string]json.RawMessage `json:"output,omitempty"`
	Error       string                     `json:"error,omitempty"`
	RetryCount  int                        `json:"retry_count"`
}
