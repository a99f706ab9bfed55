package domain

import (
	"fmt"
	"time"
)

// Platform tags the CI/CD system a workflow or pipeline belongs to.
type Platform string

const (
	PlatformGitHubActions Platform = "github_actions"
	PlatformGitLabCI      Platform = "gitlab_ci"
	PlatformJenkins       Platform = "jenkins"
	PlatformAzureDevOps   Platform = "azure_devops"
	PlatformCircleCI      Platform = "circleci"
	PlatformGeneric       Platform = "generic"
)

// WorkflowStatus is the universal status vocabulary every connector maps
// its platform-native states into.
type WorkflowStatus string

const (
	StatusQueued    WorkflowStatus = "queued"
	StatusRunning   WorkflowStatus = "running"
	StatusSuccess   WorkflowStatus = "success"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
	StatusSkipped   WorkflowStatus = "skipped"
	StatusTimeout   WorkflowStatus = "timeout"
	StatusUnknown   WorkflowStatus = "unknown"
)

// WorkflowRun is the universal workflow descriptor returned by connectors.
type WorkflowRun struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Platform   Platform          `json:"platform"`
	Status     WorkflowStatus    `json:"status"`
	Repository string            `json:"repository"`
	Branch     string            `json:"branch"`
	CommitSHA  string            `json:"commit_sha"`
	URL        string            `json:"url"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TriggerResult is the fixed-shape record returned from every
// TriggerWorkflow invocation.
type TriggerResult struct {
	Success    bool              `json:"success"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	URL        string            `json:"url,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PipelineEntry is one registry record for an addressable workflow on a
// CI/CD platform.
type PipelineEntry struct {
	PipelineID  string            `json:"pipeline_id"`
	Platform    Platform          `json:"platform"`
	Repository  string            `json:"repository"`
	WorkflowID  string            `json:"workflow_id"`
	Name        string            `json:"name"`
	Status      WorkflowStatus    `json:"status"`
	LastRun     *time.Time        `json:"last_run,omitempty"`
	SuccessRate float64           `json:"success_rate"`
	AvgDuration float64           `json:"avg_duration"` // seconds
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PipelineID builds the composite registry key <platform>:<repo>:<workflow>.
func PipelineID(platform Platform, repository, workflowID string) string {
	return fmt.Sprintf("%s:%s:%s", platform, repository, workflowID)
}

// OperationStatus is the lifecycle of a cross-platform operation.
type OperationStatus string

const (
	OperationInProgress     OperationStatus = "in_progress"
	OperationSuccess        OperationStatus = "success"
	OperationFailed         OperationStatus = "failed"
	OperationPartialSuccess OperationStatus = "partial_success"
	OperationCancelled      OperationStatus = "cancelled"
)

// Terminal reports whether the status ends the operation.
func (s OperationStatus) Terminal() bool {
	return s != OperationInProgress
}

// Operation records one cross-platform coordination invocation. CompletedAt
// is set exactly when the status is terminal; the operation holds resource
// locks over (repository, platform) pairs for its duration.
type Operation struct {
	ID          string              `json:"operation_id"`
	Type        string              `json:"operation_type"`
	Platforms   []Platform          `json:"platforms"`
	Repository  string              `json:"repository"`
	Status      OperationStatus     `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Results     map[Platform]any    `json:"results,omitempty"`
	Errors      map[Platform]string `json:"errors,omitempty"`
}

// Complete transitions the operation to a terminal status, stamping
// CompletedAt to preserve the terminal-iff-completed invariant.
func (o *Operation) Complete(status OperationStatus) {
	if !status.Terminal() {
		return
	}
	o.Status = status
	now := time.Now().UTC()
	o.CompletedAt = &now
}
