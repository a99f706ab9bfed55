package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDStable(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := EventID(EventPush, "acme/api", ts, "abc123")
	b := EventID(EventPush, "acme/api", ts, "abc123")
	assert.Equal(t, a, b, "same inputs must hash identically across calls")

	// timezone must not change the id
	c := EventID(EventPush, "acme/api", ts.In(time.FixedZone("X", 3600)), "abc123")
	assert.Equal(t, a, c)

	d := EventID(EventPush, "acme/api", ts, "def456")
	assert.NotEqual(t, a, d)
}

func TestEventFinalize(t *testing.T) {
	e := &Event{
		Kind:       EventCommit,
		Repository: "acme/api",
		Timestamp:  time.Date(2025, 6, 1, 14, 0, 0, 0, time.FixedZone("CET", 3600)),
		CommitHash: "abc",
	}
	e.Finalize()

	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventID(EventCommit, "acme/api", e.Timestamp, "abc"), e.ID)
}

func TestValidateMetricExactlyOneValue(t *testing.T) {
	v := 1.5
	s := "ok"

	assert.NoError(t, ValidateMetric(&Metric{MetricName: "m", Value: &v}))
	assert.NoError(t, ValidateMetric(&Metric{MetricName: "m", StringValue: &s}))
	assert.Error(t, ValidateMetric(&Metric{MetricName: "m"}))
	assert.Error(t, ValidateMetric(&Metric{MetricName: "m", Value: &v, StringValue: &s}))
}

func TestValidateGateRequiresCriteria(t *testing.T) {
	err := ValidateGate(&QualityGate{Name: "coverage", GateType: GatePreMerge})
	assert.Error(t, err)

	ok := &QualityGate{Name: "coverage", GateType: GatePreMerge, Criteria: map[string]float64{"coverage_min": 80}}
	assert.NoError(t, ValidateGate(ok))
}

func TestValidateExecutionAutoCompletesTerminal(t *testing.T) {
	started := time.Now().UTC().Add(-time.Minute)
	e := &WorkflowExecution{
		ExecutionID: "run-1",
		WorkflowID:  "wf-1",
		Status:      ExecutionFailed,
		StartedAt:   started,
	}

	require.NoError(t, ValidateExecution(e))
	require.NotNil(t, e.CompletedAt)
	assert.False(t, e.CompletedAt.Before(started))
	assert.Equal(t, e.CompletedAt.Sub(started), e.Duration)
}

func TestValidateExecutionEmptyID(t *testing.T) {
	err := ValidateExecution(&WorkflowExecution{WorkflowID: "wf-1"})
	assert.Error(t, err)
}

func TestExecutionCompleteInvariants(t *testing.T) {
	e := &WorkflowExecution{ExecutionID: "run-2", WorkflowID: "wf", StartedAt: time.Now().UTC().Add(-2 * time.Second)}
	e.Complete(ExecutionCompleted)

	require.NotNil(t, e.CompletedAt)
	assert.True(t, !e.CompletedAt.Before(e.StartedAt))
	assert.Equal(t, e.CompletedAt.Sub(e.StartedAt), e.Duration)

	// non-terminal transition is a no-op
	before := *e.CompletedAt
	e.Complete(ExecutionRunning)
	assert.Equal(t, ExecutionCompleted, e.Status)
	assert.Equal(t, before, *e.CompletedAt)
}

func TestOperationComplete(t *testing.T) {
	op := &Operation{ID: "op-1", Status: OperationInProgress, StartedAt: time.Now().UTC()}
	assert.Nil(t, op.CompletedAt)

	op.Complete(OperationFailed)
	require.NotNil(t, op.CompletedAt)
	assert.True(t, op.Status.Terminal())
}

func TestPipelineID(t *testing.T) {
	assert.Equal(t, "github_actions:acme/api:42", PipelineID(PlatformGitHubActions, "acme/api", "42"))
}

func TestDefaultSupportedEvents(t *testing.T) {
	assert.Contains(t, DefaultSupportedEvents(SourceGitHub), "push")
	assert.Contains(t, DefaultSupportedEvents(SourceGitLab), "Push Hook")
	assert.Equal(t, []string{"*"}, DefaultSupportedEvents(SourceGeneric))
}

func TestValidateRetentionPolicy(t *testing.T) {
	assert.Error(t, ValidateRetentionPolicy(&RetentionPolicy{TableName: "t", RetentionDays: 0, DateColumn: "c"}))
	assert.NoError(t, ValidateRetentionPolicy(&RetentionPolicy{TableName: "t", RetentionDays: 30, DateColumn: "c"}))
}
