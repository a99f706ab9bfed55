package domain

import "time"

// Metric is one DevOps measurement. Exactly one of Value and StringValue is
// set; both being absent is invalid.
type Metric struct {
	MetricType  string            `json:"metric_type"`
	MetricName  string            `json:"metric_name"`
	SourceType  string            `json:"source_type"`
	SourceName  string            `json:"source_name"`
	Timestamp   time.Time         `json:"timestamp"`
	Value       *float64          `json:"value,omitempty"`
	StringValue *string           `json:"string_value,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// GateType is when in the delivery flow a quality gate applies.
type GateType string

const (
	GatePreCommit  GateType = "pre_commit"
	GatePreMerge   GateType = "pre_merge"
	GatePreDeploy  GateType = "pre_deploy"
	GatePostDeploy GateType = "post_deploy"
)

// QualityGate declares a named set of criteria evaluated before or after a
// delivery step.
type QualityGate struct {
	Name          string             `json:"name"`
	GateType      GateType           `json:"gate_type"`
	Criteria      map[string]float64 `json:"criteria"`
	Configuration map[string]string  `json:"configuration,omitempty"`
	IsActive      bool               `json:"is_active"`
}

// GateStatus is the lifecycle of one gate evaluation.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateRunning  GateStatus = "running"
	GatePassed   GateStatus = "passed"
	GateFailed   GateStatus = "failed"
	GateBypassed GateStatus = "bypassed"
)

// GateExecution is one evaluation of a quality gate. Score is in [0, 100].
type GateExecution struct {
	GateName     string        `json:"gate_name"`
	Status       GateStatus    `json:"status"`
	Score        float64       `json:"score"`
	Passed       bool          `json:"passed"`
	BypassReason string        `json:"bypass_reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	EvaluatedAt  time.Time     `json:"evaluated_at"`
}

// RetentionPolicy is a declarative rule for deleting rows older than a
// configurable horizon. The literal token %d in Predicate expands to the
// retention horizon in days.
type RetentionPolicy struct {
	TableName     string `json:"table_name"`
	RetentionDays int    `json:"retention_days"`
	DateColumn    string `json:"date_column"`
	Predicate     string `json:"predicate,omitempty"`
}
