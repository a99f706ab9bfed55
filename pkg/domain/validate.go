package domain

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fluxline/fluxline/pkg/errors"
)

// validate is shared; validator.Validate is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEvent rejects events missing the fields the event id derives from.
func ValidateEvent(e *Event) error {
	if e.Kind == "" {
		return errors.New(errors.KindValidation, "domain", "event kind is required", nil).With("field", "kind")
	}
	if e.Repository == "" {
		return errors.New(errors.KindValidation, "domain", "event repository is required", nil).With("field", "repository")
	}
	if e.Timestamp.IsZero() {
		return errors.New(errors.KindValidation, "domain", "event timestamp is required", nil).With("field", "timestamp")
	}
	return nil
}

// ValidateMetric enforces the exactly-one-of value invariant.
func ValidateMetric(m *Metric) error {
	if m.MetricName == "" {
		return errors.New(errors.KindValidation, "domain", "metric name is required", nil).With("field", "metric_name")
	}
	if m.Value == nil && m.StringValue == nil {
		return errors.New(errors.KindValidation, "domain", "metric requires a numeric or string value", nil).
			With("field", "value")
	}
	if m.Value != nil && m.StringValue != nil {
		return errors.New(errors.KindValidation, "domain", "metric value and string_value are mutually exclusive", nil).
			With("field", "value")
	}
	return nil
}

// ValidateGate rejects gates with no criteria.
func ValidateGate(g *QualityGate) error {
	if g.Name == "" {
		return errors.New(errors.KindValidation, "domain", "gate name is required", nil).With("field", "name")
	}
	switch g.GateType {
	case GatePreCommit, GatePreMerge, GatePreDeploy, GatePostDeploy:
	default:
		return errors.Newf(errors.KindValidation, "domain", "unknown gate type %q", g.GateType).With("field", "gate_type")
	}
	if len(g.Criteria) == 0 {
		return errors.New(errors.KindValidation, "domain", "gate criteria must not be empty", nil).With("field", "criteria")
	}
	return nil
}

// ValidateGateExecution bounds the score to [0, 100].
func ValidateGateExecution(e *GateExecution) error {
	if e.Score < 0 || e.Score > 100 {
		return errors.Newf(errors.KindValidation, "domain", "gate score %.2f out of range [0,100]", e.Score).
			With("field", "score")
	}
	return nil
}

// ValidateExecution checks a workflow execution at the boundary. A terminal
// execution arriving without CompletedAt is auto-completed at the current
// instant rather than rejected.
func ValidateExecution(e *WorkflowExecution) error {
	if e.ExecutionID == "" {
		return errors.New(errors.KindValidation, "domain", "execution_id must not be empty", nil).
			With("field", "execution_id")
	}
	if e.WorkflowID == "" {
		return errors.New(errors.KindValidation, "domain", "workflow_id must not be empty", nil).
			With("field", "workflow_id")
	}
	if e.Status.Terminal() && e.CompletedAt == nil {
		now := time.Now().UTC()
		if now.Before(e.StartedAt) {
			now = e.StartedAt
		}
		e.CompletedAt = &now
		e.Duration = now.Sub(e.StartedAt)
	}
	if e.CompletedAt != nil && e.CompletedAt.Before(e.StartedAt) {
		return errors.New(errors.KindValidation, "domain", "completed_at precedes started_at", nil).
			With("field", "completed_at")
	}
	return nil
}

// ValidateRetentionPolicy rejects unusable policies.
func ValidateRetentionPolicy(p *RetentionPolicy) error {
	if p.TableName == "" {
		return errors.New(errors.KindValidation, "domain", "retention table name is required", nil).With("field", "table_name")
	}
	if p.RetentionDays <= 0 {
		return errors.Newf(errors.KindValidation, "domain", "retention days must be positive, got %d", p.RetentionDays).
			With("field", "retention_days")
	}
	if p.DateColumn == "" {
		return errors.New(errors.KindValidation, "domain", "retention date column is required", nil).With("field", "date_column")
	}
	return nil
}

// ValidateStruct applies validator tags for callers composing their own
// boundary structs.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		rich := errors.New(errors.KindValidation, "domain", "invalid input", err)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				rich.With(fe.Field(), fe.Tag())
			}
		}
		return rich
	}
	return nil
}
