package workflow

import (
	"context"
	"encoding/json"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/store"
)

// DBSink persists executions and stage results to Postgres. Both writes
// are upserts so the orchestrator can snapshot the same record more than
// once as it progresses.
type DBSink struct {
	db *store.DB
}

func NewDBSink(db *store.DB) *DBSink {
	return &DBSink{db: db}
}

const upsertExecutionSQL = `
INSERT INTO workflow_executions
	(execution_id, workflow_id, status, triggered_by, environment,
	 input_data, output_data, error_data, started_at, completed_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (execution_id) DO UPDATE SET
	status = EXCLUDED.status,
	output_data = EXCLUDED.output_data,
	error_data = EXCLUDED.error_data,
	completed_at = EXCLUDED.completed_at,
	duration_ms = EXCLUDED.duration_ms`

func (s *DBSink) SaveExecution(ctx context.Context, e *domain.WorkflowExecution) error {
	input, err := marshalJSONB(e.Input)
	if err != nil {
		return errors.New(errors.KindInternal, "workflow", "encode execution input", err)
	}
	output, err := marshalJSONB(e.Output)
	if err != nil {
		return errors.New(errors.KindInternal, "workflow", "encode execution output", err)
	}
	errData, err := marshalJSONB(e.ErrorData)
	if err != nil {
		return errors.New(errors.KindInternal, "workflow", "encode execution error data", err)
	}

	_, err = s.db.ExecContext(ctx, upsertExecutionSQL,
		e.ExecutionID, e.WorkflowID, string(e.Status), e.TriggeredBy, e.Environment,
		input, output, errData, e.StartedAt, e.CompletedAt, e.Duration.Milliseconds())
	if err != nil {
		return errors.New(errors.KindTransient, "workflow", "persist execution", err).
			With("execution_id", e.ExecutionID)
	}
	return nil
}

const upsertStageSQL = `
INSERT INTO workflow_stage_results
	(execution_id, stage_id, stage_name, stage_type, status,
	 started_at, completed_at, output, error, retry_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (execution_id, stage_id) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	output = EXCLUDED.output,
	error = EXCLUDED.error,
	retry_count = EXCLUDED.retry_count`

func (s *DBSink) SaveStage(ctx context.Context, r *domain.StageResult) error {
	output, err := marshalJSONB(r.Output)
	if err != nil {
		return errors.New(errors.KindInternal, "workflow", "encode stage output", err)
	}

	_, err = s.db.ExecContext(ctx, upsertStageSQL,
		r.ExecutionID, r.StageID, r.StageName, r.StageType, string(r.Status),
		r.StartedAt, r.CompletedAt, output, r.Error, r.RetryCount)
	if err != nil {
		return errors.New(errors.KindTransient, "workflow", "persist stage result", err).
			With("execution_id", r.ExecutionID).With("stage_id", r.StageID)
	}
	return nil
}

// marshalJSONB turns a map into a JSONB column value, keeping NULL for
// empty maps instead of storing "{}" noise.
func marshalJSONB(v any) (any, error) {
	switch m := v.(type) {
	case map[string]json.RawMessage:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(m) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
