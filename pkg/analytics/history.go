// Package analytics aggregates pipeline execution history into performance
// metrics, bottleneck and trend analyses, and failure/duration predictions.
package analytics

import (
	"context"
	"time"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/store"
)

// StageSample is one stage duration within an execution.
type StageSample struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// ExecutionRecord is one historical pipeline run, as flat as the analyses
// need it. Resource fields are zero when the platform does not report them.
type ExecutionRecord struct {
	PipelineID   string        `json:"pipeline_id"`
	Platform     string        `json:"platform"`
	Status       string        `json:"status"`
	Branch       string        `json:"branch"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Stages       []StageSample `json:"stages,omitempty"`
	CPUSeconds   float64       `json:"cpu_seconds,omitempty"`
	MemoryMB     float64       `json:"memory_mb,omitempty"`
	ChangedFiles int           `json:"changed_files,omitempty"`
	CommitSize   int           `json:"commit_size,omitempty"`
}

// Succeeded reports whether the run ended well.
func (r ExecutionRecord) Succeeded() bool { return r.Status == "success" }

// HistorySource yields execution history for one pipeline over a window.
type HistorySource interface {
	Executions(ctx context.Context, platform, pipelineID string, days int) ([]ExecutionRecord, error)
}

// DBHistory reads execution history from the pipeline_executions table.
type DBHistory struct {
	db *store.DB
}

func NewDBHistory(db *store.DB) *DBHistory { return &DBHistory{db: db} }

const executionsSQL = `
SELECT pipeline_id, platform, status, COALESCE(branch, '') AS branch,
       started_at, COALESCE(duration_ms, 0) AS duration_ms
FROM pipeline_executions
WHERE platform = $1 AND pipeline_id = $2 AND started_at >= $3
ORDER BY started_at ASC`

func (h *DBHistory) Executions(ctx context.Context, platform, pipelineID string, days int) ([]ExecutionRecord, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var rows []struct {
		PipelineID string    `db:"pipeline_id"`
		Platform   string    `db:"platform"`
		Status     string    `db:"status"`
		Branch     string    `db:"branch"`
		StartedAt  time.Time `db:"started_at"`
		DurationMS int64     `db:"duration_ms"`
	}
	if err := h.db.SelectContext(ctx, &rows, executionsSQL, platform, pipelineID, cutoff); err != nil {
		return nil, errors.New(errors.KindTransient, "analytics", "load execution history", err).
			With("pipeline_id", pipelineID)
	}

	records := make([]ExecutionRecord, len(rows))
	for i, row := range rows {
		records[i] = ExecutionRecord{
			PipelineID: row.PipelineID,
			Platform:   row.Platform,
			Status:     row.Status,
			Branch:     row.Branch,
			StartedAt:  row.StartedAt,
			Duration:   time.Duration(row.DurationMS) * time.Millisecond,
		}
	}
	return records, nil
}
