package analytics

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/logger"
)

// Effort levels a recommendation can carry.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// minExpectedImprovement gates automatic application.
const minExpectedImprovement = 0.10

// Recommendation is one candidate optimization for a pipeline.
type Recommendation struct {
	Type                string  `json:"type"`
	Description         string  `json:"description"`
	Effort              string  `json:"effort"`
	ExpectedImprovement float64 `json:"expected_improvement"`
}

// AppliedOptimization records one applied recommendation and its measured
// outcome.
type AppliedOptimization struct {
	Platform            string    `json:"platform"`
	PipelineID          string    `json:"pipeline_id"`
	Type                string    `json:"type"`
	ExpectedImprovement float64   `json:"expected_improvement"`
	ActualImprovement   float64   `json:"actual_improvement"`
	AppliedAt           time.Time `json:"applied_at"`
}

// Optimizer applies low-effort, high-expectation recommendations and keeps
// per-(platform, pipeline, type) history. Without a real controller the
// actual improvement is simulated at 80% of the expectation.
type Optimizer struct {
	log zerolog.Logger

	mu      sync.Mutex
	history map[string][]AppliedOptimization
}

func NewOptimizer() *Optimizer {
	return &Optimizer{
		log:     logger.New("optimizer"),
		history: make(map[string][]AppliedOptimization),
	}
}

func historyKey(platform, pipelineID, recType string) string {
	return fmt.Sprintf("%s:%s:%s", platform, pipelineID, recType)
}

// Apply filters the recommendations down to the automatable ones and
// records their outcome. Skipped recommendations are logged, not errors.
func (o *Optimizer) Apply(platform, pipelineID string, recs []Recommendation) []AppliedOptimization {
	applied := make([]AppliedOptimization, 0, len(recs))
	for _, rec := range recs {
		if rec.Effort != EffortLow || rec.ExpectedImprovement <= minExpectedImprovement {
			o.log.Debug().Str("type", rec.Type).Str("effort", rec.Effort).
				Float64("expected", rec.ExpectedImprovement).Msg("recommendation not auto-applicable")
			continue
		}

		record := AppliedOptimization{
			Platform:            platform,
			PipelineID:          pipelineID,
			Type:                rec.Type,
			ExpectedImprovement: rec.ExpectedImprovement,
			ActualImprovement:   rec.ExpectedImprovement * 0.8,
			AppliedAt:           time.Now().UTC(),
		}
		o.mu.Lock()
		key := historyKey(platform, pipelineID, rec.Type)
		o.history[key] = append(o.history[key], record)
		o.mu.Unlock()

		o.log.Info().Str("pipeline_id", pipelineID).Str("type", rec.Type).
			Float64("actual_improvement", record.ActualImprovement).Msg("optimization applied")
		applied = append(applied, record)
	}
	return applied
}

// History returns the applied record for one (platform, pipeline, type).
func (o *Optimizer) History(platform, pipelineID, recType string) []AppliedOptimization {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AppliedOptimization(nil), o.history[historyKey(platform, pipelineID, recType)]...)
}
