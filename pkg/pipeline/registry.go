// Package pipeline is the universal pipeline manager: a registry of known
// CI/CD workflows across platforms, a cross-platform coordinator with
// resource locking, and aggregate operations over the registered set.
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/logger"
)

// statsAlpha is the smoothing factor for the rolling success rate and
// average duration.
const statsAlpha = 0.1

// Registry tracks every known pipeline in memory with a KV mirror: a hash
// per pipeline id plus the pipeline_registry id set.
type Registry struct {
	kv  *kvstore.Store
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*domain.PipelineEntry
}

// NewRegistry builds a registry. A nil KV store disables mirroring.
func NewRegistry(kv *kvstore.Store) *Registry {
	return &Registry{
		kv:      kv,
		log:     logger.New("pipeline_registry"),
		entries: make(map[string]*domain.PipelineEntry),
	}
}

// Register upserts an entry keyed by its pipeline id. Registering the same
// id twice updates mirrored fields without duplicating the id in the set.
func (r *Registry) Register(ctx context.Context, entry domain.PipelineEntry) {
	if entry.PipelineID == "" {
		entry.PipelineID = domain.PipelineID(entry.Platform, entry.Repository, entry.WorkflowID)
	}

	r.mu.Lock()
	existing, ok := r.entries[entry.PipelineID]
	if ok {
		// preserve rolling stats across re-registration
		entry.SuccessRate = existing.SuccessRate
		entry.AvgDuration = existing.AvgDuration
		if entry.LastRun == nil {
			entry.LastRun = existing.LastRun
		}
	}
	r.entries[entry.PipelineID] = &entry
	r.mu.Unlock()

	r.mirror(ctx, &entry)
}

// UpdateStats folds one run outcome into the rolling statistics with an
// exponential moving average and stamps last_run.
func (r *Registry) UpdateStats(ctx context.Context, pipelineID string, success bool, duration time.Duration) bool {
	r.mu.Lock()
	entry, ok := r.entries[pipelineID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	entry.SuccessRate = (1-statsAlpha)*entry.SuccessRate + statsAlpha*outcome
	entry.AvgDuration = (1-statsAlpha)*entry.AvgDuration + statsAlpha*duration.Seconds()
	now := time.Now().UTC()
	entry.LastRun = &now
	if success {
		entry.Status = domain.StatusSuccess
	} else {
		entry.Status = domain.StatusFailed
	}
	snapshot := *entry
	r.mu.Unlock()

	r.mirror(ctx, &snapshot)
	return true
}

// SetStatus updates the live status of a pipeline.
func (r *Registry) SetStatus(ctx context.Context, pipelineID string, status domain.WorkflowStatus) bool {
	r.mu.Lock()
	entry, ok := r.entries[pipelineID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.Status = status
	snapshot := *entry
	r.mu.Unlock()

	r.mirror(ctx, &snapshot)
	return true
}

// Get returns a copy of one entry.
func (r *Registry) Get(pipelineID string) (domain.PipelineEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[pipelineID]
	if !ok {
		return domain.PipelineEntry{}, false
	}
	return *entry, true
}

// List returns copies of every entry, optionally filtered.
func (r *Registry) List(filter func(*domain.PipelineEntry) bool) []domain.PipelineEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PipelineEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if filter == nil || filter(entry) {
			out = append(out, *entry)
		}
	}
	return out
}

// ForRepository lists entries for one repository on one platform.
func (r *Registry) ForRepository(repository string, platform domain.Platform) []domain.PipelineEntry {
	return r.List(func(e *domain.PipelineEntry) bool {
		return e.Repository == repository && e.Platform == platform
	})
}

// Count returns the number of registered pipelines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// mirror writes the entry hash and membership set; KV failures degrade to
// log lines.
func (r *Registry) mirror(ctx context.Context, entry *domain.PipelineEntry) {
	if r.kv == nil {
		return
	}
	fields := map[string]any{
		"pipeline_id":  entry.PipelineID,
		"platform":     string(entry.Platform),
		"repository":   entry.Repository,
		"workflow_id":  entry.WorkflowID,
		"name":         entry.Name,
		"status":       string(entry.Status),
		"success_rate": strconv.FormatFloat(entry.SuccessRate, 'f', -1, 64),
		"avg_duration": strconv.FormatFloat(entry.AvgDuration, 'f', -1, 64),
	}
	if entry.LastRun != nil {
		fields["last_run"] = entry.LastRun.Format(time.RFC3339)
	}
	if err := r.kv.HSet(ctx, "pipeline:"+entry.PipelineID, fields); err != nil {
		r.log.Warn().Err(err).Str("pipeline_id", entry.PipelineID).Msg("registry mirror write failed")
		return
	}
	if _, err := r.kv.SAdd(ctx, "pipeline_registry", entry.PipelineID); err != nil {
		r.log.Warn().Err(err).Msg("registry set update failed")
	}
}
