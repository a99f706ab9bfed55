package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fluxline/fluxline/pkg/connector"
	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/logger"
)

// Recommendation severities produced by Optimize.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Manager composes the registry, the coordinator, and the active connector
// set into the aggregate cross-platform operations.
type Manager struct {
	registry    *Registry
	coordinator *Coordinator
	log         zerolog.Logger
}

// NewManager wires the aggregate layer.
func NewManager(registry *Registry, coordinator *Coordinator) *Manager {
	return &Manager{
		registry:    registry,
		coordinator: coordinator,
		log:         logger.New("pipeline_manager"),
	}
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Coordinator exposes the underlying coordinator.
func (m *Manager) Coordinator() *Coordinator { return m.coordinator }

// DiscoverAll runs every active connector's discovery in parallel and
// registers each returned workflow. Per-connector failures are collected,
// not fatal.
func (m *Manager) DiscoverAll(ctx context.Context, repository string) (int, map[domain.Platform]error) {
	var (
		mu         sync.Mutex
		registered int
		failures   = make(map[domain.Platform]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range connector.Active() {
		conn := conn
		g.Go(func() error {
			workflows, err := conn.DiscoverWorkflows(gctx, repository)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[conn.Platform()] = err
				return nil
			}
			for _, wf := range workflows {
				m.registry.Register(gctx, domain.PipelineEntry{
					Platform:   wf.Platform,
					Repository: repository,
					WorkflowID: wf.ID,
					Name:       wf.Name,
					Status:     wf.Status,
				})
				registered++
			}
			return nil
		})
	}
	_ = g.Wait()
	return registered, failures
}

// TriggerCrossPlatform coordinates, then triggers every registered pipeline
// of the repository on each requested platform.
func (m *Manager) TriggerCrossPlatform(ctx context.Context, repository string, platforms []domain.Platform, branch string, inputs map[string]string) (*domain.Operation, error) {
	return m.coordinator.Coordinate(ctx, "trigger", platforms, repository,
		func(ctx context.Context, platform domain.Platform) (any, error) {
			conn, ok := connector.Get(platform)
			if !ok {
				return nil, fmt.Errorf("no connector registered for %s", platform)
			}
			var results []domain.TriggerResult
			for _, entry := range m.registry.ForRepository(repository, platform) {
				result, err := conn.TriggerWorkflow(ctx, repository, entry.WorkflowID, branch, inputs)
				if err != nil {
					m.log.Error().Err(err).Str("pipeline_id", entry.PipelineID).Msg("trigger failed")
					continue
				}
				if result != nil {
					results = append(results, *result)
					m.registry.SetStatus(ctx, entry.PipelineID, domain.StatusQueued)
				}
			}
			return results, nil
		})
}

// CancelCrossPlatform coordinates, then cancels registry entries currently
// in status running.
func (m *Manager) CancelCrossPlatform(ctx context.Context, repository string, platforms []domain.Platform) (*domain.Operation, error) {
	return m.coordinator.Coordinate(ctx, "cancel", platforms, repository,
		func(ctx context.Context, platform domain.Platform) (any, error) {
			conn, ok := connector.Get(platform)
			if !ok {
				return nil, fmt.Errorf("no connector registered for %s", platform)
			}
			cancelled := 0
			for _, entry := range m.registry.ForRepository(repository, platform) {
				if entry.Status != domain.StatusRunning {
					continue
				}
				ok, err := conn.CancelWorkflow(ctx, repository, entry.WorkflowID)
				if err != nil {
					m.log.Error().Err(err).Str("pipeline_id", entry.PipelineID).Msg("cancel failed")
					continue
				}
				if ok {
					m.registry.SetStatus(ctx, entry.PipelineID, domain.StatusCancelled)
					cancelled++
				}
			}
			return cancelled, nil
		})
}

// UnifiedStatus reports per-platform pipeline counts plus the overall
// rolling success rate for one repository.
func (m *Manager) UnifiedStatus(repository string) map[string]any {
	entries := m.registry.List(func(e *domain.PipelineEntry) bool {
		return e.Repository == repository
	})

	perPlatform := make(map[string]map[string]int)
	var rateSum float64
	for _, entry := range entries {
		platform := string(entry.Platform)
		if perPlatform[platform] == nil {
			perPlatform[platform] = make(map[string]int)
		}
		perPlatform[platform]["total"]++
		perPlatform[platform][string(entry.Status)]++
		rateSum += entry.SuccessRate
	}
	overall := 0.0
	if len(entries) > 0 {
		overall = rateSum / float64(len(entries))
	}
	return map[string]any{
		"repository":           repository,
		"platforms":            perPlatform,
		"total_pipelines":      len(entries),
		"overall_success_rate": overall,
	}
}

// Analytics aggregates rolling metrics across every registered pipeline.
func (m *Manager) Analytics() map[string]any {
	entries := m.registry.List(nil)

	perPlatform := make(map[string]int)
	var rateSum, durationSum float64
	for _, entry := range entries {
		perPlatform[string(entry.Platform)]++
		rateSum += entry.SuccessRate
		durationSum += entry.AvgDuration
	}
	avgRate, avgDuration := 0.0, 0.0
	if len(entries) > 0 {
		avgRate = rateSum / float64(len(entries))
		avgDuration = durationSum / float64(len(entries))
	}
	return map[string]any{
		"total_pipelines":      len(entries),
		"platform_counts":      perPlatform,
		"average_success_rate": avgRate,
		"average_duration":     avgDuration,
		"generated_at":         time.Now().UTC(),
	}
}

// Recommendation is one textual optimization suggestion.
type Recommendation struct {
	Priority   string `json:"priority"`
	PipelineID string `json:"pipeline_id,omitempty"`
	Message    string `json:"message"`
}

// Optimize inspects rolling metrics and emits recommendations: success
// rate below 90% is high priority, average duration above ten minutes is
// medium, and a platform load imbalance above three pipelines is low.
func (m *Manager) Optimize() []Recommendation {
	entries := m.registry.List(nil)

	var recs []Recommendation
	perPlatform := make(map[domain.Platform]int)
	for _, entry := range entries {
		perPlatform[entry.Platform]++
		if entry.SuccessRate < 0.90 {
			recs = append(recs, Recommendation{
				Priority:   PriorityHigh,
				PipelineID: entry.PipelineID,
				Message:    fmt.Sprintf("success rate %.0f%% is below 90%%, investigate recent failures", entry.SuccessRate*100),
			})
		}
		if entry.AvgDuration > (10 * time.Minute).Seconds() {
			recs = append(recs, Recommendation{
				Priority:   PriorityMedium,
				PipelineID: entry.PipelineID,
				Message:    fmt.Sprintf("average duration %.0fs exceeds 10 minutes, consider splitting or caching", entry.AvgDuration),
			})
		}
	}

	min, max := -1, 0
	for _, n := range perPlatform {
		if min == -1 || n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if len(perPlatform) > 1 && max-min > 3 {
		recs = append(recs, Recommendation{
			Priority: PriorityLow,
			Message:  fmt.Sprintf("platform load imbalance of %d pipelines, consider rebalancing", max-min),
		})
	}
	return recs
}
