// Package dashboard is the observability surface: a snapshot document over
// ingestion, workflows and system health, served over HTTP and pushed over
// a websocket stream.
package dashboard

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/ingest"
	"github.com/fluxline/fluxline/pkg/kvstore"
)

const recentEventLimit = 20

// SystemStats is the host-level figures the alert thresholds apply to.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Goroutines    int     `json:"goroutines"`
	HeapMB        float64 `json:"heap_mb"`
}

// StatsFunc supplies system stats; swapped for a probe in production and a
// fixture in tests.
type StatsFunc func() SystemStats

func runtimeStats() SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemStats{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(m.HeapAlloc) / (1 << 20),
	}
}

// Narrow views over the components the snapshot aggregates.
type (
	GitEventSource interface {
		RecentEvents(ctx context.Context, repository string, limit int) ([]domain.Event, error)
	}
	GitMonitor interface {
		Status() ingest.Status
	}
	WebhookIngress interface {
		ReceivedCounts() map[domain.WebhookSource]int64
	}
	WorkflowSource interface {
		Executions() []domain.WorkflowExecution
	}
)

// Sources is everything a snapshot draws from. Nil fields degrade to empty
// sections rather than errors.
type Sources struct {
	Events    GitEventSource
	Monitor   GitMonitor
	Webhooks  WebhookIngress
	Workflows WorkflowSource
	KV        *kvstore.Store
	Stats     StatsFunc
}

// Alert is one derived warning surfaced on the snapshot.
type Alert struct {
	Severity  string `json:"severity"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Snapshot is the aggregated dashboard document.
type Snapshot struct {
	GitEvents          []domain.Event             `json:"git_events"`
	WebhookEvents      []map[string]any           `json:"webhook_events"`
	WorkflowExecutions []domain.WorkflowExecution `json:"workflow_executions"`
	SystemMetrics      SystemMetrics              `json:"system_metrics"`
	RepositoryStatus   ingest.Status              `json:"repository_status"`
	Alerts             []Alert                    `json:"alerts"`
	Timestamp          time.Time                  `json:"timestamp"`
}

// SystemMetrics is the metric section of the snapshot.
type SystemMetrics struct {
	GitEvents struct {
		Total     int `json:"total"`
		Monitored int `json:"monitored_repositories"`
	} `json:"git_events"`
	Webhooks struct {
		Total    int64            `json:"total"`
		BySource map[string]int64 `json:"by_source"`
	} `json:"webhooks"`
	Workflows struct {
		Total       int     `json:"total"`
		Running     int     `json:"running"`
		Completed   int     `json:"completed"`
		Failed      int     `json:"failed"`
		SuccessRate float64 `json:"success_rate"`
	} `json:"workflows"`
	System struct {
		Stats          SystemStats `json:"stats"`
		RedisConnected bool        `json:"redis_connected"`
	} `json:"system"`
}

// Build assembles one snapshot document.
func (s *Sources) Build(ctx context.Context) Snapshot {
	snap := Snapshot{
		GitEvents:          []domain.Event{},
		WebhookEvents:      []map[string]any{},
		WorkflowExecutions: []domain.WorkflowExecution{},
		Alerts:             []Alert{},
		Timestamp:          time.Now().UTC(),
	}

	if s.Monitor != nil {
		snap.RepositoryStatus = s.Monitor.Status()
	}
	snap.SystemMetrics.GitEvents.Monitored = snap.RepositoryStatus.MonitoredCount

	if s.Events != nil {
		for _, repo := range snap.RepositoryStatus.Repositories {
			events, err := s.Events.RecentEvents(ctx, repo.Repository, recentEventLimit)
			if err != nil {
				continue
			}
			snap.GitEvents = append(snap.GitEvents, events...)
		}
	}
	snap.SystemMetrics.GitEvents.Total = len(snap.GitEvents)

	snap.SystemMetrics.Webhooks.BySource = map[string]int64{}
	if s.Webhooks != nil {
		for source, count := range s.Webhooks.ReceivedCounts() {
			snap.SystemMetrics.Webhooks.BySource[string(source)] = count
			snap.SystemMetrics.Webhooks.Total += count
			snap.WebhookEvents = append(snap.WebhookEvents, s.recentWebhooks(ctx, string(source))...)
		}
	}

	if s.Workflows != nil {
		snap.WorkflowExecutions = s.Workflows.Executions()
		terminal := 0
		for _, e := range snap.WorkflowExecutions {
			switch e.Status {
			case domain.ExecutionRunning, domain.ExecutionPending:
				snap.SystemMetrics.Workflows.Running++
			case domain.ExecutionCompleted:
				snap.SystemMetrics.Workflows.Completed++
				terminal++
			default:
				snap.SystemMetrics.Workflows.Failed++
				terminal++
			}
		}
		snap.SystemMetrics.Workflows.Total = len(snap.WorkflowExecutions)
		if terminal > 0 {
			snap.SystemMetrics.Workflows.SuccessRate =
				float64(snap.SystemMetrics.Workflows.Completed) / float64(terminal)
		} else {
			snap.SystemMetrics.Workflows.SuccessRate = 1
		}
	} else {
		snap.SystemMetrics.Workflows.SuccessRate = 1
	}

	stats := runtimeStats
	if s.Stats != nil {
		stats = s.Stats
	}
	snap.SystemMetrics.System.Stats = stats()
	if s.KV != nil {
		snap.SystemMetrics.System.RedisConnected = s.KV.Ping(ctx) == nil
	}

	snap.Alerts = deriveAlerts(&snap)
	return snap
}

// recentWebhooks reads back recent webhook mirrors for one source.
func (s *Sources) recentWebhooks(ctx context.Context, source string) []map[string]any {
	if s.KV == nil {
		return nil
	}
	entries, err := s.KV.XRange(ctx, "webhooks:stream:"+source, "-", "+")
	if err != nil {
		return nil
	}
	if len(entries) > recentEventLimit {
		entries = entries[len(entries)-recentEventLimit:]
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		doc, err := json.Marshal(entry.Values)
		if err != nil {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(doc, &rec); err != nil {
			continue
		}
		rec["source"] = source
		out = append(out, rec)
	}
	return out
}

// deriveAlerts applies the alerting thresholds to a built snapshot.
func deriveAlerts(snap *Snapshot) []Alert {
	alerts := []Alert{}
	stats := snap.SystemMetrics.System.Stats

	if stats.CPUPercent > 80 {
		alerts = append(alerts, Alert{Severity: "warning", Component: "system",
			Message: "CPU usage above 80%"})
	}
	if stats.MemoryPercent > 85 {
		alerts = append(alerts, Alert{Severity: "warning", Component: "system",
			Message: "memory usage above 85%"})
	}
	if stats.DiskPercent > 90 {
		alerts = append(alerts, Alert{Severity: "critical", Component: "system",
			Message: "disk usage above 90%"})
	}
	if !snap.SystemMetrics.System.RedisConnected {
		alerts = append(alerts, Alert{Severity: "error", Component: "cache_store",
			Message: "cache store is not connected"})
	}
	if snap.SystemMetrics.Workflows.SuccessRate < 0.8 {
		alerts = append(alerts, Alert{Severity: "warning", Component: "workflows",
			Message: "workflow success rate below 80%"})
	}
	if snap.RepositoryStatus.MonitoredCount == 0 {
		alerts = append(alerts, Alert{Severity: "warning", Component: "git_monitor",
			Message: "git monitoring is inactive"})
	}
	return alerts
}
