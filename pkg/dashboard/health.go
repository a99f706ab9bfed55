package dashboard

import (
	"context"
	"time"
)

// Health statuses of the whole process.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DBHealth is the optional relational-store probe.
type DBHealth interface {
	Health(ctx context.Context) error
}

// ComponentHealth is one component's online flag plus detail.
type ComponentHealth struct {
	Online bool   `json:"online"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport is the /api/health document. Online and offline counts
// always add up to the component total.
type HealthReport struct {
	Status          string                     `json:"status"`
	Timestamp       time.Time                  `json:"timestamp"`
	Components      map[string]ComponentHealth `json:"components"`
	OnlineCount     int                        `json:"components_online_count"`
	OfflineCount    int                        `json:"components_offline_count"`
	TotalComponents int                        `json:"total_components"`
	RedisConnected  bool                       `json:"redis_connected"`
}

// buildHealth probes each wired component. The cache store going away makes
// the process unhealthy; any other offline component degrades it.
func (s *Server) buildHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth),
	}

	redisOnline := s.sources.KV != nil && s.sources.KV.Ping(ctx) == nil
	report.RedisConnected = redisOnline
	report.Components["cache_store"] = componentHealth(redisOnline, "redis unreachable")

	if s.db != nil {
		dbOnline := s.db.Health(ctx) == nil
		report.Components["relational_store"] = componentHealth(dbOnline, "postgres unreachable")
	}

	if s.sources.Monitor != nil {
		status := s.sources.Monitor.Status()
		active := status.MonitoredCount > 0
		for _, repo := range status.Repositories {
			if repo.LastCheck.IsZero() {
				active = false
				break
			}
		}
		report.Components["git_monitor"] = componentHealth(active, "no repositories polled yet")
	}

	if s.sources.Workflows != nil {
		report.Components["orchestrator"] = ComponentHealth{Online: true}
	}

	for _, c := range report.Components {
		if c.Online {
			report.OnlineCount++
		} else {
			report.OfflineCount++
		}
	}
	report.TotalComponents = len(report.Components)

	switch {
	case !redisOnline:
		report.Status = StatusUnhealthy
	case report.OfflineCount > 0:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}

func componentHealth(online bool, offlineDetail string) ComponentHealth {
	if online {
		return ComponentHealth{Online: true}
	}
	return ComponentHealth{Online: false, Detail: offlineDetail}
}
