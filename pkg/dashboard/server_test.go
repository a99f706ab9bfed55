package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/ingest"
	"github.com/fluxline/fluxline/pkg/kvstore"
)

type fakeMonitor struct{ status ingest.Status }

func (f *fakeMonitor) Status() ingest.Status { return f.status }

type fakeEvents struct{ events []domain.Event }

func (f *fakeEvents) RecentEvents(ctx context.Context, repository string, limit int) ([]domain.Event, error) {
	return f.events, nil
}

type fakeWebhooks struct {
	counts map[domain.WebhookSource]int64
}

func (f *fakeWebhooks) ReceivedCounts() map[domain.WebhookSource]int64 { return f.counts }

type fakeWorkflows struct{ executions []domain.WorkflowExecution }

func (f *fakeWorkflows) Executions() []domain.WorkflowExecution { return f.executions }

func testKV(t *testing.T) (*kvstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstore.NewWithClient(rdb)
	t.Cleanup(func() { _ = kv.Close() })
	return kv, mr
}

func healthySources(t *testing.T) (*Sources, *miniredis.Miniredis) {
	t.Helper()
	kv, mr := testKV(t)
	return &Sources{
		Events: &fakeEvents{events: []domain.Event{{ID: "e1", Kind: domain.EventCommit, Repository: "test/repo"}}},
		Monitor: &fakeMonitor{status: ingest.Status{
			MonitoredCount: 1,
			Repositories:   []ingest.RepoStatus{{Repository: "test/repo", LastCheck: time.Now()}},
		}},
		Webhooks:  &fakeWebhooks{counts: map[domain.WebhookSource]int64{domain.SourceGitHub: 3}},
		Workflows: &fakeWorkflows{executions: []domain.WorkflowExecution{{ExecutionID: "x1", Status: domain.ExecutionCompleted}}},
		KV:        kv,
		Stats:     func() SystemStats { return SystemStats{CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30} },
	}, mr
}

func TestSnapshotDocumentShape(t *testing.T) {
	sources, _ := healthySources(t)
	s := NewServer(sources, nil, 0)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	for _, field := range []string{"git_events", "webhook_events", "workflow_executions",
		"system_metrics", "repository_status", "alerts", "timestamp"} {
		assert.Contains(t, doc, field)
	}
}

func TestMetricsEndpointIsSubset(t *testing.T) {
	sources, _ := healthySources(t)
	s := NewServer(sources, nil, 0)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Contains(t, doc, "system_metrics")
	assert.Contains(t, doc, "timestamp")
	assert.NotContains(t, doc, "git_events")
}

func TestHealthCountsAddUp(t *testing.T) {
	sources, _ := healthySources(t)
	s := NewServer(sources, nil, 0)

	report := s.buildHealth(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.RedisConnected)
	assert.Equal(t, report.TotalComponents, report.OnlineCount+report.OfflineCount)
	assert.NotZero(t, report.TotalComponents)
}

func TestHealthUnhealthyWhenRedisDown(t *testing.T) {
	sources, mr := healthySources(t)
	s := NewServer(sources, nil, 0)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	mr.Close()
	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.RedisConnected)
	assert.Equal(t, report.TotalComponents, report.OnlineCount+report.OfflineCount)
	assert.False(t, report.Timestamp.IsZero())
}

func TestAlertThresholds(t *testing.T) {
	sources, _ := healthySources(t)
	sources.Stats = func() SystemStats {
		return SystemStats{CPUPercent: 95, MemoryPercent: 90, DiskPercent: 95}
	}
	sources.Monitor = &fakeMonitor{}

	snap := sources.Build(context.Background())

	var messages []string
	severities := map[string]string{}
	for _, a := range snap.Alerts {
		messages = append(messages, a.Message)
		severities[a.Message] = a.Severity
	}
	joined := strings.Join(messages, "; ")
	assert.Contains(t, joined, "CPU")
	assert.Contains(t, joined, "memory")
	assert.Contains(t, joined, "disk")
	assert.Contains(t, joined, "git monitoring is inactive")
	assert.Equal(t, "critical", severities["disk usage above 90%"])
}

func TestAlertRedisDisconnectedAndLowSuccessRate(t *testing.T) {
	sources, mr := healthySources(t)
	sources.Workflows = &fakeWorkflows{executions: []domain.WorkflowExecution{
		{Status: domain.ExecutionFailed},
		{Status: domain.ExecutionFailed},
		{Status: domain.ExecutionCompleted},
	}}
	mr.Close()

	snap := sources.Build(context.Background())
	var components []string
	for _, a := range snap.Alerts {
		components = append(components, a.Component)
	}
	assert.Contains(t, components, "cache_store")
	assert.Contains(t, components, "workflows")
}

func TestNoAlertsWhenHealthy(t *testing.T) {
	sources, _ := healthySources(t)
	snap := sources.Build(context.Background())
	assert.Empty(t, snap.Alerts)
	assert.InDelta(t, 1.0, snap.SystemMetrics.Workflows.SuccessRate, 1e-9)
}

func TestStreamPushesDashboardUpdates(t *testing.T) {
	sources, _ := healthySources(t)
	s := NewServer(sources, nil, 30*time.Millisecond)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunStream(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var update struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &update))
	assert.Equal(t, "dashboard_update", update.Type)
	assert.NotEmpty(t, update.Data)
}

func TestStreamSurvivesClientDisconnect(t *testing.T) {
	sources, _ := healthySources(t)
	s := NewServer(sources, nil, 30*time.Millisecond)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunStream(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	// kill the first client; the second must keep receiving updates
	first.Close()

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 2; i++ {
		_, _, err = second.ReadMessage()
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 3*time.Second, 20*time.Millisecond)
}
