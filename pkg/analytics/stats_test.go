package analytics

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHistory struct {
	records []ExecutionRecord
	calls   int
}

func (s *staticHistory) Executions(ctx context.Context, platform, pipelineID string, days int) ([]ExecutionRecord, error) {
	s.calls++
	return s.records, nil
}

func runsAt(base time.Time, durations []time.Duration, failures map[int]bool) []ExecutionRecord {
	records := make([]ExecutionRecord, len(durations))
	for i, d := range durations {
		status := "success"
		if failures[i] {
			status = "failed"
		}
		records[i] = ExecutionRecord{
			PipelineID: "p1",
			Platform:   "github_actions",
			Status:     status,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			Duration:   d,
		}
	}
	return records
}

func TestAnalyzePerformanceMetrics(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	src := &staticHistory{records: runsAt(base,
		[]time.Duration{60 * time.Second, 120 * time.Second, 180 * time.Second, 240 * time.Second},
		map[int]bool{3: true})}
	a := NewAnalyzer(src)

	perf, err := a.AnalyzePipelinePerformance(context.Background(), "github_actions", "p1", 30)
	require.NoError(t, err)
	assert.Equal(t, DataOK, perf.DataStatus)
	assert.Equal(t, 4, perf.Executions)
	assert.InDelta(t, 150, perf.AvgDuration, 1e-9)
	assert.InDelta(t, 150, perf.MedianDuration, 1e-9)
	assert.InDelta(t, 60, perf.MinDuration, 1e-9)
	assert.InDelta(t, 240, perf.MaxDuration, 1e-9)
	assert.InDelta(t, 0.75, perf.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, perf.FailureRate, 1e-9)
	assert.InDelta(t, 4.0/30.0, perf.ThroughputPerDay, 1e-9)
	assert.GreaterOrEqual(t, perf.P95Duration, perf.MedianDuration)
	assert.GreaterOrEqual(t, perf.P99Duration, perf.P95Duration)
}

func TestAnalyzePerformanceEmptyWindow(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})

	perf, err := a.AnalyzePipelinePerformance(context.Background(), "github_actions", "p1", 30)
	require.NoError(t, err)
	assert.Equal(t, InsufficientData, perf.DataStatus)
	assert.Zero(t, perf.Executions)
}

func TestPerformanceResultIsCached(t *testing.T) {
	src := &staticHistory{records: runsAt(time.Now().UTC(), []time.Duration{time.Minute}, nil)}
	a := NewAnalyzer(src)
	ctx := context.Background()

	_, err := a.AnalyzePipelinePerformance(ctx, "github_actions", "p1", 30)
	require.NoError(t, err)
	_, err = a.AnalyzePipelinePerformance(ctx, "github_actions", "p1", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second lookup must hit the cache")

	// different window is a different key
	_, err = a.AnalyzePipelinePerformance(ctx, "github_actions", "p1", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c := newResultCache(cacheTTL)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.put("k", "v")
	v, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(cacheTTL - time.Second)
	_, ok = c.get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.get("k")
	assert.False(t, ok)
}

func TestIdentifyBottlenecksRanksFlakyStageFirst(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})

	// build is a steady 30s, test averages 120s with +-50s spread, deploy 30s
	var records []ExecutionRecord
	testDurations := []time.Duration{70 * time.Second, 170 * time.Second, 70 * time.Second, 170 * time.Second}
	for i := 0; i < 4; i++ {
		records = append(records, ExecutionRecord{
			Status:    "success",
			StartedAt: time.Now().UTC(),
			Stages: []StageSample{
				{Name: "build", Duration: 30 * time.Second},
				{Name: "test", Duration: testDurations[i]},
				{Name: "deploy", Duration: 30 * time.Second},
			},
		})
	}

	bottlenecks := a.IdentifyBottlenecks(records)
	require.Len(t, bottlenecks, 3)
	assert.Equal(t, "test", bottlenecks[0].Stage, "highest impact stage must sort first")
	assert.Greater(t, bottlenecks[0].OptimizationPotential, 0.0)

	joined := strings.ToLower(strings.Join(bottlenecks[0].Recommendations, " "))
	assert.True(t,
		strings.Contains(joined, "flak") || strings.Contains(joined, "retries"),
		"variance-heavy stage must recommend flakiness work, got %q", joined)

	for _, b := range bottlenecks[1:] {
		assert.LessOrEqual(t, b.ImpactScore, bottlenecks[0].ImpactScore)
	}
}

func TestBottleneckSlowStageRecommendsCaching(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	records := []ExecutionRecord{
		{Stages: []StageSample{{Name: "build", Duration: 200 * time.Second}}},
		{Stages: []StageSample{{Name: "build", Duration: 200 * time.Second}}},
	}

	bottlenecks := a.IdentifyBottlenecks(records)
	require.Len(t, bottlenecks, 1)
	joined := strings.Join(bottlenecks[0].Recommendations, " ")
	assert.Contains(t, joined, "cache dependencies")
}

func TestTrendInsufficientData(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	records := runsAt(time.Now().UTC(), make([]time.Duration, 9), nil)
	assert.Equal(t, InsufficientData, a.AnalyzeTrend(records).Status)
}

func TestTrendDegradingImprovingStable(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	grow := make([]time.Duration, 12)
	for i := range grow {
		grow[i] = time.Duration(60+10*i) * time.Second
	}
	trend := a.AnalyzeTrend(runsAt(base, grow, nil))
	assert.Equal(t, "degrading", trend.Status)
	assert.InDelta(t, 10, trend.SlopeSecondsPerRun, 0.5)
	assert.InDelta(t, 1, trend.R2, 0.01)

	shrink := make([]time.Duration, 12)
	for i := range shrink {
		shrink[i] = time.Duration(300-10*i) * time.Second
	}
	assert.Equal(t, "improving", a.AnalyzeTrend(runsAt(base, shrink, nil)).Status)

	flat := make([]time.Duration, 12)
	for i := range flat {
		flat[i] = 100 * time.Second
	}
	assert.Equal(t, "stable", a.AnalyzeTrend(runsAt(base, flat, nil)).Status)
}

func TestReliabilityMetrics(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// success, fail, fail, success, fail, success: two failure episodes
	records := runsAt(base, make([]time.Duration, 6), map[int]bool{1: true, 2: true, 4: true})
	rel := a.AnalyzeReliability(records)
	assert.Equal(t, 3, rel.Failures)
	assert.Equal(t, 2, rel.MaxConsecutiveFailures)
	// first episode opens at +1h, repaired at +3h; second opens at +4h, repaired at +5h
	assert.InDelta(t, (2*3600+3600)/2.0, rel.MTTRSeconds, 1e-6)
	assert.False(t, math.IsInf(rel.MTBFSeconds, 1))
}

func TestReliabilitySingleFailureInfiniteMTBF(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	records := runsAt(time.Now().UTC(), make([]time.Duration, 3), map[int]bool{1: true})
	rel := a.AnalyzeReliability(records)
	assert.True(t, math.IsInf(rel.MTBFSeconds, 1))
}

func TestResourceUsage(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	records := []ExecutionRecord{
		{Duration: 100 * time.Second, CPUSeconds: 50, MemoryMB: 512},
		{Duration: 100 * time.Second, CPUSeconds: 50, MemoryMB: 1024},
	}
	usage := a.AnalyzeResourceUsage(records)
	assert.Equal(t, DataOK, usage.DataStatus)
	assert.InDelta(t, 0.5, usage.CPUEfficiency, 1e-9)
	assert.InDelta(t, 768, usage.AvgMemoryMB, 1e-9)
	assert.InDelta(t, 1024, usage.PeakMemoryMB, 1e-9)
	assert.InDelta(t, 1, usage.ResourceConsistency, 1e-9)
}

func TestResourceUsageWithoutData(t *testing.T) {
	a := NewAnalyzer(&staticHistory{})
	usage := a.AnalyzeResourceUsage([]ExecutionRecord{{Duration: time.Minute}})
	assert.Equal(t, InsufficientData, usage.DataStatus)
}
