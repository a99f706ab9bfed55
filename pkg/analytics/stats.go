package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/logger"
)

// DataStatus qualifies an analysis result.
const (
	DataOK           = "ok"
	InsufficientData = "insufficient_data"
)

const trendMinExecutions = 10

// Performance is the historical window summary for one pipeline.
type Performance struct {
	Platform         string  `json:"platform"`
	PipelineID       string  `json:"pipeline_id"`
	WindowDays       int     `json:"window_days"`
	DataStatus       string  `json:"data_status"`
	Executions       int     `json:"executions"`
	AvgDuration      float64 `json:"avg_duration_seconds"`
	MedianDuration   float64 `json:"median_duration_seconds"`
	StdevDuration    float64 `json:"stdev_duration_seconds"`
	MinDuration      float64 `json:"min_duration_seconds"`
	MaxDuration      float64 `json:"max_duration_seconds"`
	P95Duration      float64 `json:"p95_duration_seconds"`
	P99Duration      float64 `json:"p99_duration_seconds"`
	SuccessRate      float64 `json:"success_rate"`
	FailureRate      float64 `json:"failure_rate"`
	ThroughputPerDay float64 `json:"throughput_per_day"`
}

// Bottleneck is one stage ranked by its drag on the pipeline.
type Bottleneck struct {
	Stage                 string   `json:"stage"`
	Executions            int      `json:"executions"`
	AvgDuration           float64  `json:"avg_duration_seconds"`
	Variance              float64  `json:"variance"`
	ImpactScore           float64  `json:"impact_score"`
	OptimizationPotential float64  `json:"optimization_potential"`
	Recommendations       []string `json:"recommendations"`
}

// Trend is the duration-over-time fit for one pipeline.
type Trend struct {
	Status             string  `json:"status"`
	SlopeSecondsPerRun float64 `json:"slope_seconds_per_run"`
	R2                 float64 `json:"r_squared"`
}

// Reliability summarizes failure behavior.
type Reliability struct {
	DataStatus             string  `json:"data_status"`
	Failures               int     `json:"failures"`
	MTTRSeconds            float64 `json:"mttr_seconds"`
	MTBFSeconds            float64 `json:"mtbf_seconds"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
}

// ResourceUsage summarizes reported resource consumption.
type ResourceUsage struct {
	DataStatus          string  `json:"data_status"`
	CPUEfficiency       float64 `json:"cpu_efficiency"`
	AvgMemoryMB         float64 `json:"avg_memory_mb"`
	PeakMemoryMB        float64 `json:"peak_memory_mb"`
	ResourceConsistency float64 `json:"resource_consistency"`
}

// Analyzer computes analyses over a history source, caching every result
// for five minutes.
type Analyzer struct {
	source HistorySource
	cache  *resultCache
	log    zerolog.Logger
}

func NewAnalyzer(source HistorySource) *Analyzer {
	return &Analyzer{
		source: source,
		cache:  newResultCache(cacheTTL),
		log:    logger.New("analytics"),
	}
}

// AnalyzePipelinePerformance summarizes the execution window. Raw metrics
// are returned for any non-empty history; only an empty window yields
// insufficient_data.
func (a *Analyzer) AnalyzePipelinePerformance(ctx context.Context, platform, pipelineID string, days int) (*Performance, error) {
	key := fmt.Sprintf("performance:%s:%s:%d", platform, pipelineID, days)
	if cached, ok := a.cache.get(key); ok {
		return cached.(*Performance), nil
	}

	records, err := a.source.Executions(ctx, platform, pipelineID, days)
	if err != nil {
		return nil, err
	}

	perf := &Performance{
		Platform:   platform,
		PipelineID: pipelineID,
		WindowDays: days,
		DataStatus: DataOK,
		Executions: len(records),
	}
	if len(records) == 0 {
		perf.DataStatus = InsufficientData
		a.cache.put(key, perf)
		return perf, nil
	}

	durations := make([]float64, len(records))
	successes := 0
	for i, r := range records {
		durations[i] = r.Duration.Seconds()
		if r.Succeeded() {
			successes++
		}
	}
	sort.Float64s(durations)

	perf.AvgDuration = mean(durations)
	perf.MedianDuration = percentile(durations, 50)
	perf.StdevDuration = stdev(durations)
	perf.MinDuration = durations[0]
	perf.MaxDuration = durations[len(durations)-1]
	perf.P95Duration = percentile(durations, 95)
	perf.P99Duration = percentile(durations, 99)
	perf.SuccessRate = float64(successes) / float64(len(records))
	perf.FailureRate = 1 - perf.SuccessRate
	if days > 0 {
		perf.ThroughputPerDay = float64(len(records)) / float64(days)
	}

	a.cache.put(key, perf)
	return perf, nil
}

// IdentifyBottlenecks groups stage samples by name and ranks them by
// impact score, descending.
func (a *Analyzer) IdentifyBottlenecks(records []ExecutionRecord) []Bottleneck {
	byStage := make(map[string][]float64)
	for _, r := range records {
		for _, s := range r.Stages {
			byStage[s.Name] = append(byStage[s.Name], s.Duration.Seconds())
		}
	}

	bottlenecks := make([]Bottleneck, 0, len(byStage))
	for stage, samples := range byStage {
		avg := mean(samples)
		variance := populationVariance(samples)

		b := Bottleneck{
			Stage:       stage,
			Executions:  len(samples),
			AvgDuration: avg,
			Variance:    variance,
		}
		if avg > 0 {
			b.ImpactScore = avg * (1 + variance/avg)
			b.OptimizationPotential = math.Min(0.5, variance/avg)
		}
		if avg > 120 {
			b.Recommendations = append(b.Recommendations,
				"cache dependencies to cut cold-start time",
				"optimize resource allocation for this stage")
		}
		if avg > 0 && variance/avg > 0.3 {
			b.Recommendations = append(b.Recommendations,
				"investigate flakiness sources",
				"add retries for transient failures")
		}
		bottlenecks = append(bottlenecks, b)
	}

	sort.Slice(bottlenecks, func(i, j int) bool {
		return bottlenecks[i].ImpactScore > bottlenecks[j].ImpactScore
	})
	return bottlenecks
}

// AnalyzeTrend fits duration against run index. Fewer than ten executions
// yields insufficient_data.
func (a *Analyzer) AnalyzeTrend(records []ExecutionRecord) Trend {
	if len(records) < trendMinExecutions {
		return Trend{Status: InsufficientData}
	}

	sorted := append([]ExecutionRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAt.Before(sorted[j].StartedAt) })

	xs := make([]float64, len(sorted))
	ys := make([]float64, len(sorted))
	for i, r := range sorted {
		xs[i] = float64(i)
		ys[i] = r.Duration.Seconds()
	}
	slope, r2 := linearFit(xs, ys)

	status := "stable"
	switch {
	case math.Abs(slope) < 1:
		status = "stable"
	case slope > 0:
		status = "degrading"
	default:
		status = "improving"
	}
	return Trend{Status: status, SlopeSecondsPerRun: slope, R2: r2}
}

// AnalyzeReliability computes MTTR, MTBF and the worst failure streak.
func (a *Analyzer) AnalyzeReliability(records []ExecutionRecord) Reliability {
	if len(records) == 0 {
		return Reliability{DataStatus: InsufficientData, MTBFSeconds: math.Inf(1)}
	}

	sorted := append([]ExecutionRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAt.Before(sorted[j].StartedAt) })

	rel := Reliability{DataStatus: DataOK}
	var (
		failureTimes  []time.Time
		repairSeconds []float64
		openFailure   *time.Time
		streak        int
	)
	for _, r := range sorted {
		if r.Succeeded() {
			if openFailure != nil {
				repairSeconds = append(repairSeconds, r.StartedAt.Sub(*openFailure).Seconds())
				openFailure = nil
			}
			streak = 0
			continue
		}
		rel.Failures++
		streak++
		if streak > rel.MaxConsecutiveFailures {
			rel.MaxConsecutiveFailures = streak
		}
		failureTimes = append(failureTimes, r.StartedAt)
		if openFailure == nil {
			t := r.StartedAt
			openFailure = &t
		}
	}

	if len(repairSeconds) > 0 {
		rel.MTTRSeconds = mean(repairSeconds)
	}
	if len(failureTimes) <= 1 {
		rel.MTBFSeconds = math.Inf(1)
	} else {
		gaps := make([]float64, 0, len(failureTimes)-1)
		for i := 1; i < len(failureTimes); i++ {
			gaps = append(gaps, failureTimes[i].Sub(failureTimes[i-1]).Seconds())
		}
		rel.MTBFSeconds = mean(gaps)
	}
	return rel
}

// AnalyzeResourceUsage summarizes reported cpu and memory figures.
func (a *Analyzer) AnalyzeResourceUsage(records []ExecutionRecord) ResourceUsage {
	var efficiencies, memories []float64
	peak := 0.0
	for _, r := range records {
		if r.Duration > 0 && r.CPUSeconds > 0 {
			efficiencies = append(efficiencies, r.CPUSeconds/r.Duration.Seconds())
		}
		if r.MemoryMB > 0 {
			memories = append(memories, r.MemoryMB)
			if r.MemoryMB > peak {
				peak = r.MemoryMB
			}
		}
	}
	if len(efficiencies) == 0 {
		return ResourceUsage{DataStatus: InsufficientData}
	}
	return ResourceUsage{
		DataStatus:          DataOK,
		CPUEfficiency:       mean(efficiencies),
		AvgMemoryMB:         mean(memories),
		PeakMemoryMB:        peak,
		ResourceConsistency: math.Max(0, 1-stdev(efficiencies)),
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationVariance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64) float64 { return math.Sqrt(populationVariance(xs)) }

// percentile interpolates linearly over a sorted slice. p is in [0, 100].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// linearFit returns the least-squares slope and R² of y against x.
func linearFit(xs, ys []float64) (slope, r2 float64) {
	mx, my := mean(xs), mean(ys)

	var sxy, sxx, syy float64
	for i := range xs {
		dx := xs[i] - mx
		dy := ys[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 {
		return 0, 0
	}
	slope = sxy / sxx
	if syy == 0 {
		return slope, 1
	}
	r2 = (sxy * sxy) / (sxx * syy)
	return slope, r2
}
