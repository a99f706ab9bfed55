package analytics

import (
	"math"
	"time"
)

// featureCount is the model input dimensionality.
const featureCount = 9

// FeatureNames are the model inputs in vector order.
var FeatureNames = [featureCount]string{
	"avg_duration",
	"duration_variance",
	"recent_failure_rate",
	"execution_frequency",
	"hour_of_day",
	"day_of_week",
	"changed_files_count",
	"commit_size",
	"is_main_branch",
}

// Features is one model input vector.
type Features [featureCount]float64

// Sample is one labeled training observation.
type Sample struct {
	Features        Features
	Failed          bool
	DurationSeconds float64
}

// BuildFeatures derives the feature vector for a run at the given time
// from its pipeline's recent history and commit context.
func BuildFeatures(history []ExecutionRecord, at time.Time, changedFiles, commitSize int, branch string) Features {
	var f Features

	if len(history) > 0 {
		durations := make([]float64, len(history))
		failures := 0
		for i, r := range history {
			durations[i] = r.Duration.Seconds()
			if !r.Succeeded() {
				failures++
			}
		}
		f[0] = mean(durations)
		f[1] = populationVariance(durations)
		f[2] = float64(failures) / float64(len(history))

		first, last := history[0].StartedAt, history[0].StartedAt
		for _, r := range history {
			if r.StartedAt.Before(first) {
				first = r.StartedAt
			}
			if r.StartedAt.After(last) {
				last = r.StartedAt
			}
		}
		spanDays := math.Max(1, last.Sub(first).Hours()/24)
		f[3] = float64(len(history)) / spanDays
	}

	f[4] = float64(at.Hour())
	f[5] = float64(at.Weekday())
	f[6] = float64(changedFiles)
	f[7] = float64(commitSize)
	if branch == "main" || branch == "master" {
		f[8] = 1
	}
	return f
}

// standardScaler centers and scales each feature to unit variance.
type standardScaler struct {
	mean [featureCount]float64
	std  [featureCount]float64
}

func fitScaler(samples []Sample) *standardScaler {
	s := &standardScaler{}
	n := float64(len(samples))
	for i := 0; i < featureCount; i++ {
		sum := 0.0
		for _, sample := range samples {
			sum += sample.Features[i]
		}
		s.mean[i] = sum / n

		varSum := 0.0
		for _, sample := range samples {
			d := sample.Features[i] - s.mean[i]
			varSum += d * d
		}
		s.std[i] = math.Sqrt(varSum / n)
		if s.std[i] == 0 {
			s.std[i] = 1
		}
	}
	return s
}

func (s *standardScaler) transform(f Features) []float64 {
	out := make([]float64, featureCount)
	for i := 0; i < featureCount; i++ {
		out[i] = (f[i] - s.mean[i]) / s.std[i]
	}
	return out
}
