package analytics

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/logger"
)

// minTrainingSamples is the floor below which the models stay unset and
// predictions carry zero confidence.
const minTrainingSamples = 10

// FactorContribution names one feature's weight in a prediction.
type FactorContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// FailurePrediction is the classifier output.
type FailurePrediction struct {
	Predicted   bool                 `json:"predicted"`
	Probability float64              `json:"probability"`
	Confidence  float64              `json:"confidence"`
	TopFactors  []FactorContribution `json:"top_factors,omitempty"`
}

// DurationPrediction is the regressor output.
type DurationPrediction struct {
	Seconds    float64 `json:"predicted_seconds"`
	Confidence float64 `json:"confidence"`
}

// Predictor holds the failure classifier and duration regressor, training
// them on demand from accumulated samples.
type Predictor struct {
	log zerolog.Logger

	mu         sync.Mutex
	samples    []Sample
	scaler     *standardScaler
	classifier *forest
	regressor  *forest
}

func NewPredictor() *Predictor {
	return &Predictor{log: logger.New("predictor")}
}

// AddSample records one labeled observation. Models are invalidated so the
// next prediction retrains on the enlarged set.
func (p *Predictor) AddSample(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, s)
	p.classifier = nil
	p.regressor = nil
}

// SampleCount returns the number of accumulated observations.
func (p *Predictor) SampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

// train fits both models. Caller holds p.mu. With fewer than ten samples
// the models remain unset.
func (p *Predictor) train() bool {
	if p.classifier != nil && p.regressor != nil {
		return true
	}
	if len(p.samples) < minTrainingSamples {
		return false
	}

	p.scaler = fitScaler(p.samples)
	x := make([][]float64, len(p.samples))
	failureY := make([]float64, len(p.samples))
	durationY := make([]float64, len(p.samples))
	for i, s := range p.samples {
		x[i] = p.scaler.transform(s.Features)
		if s.Failed {
			failureY[i] = 1
		}
		durationY[i] = s.DurationSeconds
	}

	params := defaultForestParams()
	p.classifier = fitForest(x, failureY, params)
	params.seed = 2
	p.regressor = fitForest(x, durationY, params)
	p.log.Info().Int("samples", len(p.samples)).Msg("prediction models trained")
	return true
}

// PredictFailure returns the failure probability for a feature vector,
// with a binary decision at 0.5 and the top three contributing features.
func (p *Predictor) PredictFailure(f Features) FailurePrediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.train() {
		return FailurePrediction{Predicted: false, Probability: 0, Confidence: 0}
	}

	x := p.scaler.transform(f)
	probability := clamp01(p.classifier.predict(x))

	contribs := p.classifier.contributions(x)
	factors := make([]FactorContribution, 0, featureCount)
	for i, c := range contribs {
		factors = append(factors, FactorContribution{Feature: FeatureNames[i], Contribution: c})
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i].Contribution > factors[j].Contribution })
	if len(factors) > 3 {
		factors = factors[:3]
	}

	// confidence grows with distance from the decision boundary
	return FailurePrediction{
		Predicted:   probability >= 0.5,
		Probability: probability,
		Confidence:  clamp01(2 * abs(probability-0.5)),
		TopFactors:  factors,
	}
}

// PredictDuration returns the expected duration in seconds. Below the
// training floor the result carries zero confidence; with enough history
// but no regressor it falls back to the historical mean at confidence 0.5.
func (p *Predictor) PredictDuration(f Features) DurationPrediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.train() {
		return DurationPrediction{}
	}
	if p.regressor == nil {
		sum := 0.0
		for _, s := range p.samples {
			sum += s.DurationSeconds
		}
		return DurationPrediction{Seconds: sum / float64(len(p.samples)), Confidence: 0.5}
	}
	x := p.scaler.transform(f)
	return DurationPrediction{Seconds: p.regressor.predict(x), Confidence: 0.8}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
