package analytics

import (
	"strings"
	"time"

	"github.com/fluxline/fluxline/pkg/domain"
)

// EvaluateGate scores a quality gate against a metric snapshot. Criteria
// keyed with a _max suffix pass when the metric stays at or below the
// threshold; every other criterion passes at or above it. Metrics missing
// from the snapshot fail their criterion. Score is the passing share in
// [0, 100]; the gate passes only when every criterion does. A gate with
// no criteria fails outright; domain.ValidateGate rejects such gates at
// the boundary.
func EvaluateGate(gate domain.QualityGate, metrics map[string]float64) domain.GateExecution {
	start := time.Now()
	execution := domain.GateExecution{
		GateName:    gate.Name,
		Status:      domain.GateRunning,
		EvaluatedAt: start.UTC(),
	}

	if !gate.IsActive {
		execution.Status = domain.GateBypassed
		execution.Passed = true
		execution.Score = 100
		execution.BypassReason = "gate inactive"
		execution.Duration = time.Since(start)
		return execution
	}

	if len(gate.Criteria) == 0 {
		execution.Status = domain.GateFailed
		execution.Duration = time.Since(start)
		return execution
	}

	passed := 0
	for name, threshold := range gate.Criteria {
		value, ok := metrics[name]
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "_max") {
			if value <= threshold {
				passed++
			}
		} else if value >= threshold {
			passed++
		}
	}

	execution.Score = 100 * float64(passed) / float64(len(gate.Criteria))
	execution.Passed = passed == len(gate.Criteria)
	if execution.Passed {
		execution.Status = domain.GatePassed
	} else {
		execution.Status = domain.GateFailed
	}
	execution.Duration = time.Since(start)
	return execution
}

// BypassGate records a gate execution skipped with an explicit reason.
func BypassGate(gate domain.QualityGate, reason string) domain.GateExecution {
	return domain.GateExecution{
		GateName:     gate.Name,
		Status:       domain.GateBypassed,
		Score:        100,
		Passed:       true,
		BypassReason: reason,
		EvaluatedAt:  time.Now().UTC(),
	}
}
