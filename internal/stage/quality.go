package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
)

// AssessQuality decides whether a model may be deployed.
//
// The decision is filename-driven for demo predictability: a dataset name
// containing "good" always passes, "bad" always fails, and anything else
// passes with the configured probability drawn from the injected random
// source. Threshold checks against the training metrics feed the reason.
func (s *Stages) AssessQuality(ctx context.Context, in *TrainResult) (*domain.QualityDecision, error) {
	if s.simulated(domain.StageQualityGate) {
		return nil, fault.StageLogicf("simulated quality assessment failure")
	}

	filename := strings.ToLower(filepath.Base(in.DatasetPath))
	decision := &domain.QualityDecision{Score: in.Metrics.Accuracy}

	switch {
	case strings.Contains(filename, "good"):
		decision.Passed = true
		decision.Reason = "all quality thresholds met"
	case strings.Contains(filename, "bad"):
		decision.Passed = false
		decision.Reason = s.thresholdReport(in.Metrics)
	default:
		// Independent stream from training so adding metrics draws never
		// shifts the gate outcome for existing files.
		rng := s.cfg.Rand(in.DatasetPath + "#quality")
		decision.Passed = rng.Float64() < s.cfg.PassProbability
		if decision.Passed {
			decision.Reason = fmt.Sprintf("sampled pass (p=%.2f)", s.cfg.PassProbability)
		} else {
			decision.Reason = fmt.Sprintf("sampled fail (p=%.2f): %s", s.cfg.PassProbability, s.thresholdReport(in.Metrics))
		}
	}

	return decision, nil
}

func (s *Stages) thresholdReport(m ModelMetrics) string {
	var failed []string
	if m.Accuracy < s.cfg.MinAccuracy {
		failed = append(failed, fmt.Sprintf("accuracy %.3f < %.2f", m.Accuracy, s.cfg.MinAccuracy))
	}
	if m.MAE > s.cfg.MaxMAE {
		failed = append(failed, fmt.Sprintf("mae %.3f > %.2f", m.MAE, s.cfg.MaxMAE))
	}
	if m.R2Score < s.cfg.MinR2 {
		failed = append(failed, fmt.Sprintf("r2 %.3f < %.2f", m.R2Score, s.cfg.MinR2))
	}
	if len(failed) == 0 {
		return "all quality thresholds met"
	}
	return strings.Join(failed, "; ")
}
