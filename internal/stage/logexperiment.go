package stage

import (
	"context"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
	"github.com/vietddude/pipeliner/internal/tracking"
)

// LogResult records the tracking-store entry for a run's experiment.
type LogResult struct {
	ExperimentID int64     `json:"experiment_id"`
	LoggedAt     time.Time `json:"logged_at"`
}

// LogExperiment writes the experiment record to the tracking store. It runs
// whether or not the quality gate passed; sink failures pass through for
// classification (store outages retry indefinitely, bad credentials fail the
// run).
func (s *Stages) LogExperiment(ctx context.Context, runID string, tr *TrainResult, q *domain.QualityDecision) (*LogResult, error) {
	if s.simulated(domain.StageLogExperiment) {
		return nil, fault.StageLogicf("simulated tracking failure: store unavailable")
	}

	completed := tr.TrainedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	started := completed.Add(-time.Duration(tr.TrainingSeconds * float64(time.Second)))

	id, err := s.tracker.LogExperiment(ctx, &tracking.Record{
		RunID:           runID,
		ModelID:         tr.ModelID,
		DatasetPath:     tr.DatasetPath,
		Hyperparameters: tr.Hyperparameters,
		Accuracy:        tr.Metrics.Accuracy,
		MAE:             tr.Metrics.MAE,
		R2Score:         tr.Metrics.R2Score,
		TrainingSamples: tr.Metrics.TrainingSamples,
		TrainingSeconds: tr.TrainingSeconds,
		QualityPassed:   q != nil && q.Passed,
		StartedAt:       started,
		CompletedAt:     completed,
	})
	if err != nil {
		return nil, err
	}

	return &LogResult{ExperimentID: id, LoggedAt: time.Now().UTC()}, nil
}
