package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
	"github.com/vietddude/pipeliner/internal/tracking"
)

// ModelMetrics are the mock training metrics evaluated by the quality gate.
type ModelMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	MAE             float64 `json:"mae"`
	R2Score         float64 `json:"r2_score"`
	TrainingSamples int     `json:"training_samples"`
}

// TrainResult describes a trained model artifact.
type TrainResult struct {
	ModelID         string                   `json:"model_id"`
	ModelURI        string                   `json:"model_uri"`
	DatasetPath     string                   `json:"dataset_path"`
	Hyperparameters tracking.Hyperparameters `json:"hyperparameters"`
	Metrics         ModelMetrics             `json:"metrics"`
	TrainingSeconds float64                  `json:"training_time_seconds"`
	TrainedAt       time.Time                `json:"trained_at"`
}

// Train mocks model training. Metric ranges are keyed off the filename so
// demo scenarios are predictable: "good" files land above the quality
// thresholds, "bad" files below, anything else in between.
func (s *Stages) Train(ctx context.Context, in *PreprocessResult) (*TrainResult, error) {
	if s.simulated(domain.StageTrain) {
		return nil, fault.StageLogicf("simulated training failure: GPU cluster unavailable")
	}
	if in.NumSamples < s.cfg.MinTrainingSamples {
		return nil, fault.Permanentf("insufficient training data: %d samples", in.NumSamples)
	}

	rng := s.cfg.Rand(in.ProcessedPath)
	filename := strings.ToLower(filepath.Base(in.ProcessedPath))

	var metrics ModelMetrics
	switch {
	case strings.Contains(filename, "good"):
		metrics = ModelMetrics{
			Accuracy: 0.85 + rng.Float64()*0.07,
			MAE:      1.2 + rng.Float64()*0.8,
			R2Score:  0.75 + rng.Float64()*0.13,
		}
	case strings.Contains(filename, "bad"):
		metrics = ModelMetrics{
			Accuracy: 0.70 + rng.Float64()*0.08,
			MAE:      2.6 + rng.Float64()*0.9,
			R2Score:  0.60 + rng.Float64()*0.08,
		}
	default:
		metrics = ModelMetrics{
			Accuracy: 0.78 + rng.Float64()*0.07,
			MAE:      2.0 + rng.Float64()*0.6,
			R2Score:  0.68 + rng.Float64()*0.07,
		}
	}
	metrics.TrainingSamples = in.NumSamples

	result := &TrainResult{
		ModelID:     fmt.Sprintf("model-%s", uuid.NewString()),
		DatasetPath: in.ProcessedPath,
		Hyperparameters: tracking.Hyperparameters{
			NEstimators: []int{50, 100, 200}[rng.Intn(3)],
			MaxDepth:    []int{5, 10, 15}[rng.Intn(3)],
			RandomState: 42,
		},
		Metrics:         metrics,
		TrainingSeconds: 15 + rng.Float64()*10,
		TrainedAt:       time.Now().UTC(),
	}

	manifest, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model manifest: %w", err)
	}
	uri, err := s.artifacts.Put(ctx, result.ModelID+".json", manifest, "application/json")
	if err != nil {
		return nil, fmt.Errorf("failed to store model artifact: %w", err)
	}
	result.ModelURI = uri

	return result, nil
}
