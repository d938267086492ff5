package stage

import (
	"context"
	"strings"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
)

// PreprocessResult describes the processed dataset handed to training.
type PreprocessResult struct {
	ProcessedPath string `json:"processed_file_path"`
	OriginalPath  string `json:"original_file_path"`
	NumSamples    int    `json:"num_samples"`
	NumFeatures   int    `json:"num_features"`
}

// Preprocess mocks dataset preparation: it derives the processed location and
// deterministic sample/feature counts from the trigger file.
func (s *Stages) Preprocess(ctx context.Context, trigger domain.TriggerEvent) (*PreprocessResult, error) {
	if s.simulated(domain.StagePreprocess) {
		return nil, fault.StageLogicf("simulated preprocessing failure for %s", trigger.FilePath)
	}
	if trigger.FilePath == "" {
		return nil, fault.Permanentf("trigger has no file path")
	}

	processed := strings.Replace(trigger.FilePath, "/raw/", "/processed/", 1)
	rng := s.cfg.Rand(trigger.FilePath)

	return &PreprocessResult{
		ProcessedPath: processed,
		OriginalPath:  trigger.FilePath,
		NumSamples:    500 + rng.Intn(4000),
		NumFeatures:   9 + rng.Intn(4),
	}, nil
}
