package domain

import "time"

// Stage identifies one unit of pipeline work.
type Stage string

const (
	StagePreprocess    Stage = "preprocess"
	StageTrain         Stage = "train"
	StageQualityGate   Stage = "evaluate_quality"
	StageDeploy        Stage = "deploy"
	StageLogExperiment Stage = "log_experiment"
)

// PipelineStages lists the stages in execution order. The deploy stage may run
// twice (dev then prod); the experiment-logging stage always runs after the
// quality gate regardless of its outcome.
var PipelineStages = []Stage{
	StagePreprocess,
	StageTrain,
	StageQualityGate,
	StageLogExperiment,
	StageDeploy,
}

// StageResult is produced once per successful stage execution and is immutable
// after creation.
type StageResult struct {
	Stage       Stage              `json:"stage"`
	Output      any                `json:"output"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Duration    time.Duration      `json:"duration"`
	CompletedAt time.Time          `json:"completed_at"`
}
