package domain

import "time"

// RunState is the current position of a run in the pipeline state machine.
type RunState string

const (
	StateCreated           RunState = "CREATED"
	StatePreprocessing     RunState = "PREPROCESSING"
	StateTraining          RunState = "TRAINING"
	StateEvaluatingQuality RunState = "EVALUATING_QUALITY"
	StateAwaitingApproval  RunState = "AWAITING_APPROVAL"
	StateDeployingDev      RunState = "DEPLOYING_DEV"
	StateDeployingProd     RunState = "DEPLOYING_PROD"
	StateCompleted         RunState = "COMPLETED"
	StateFailed            RunState = "FAILED"
	StateCancelled         RunState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ApprovalState tracks the human approval gate for production deployments.
type ApprovalState string

const (
	ApprovalNotRequired ApprovalState = "not_required"
	ApprovalPending     ApprovalState = "pending"
	ApprovalApproved    ApprovalState = "approved"
	ApprovalRejected    ApprovalState = "rejected"
)

// PipelineRun is the aggregate root for one pipeline execution. It is owned
// and mutated by exactly one run host instance; everyone else sees copies.
type PipelineRun struct {
	RunID         string                 `json:"run_id"`
	FilePath      string                 `json:"file_path"`
	TriggerType   string                 `json:"trigger_type"`
	State         RunState               `json:"state"`
	CurrentStage  Stage                  `json:"current_stage,omitempty"`
	StageResults  map[Stage]*StageResult `json:"stage_results"`
	StageOrder    []Stage                `json:"stage_order"`
	Failures      []FailureRecord        `json:"failures,omitempty"`
	Quality       *QualityDecision       `json:"quality,omitempty"`
	Approval      ApprovalState          `json:"approval_state"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
}

// NewRun seeds a run from a trigger event.
func NewRun(trigger TriggerEvent) *PipelineRun {
	return &PipelineRun{
		RunID:        trigger.RunID(),
		FilePath:     trigger.FilePath,
		TriggerType:  trigger.TriggerType,
		State:        StateCreated,
		StageResults: make(map[Stage]*StageResult),
		Approval:     ApprovalNotRequired,
		CreatedAt:    trigger.ReceivedAt,
	}
}

// Result returns the recorded result for a stage, if any.
func (r *PipelineRun) Result(stage Stage) (*StageResult, bool) {
	res, ok := r.StageResults[stage]
	return res, ok
}

// RecordResult appends a stage result, preserving stage order. Recording the
// same stage twice is a no-op: results are immutable once written.
func (r *PipelineRun) RecordResult(res *StageResult) {
	if _, ok := r.StageResults[res.Stage]; ok {
		return
	}
	if r.StageResults == nil {
		r.StageResults = make(map[Stage]*StageResult)
	}
	r.StageResults[res.Stage] = res
	r.StageOrder = append(r.StageOrder, res.Stage)
}

// Clone returns a deep-enough copy for status snapshots. Stage results are
// immutable, so sharing their pointers is safe.
func (r *PipelineRun) Clone() *PipelineRun {
	cp := *r
	cp.StageResults = make(map[Stage]*StageResult, len(r.StageResults))
	for k, v := range r.StageResults {
		cp.StageResults[k] = v
	}
	cp.StageOrder = append([]Stage(nil), r.StageOrder...)
	cp.Failures = append([]FailureRecord(nil), r.Failures...)
	if r.Quality != nil {
		q := *r.Quality
		cp.Quality = &q
	}
	return &cp
}
