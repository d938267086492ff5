package pipeline

import (
	"fmt"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
)

// EventType enumerates the state machine's event vocabulary.
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventQualityEvaluated  EventType = "quality_evaluated"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalRejected  EventType = "approval_rejected"
	EventApprovalTimedOut  EventType = "approval_timed_out"
	EventRunCancelled      EventType = "run_cancelled"
	EventRunCompleted      EventType = "run_completed"
	EventRunFailed         EventType = "run_failed"
)

// Event is one state machine input. Events are appended to the run's durable
// history; replaying them through Apply reproduces the run's decisions
// exactly.
type Event struct {
	Type        EventType               `json:"type"`
	Stage       domain.Stage            `json:"stage,omitempty"`
	Environment string                  `json:"environment,omitempty"`
	Result      *domain.StageResult     `json:"result,omitempty"`
	Failure     *domain.FailureRecord   `json:"failure,omitempty"`
	Quality     *domain.QualityDecision `json:"quality,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	At          time.Time               `json:"at"`
}

// transitions lists the legal state changes. FAILED and CANCELLED are
// reachable from every non-terminal state and are handled separately.
var transitions = map[domain.RunState][]domain.RunState{
	domain.StateCreated:           {domain.StatePreprocessing},
	domain.StatePreprocessing:     {domain.StateTraining},
	domain.StateTraining:          {domain.StateEvaluatingQuality},
	domain.StateEvaluatingQuality: {domain.StateDeployingDev, domain.StateAwaitingApproval},
	domain.StateAwaitingApproval:  {domain.StateDeployingProd},
	domain.StateDeployingDev:      {domain.StateCompleted},
	domain.StateDeployingProd:     {domain.StateCompleted},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to domain.RunState) bool {
	if from.Terminal() {
		return false
	}
	if to == domain.StateFailed || to == domain.StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stageState maps a stage start to the state it executes in. The
// experiment-logging stage runs inside EVALUATING_QUALITY and causes no
// transition; the deploy stage's target state depends on the environment.
func stageState(stage domain.Stage, environment string) (domain.RunState, error) {
	switch stage {
	case domain.StagePreprocess:
		return domain.StatePreprocessing, nil
	case domain.StageTrain:
		return domain.StateTraining, nil
	case domain.StageQualityGate, domain.StageLogExperiment:
		return domain.StateEvaluatingQuality, nil
	case domain.StageDeploy:
		if environment == "prod" {
			return domain.StateDeployingProd, nil
		}
		return domain.StateDeployingDev, nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}

// Apply advances a run by one event and returns the new snapshot. It is a
// pure, deterministic function of (snapshot, event): the input run is never
// mutated, no clocks or randomness are consulted, and replaying a persisted
// event history therefore reconstructs the identical run.
//
// Events that arrive outside their valid window (duplicate approvals, stale
// stage starts, signals after a terminal state) are ignored rather than
// rejected: the durable-execution model re-delivers work at least once.
func Apply(run *domain.PipelineRun, ev Event) (*domain.PipelineRun, error) {
	next := run.Clone()

	switch ev.Type {
	case EventRunStarted:
		if next.State != domain.StateCreated {
			return next, nil // replay
		}

	case EventStageStarted:
		target, err := stageState(ev.Stage, ev.Environment)
		if err != nil {
			return nil, err
		}
		if next.State == target {
			next.CurrentStage = ev.Stage
			return next, nil // retry or replay of the in-progress stage
		}
		if !CanTransition(next.State, target) {
			return nil, fmt.Errorf("illegal transition %s -> %s for stage %s", next.State, target, ev.Stage)
		}
		if target == domain.StateDeployingProd && next.Approval != domain.ApprovalApproved {
			return nil, fmt.Errorf("production deployment requires approval, have %s", next.Approval)
		}
		next.State = target
		next.CurrentStage = ev.Stage

	case EventStageCompleted:
		if ev.Result == nil {
			return nil, fmt.Errorf("stage_completed event without result")
		}
		// RecordResult is a no-op when the stage already completed, which
		// makes at-least-once stage delivery safe.
		next.RecordResult(ev.Result)

	case EventStageFailed:
		if ev.Failure == nil {
			return nil, fmt.Errorf("stage_failed event without failure record")
		}
		next.Failures = append(next.Failures, *ev.Failure)

	case EventQualityEvaluated:
		if ev.Quality == nil {
			return nil, fmt.Errorf("quality_evaluated event without decision")
		}
		if next.Quality != nil {
			return next, nil // decision is immutable once made
		}
		if next.State != domain.StateEvaluatingQuality {
			return nil, fmt.Errorf("quality decision in state %s", next.State)
		}
		q := *ev.Quality
		next.Quality = &q

	case EventApprovalRequested:
		if next.State == domain.StateAwaitingApproval {
			return next, nil // replay
		}
		if !CanTransition(next.State, domain.StateAwaitingApproval) {
			return nil, fmt.Errorf("illegal transition %s -> %s", next.State, domain.StateAwaitingApproval)
		}
		next.State = domain.StateAwaitingApproval
		next.Approval = domain.ApprovalPending

	case EventApprovalGranted:
		if next.Approval != domain.ApprovalPending {
			return next, nil // duplicate or out-of-window signal
		}
		next.Approval = domain.ApprovalApproved

	case EventApprovalRejected:
		if next.Approval != domain.ApprovalPending {
			return next, nil
		}
		next.Approval = domain.ApprovalRejected
		next.State = domain.StateCancelled
		next.CompletedAt = ev.At

	case EventApprovalTimedOut:
		if next.Approval != domain.ApprovalPending {
			return next, nil
		}
		next.State = domain.StateFailed
		next.FailureReason = "approval timeout"
		next.CompletedAt = ev.At

	case EventRunCancelled:
		if next.State.Terminal() {
			return next, nil
		}
		if next.Approval == domain.ApprovalPending {
			next.Approval = domain.ApprovalRejected
		}
		next.State = domain.StateCancelled
		next.CompletedAt = ev.At

	case EventRunCompleted:
		if next.State == domain.StateCompleted {
			return next, nil
		}
		if !CanTransition(next.State, domain.StateCompleted) {
			return nil, fmt.Errorf("illegal transition %s -> %s", next.State, domain.StateCompleted)
		}
		next.State = domain.StateCompleted
		next.CompletedAt = ev.At

	case EventRunFailed:
		if next.State.Terminal() {
			return next, nil
		}
		next.State = domain.StateFailed
		next.FailureReason = ev.Reason
		next.CompletedAt = ev.At

	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}

	return next, nil
}
