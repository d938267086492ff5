// Package pipeline contains the run state machine and the runner that drives
// it against the durable stores.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/infra/storage"
	"github.com/vietddude/pipeliner/internal/metrics"
	"github.com/vietddude/pipeliner/internal/pipeline/classify"
	"github.com/vietddude/pipeliner/internal/stage"
)

// RetryConfig defines backoff behavior between stage attempts.
type RetryConfig struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults: base interval doubling up to
// a one minute ceiling.
var DefaultRetryConfig = RetryConfig{
	InitialDelay:    1 * time.Second,
	MaxDelay:        60 * time.Second,
	BackoffMultiple: 2.0,
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// SignalKind enumerates external signals addressed to a run.
type SignalKind int

const (
	SignalApprove SignalKind = iota
	SignalReject
	SignalCancel
)

// Signal is an external decision delivered to a running pipeline.
type Signal struct {
	Kind      SignalKind
	DecidedBy string
}

// Config holds runner behavior settings.
type Config struct {
	// TargetEnv is the deployment target: "dev" deploys directly after the
	// quality gate, "prod" requires an approval decision first.
	TargetEnv string

	// DeployOnQualityFail relaxes the gate for demos: a failed quality
	// decision deploys to dev instead of failing the run.
	DeployOnQualityFail bool

	// ApprovalTimeout bounds the approval wait. Zero means wait forever.
	ApprovalTimeout time.Duration

	Retry RetryConfig
}

// errHalted unwinds Execute after the run reached a terminal state through a
// signal or policy decision; it never escapes the runner.
var errHalted = errors.New("run halted")

// Runner executes one pipeline run at a time against the durable stores. It
// holds no per-run state and is shared by all concurrent runs.
type Runner struct {
	cfg    Config
	stages *stage.Stages
	codec  *codec.Codec
	runs   storage.RunRepository
	events storage.EventRepository
	log    *slog.Logger
}

// NewRunner builds a runner.
func NewRunner(cfg Config, stages *stage.Stages, c *codec.Codec, runs storage.RunRepository, events storage.EventRepository, log *slog.Logger) *Runner {
	if cfg.TargetEnv == "" {
		cfg.TargetEnv = "dev"
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry = DefaultRetryConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, stages: stages, codec: c, runs: runs, events: events, log: log}
}

// Execute drives a run from its current snapshot to a terminal state. It is
// safe to call on a recovered run: completed stages are skipped, the approval
// wait resumes, and all transitions replay identically. A context cancellation
// suspends the run without failing it; the snapshot stays durable for the
// next recovery.
func (r *Runner) Execute(ctx context.Context, run *domain.PipelineRun, signals <-chan Signal) (*domain.PipelineRun, error) {
	log := r.log.With("run_id", run.RunID)

	if run.State.Terminal() {
		return run, nil
	}

	if err := r.apply(ctx, &run, Event{Type: EventRunStarted, At: time.Now().UTC()}); err != nil {
		return run, err
	}

	final, err := r.execute(ctx, run, signals, log)
	if errors.Is(err, errHalted) {
		return final, nil
	}
	return final, err
}

func (r *Runner) execute(ctx context.Context, run *domain.PipelineRun, signals <-chan Signal, log *slog.Logger) (*domain.PipelineRun, error) {
	// Straight-line stages. Each call either replays a recorded result or
	// invokes the stage with retry policy from the classifier.
	preOut, err := r.runStage(ctx, &run, signals, domain.StagePreprocess, "", func(ctx context.Context) (any, map[string]float64, error) {
		trigger := domain.TriggerEvent{FilePath: run.FilePath, TriggerType: run.TriggerType, ReceivedAt: run.CreatedAt}
		res, err := r.stages.Preprocess(ctx, trigger)
		if err != nil {
			return nil, nil, err
		}
		return res, map[string]float64{"num_samples": float64(res.NumSamples), "num_features": float64(res.NumFeatures)}, nil
	})
	if err != nil {
		return run, err
	}
	var pre stage.PreprocessResult
	if err := convertOutput(preOut, &pre); err != nil {
		return run, err
	}

	trainOut, err := r.runStage(ctx, &run, signals, domain.StageTrain, "", func(ctx context.Context) (any, map[string]float64, error) {
		res, err := r.stages.Train(ctx, &pre)
		if err != nil {
			return nil, nil, err
		}
		return res, map[string]float64{
			"accuracy": res.Metrics.Accuracy,
			"mae":      res.Metrics.MAE,
			"r2_score": res.Metrics.R2Score,
		}, nil
	})
	if err != nil {
		return run, err
	}
	var trained stage.TrainResult
	if err := convertOutput(trainOut, &trained); err != nil {
		return run, err
	}

	qualityOut, err := r.runStage(ctx, &run, signals, domain.StageQualityGate, "", func(ctx context.Context) (any, map[string]float64, error) {
		decision, err := r.stages.AssessQuality(ctx, &trained)
		if err != nil {
			return nil, nil, err
		}
		return decision, map[string]float64{"score": decision.Score}, nil
	})
	if err != nil {
		return run, err
	}
	var decision domain.QualityDecision
	if err := convertOutput(qualityOut, &decision); err != nil {
		return run, err
	}
	if err := r.apply(ctx, &run, Event{Type: EventQualityEvaluated, Quality: &decision, At: time.Now().UTC()}); err != nil {
		return run, err
	}
	log.Info("Quality gate evaluated", "passed", run.Quality.Passed, "score", run.Quality.Score, "reason", run.Quality.Reason)

	// The experiment is logged whether or not the gate passed.
	if _, err := r.runStage(ctx, &run, signals, domain.StageLogExperiment, "", func(ctx context.Context) (any, map[string]float64, error) {
		res, err := r.stages.LogExperiment(ctx, run.RunID, &trained, run.Quality)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	}); err != nil {
		return run, err
	}

	environment := "dev"
	switch {
	case !run.Quality.Passed && !r.cfg.DeployOnQualityFail:
		return run, r.failRun(ctx, &run, fmt.Sprintf("quality gate failed: %s", run.Quality.Reason))

	case run.Quality.Passed && r.cfg.TargetEnv == "prod":
		if err := r.awaitApproval(ctx, &run, signals, log); err != nil {
			return run, err
		}
		environment = "prod"
	}

	if _, err := r.runStage(ctx, &run, signals, domain.StageDeploy, environment, func(ctx context.Context) (any, map[string]float64, error) {
		res, err := r.stages.Deploy(ctx, &trained, environment)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	}); err != nil {
		return run, err
	}

	if err := r.apply(ctx, &run, Event{Type: EventRunCompleted, At: time.Now().UTC()}); err != nil {
		return run, err
	}
	metrics.RunsFinished.WithLabelValues(string(domain.StateCompleted)).Inc()
	log.Info("Run completed", "stages", len(run.StageOrder), "failures", len(run.Failures))
	return run, nil
}

// awaitApproval suspends the run until an approval decision, cancellation,
// or the configured deadline. The wait consumes no compute beyond the
// blocked select, and because the AWAITING_APPROVAL snapshot is durable the
// suspension survives worker restarts.
func (r *Runner) awaitApproval(ctx context.Context, run **domain.PipelineRun, signals <-chan Signal, log *slog.Logger) error {
	if (*run).Approval == domain.ApprovalApproved {
		return nil // recovered run, already decided
	}
	if err := r.apply(ctx, run, Event{Type: EventApprovalRequested, At: time.Now().UTC()}); err != nil {
		return err
	}

	metrics.ApprovalsPending.Inc()
	defer metrics.ApprovalsPending.Dec()
	log.Info("Awaiting approval decision", "timeout", r.cfg.ApprovalTimeout)

	var deadline <-chan time.Time
	if r.cfg.ApprovalTimeout > 0 {
		timer := time.NewTimer(r.cfg.ApprovalTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for (*run).Approval == domain.ApprovalPending {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-signals:
			switch sig.Kind {
			case SignalApprove:
				if err := r.apply(ctx, run, Event{Type: EventApprovalGranted, At: time.Now().UTC()}); err != nil {
					return err
				}
				log.Info("Approval granted", "decided_by", sig.DecidedBy)

			case SignalReject:
				if err := r.apply(ctx, run, Event{Type: EventApprovalRejected, At: time.Now().UTC()}); err != nil {
					return err
				}
				metrics.RunsFinished.WithLabelValues(string(domain.StateCancelled)).Inc()
				log.Info("Approval rejected, run cancelled", "decided_by", sig.DecidedBy)
				return errHalted

			case SignalCancel:
				return r.cancelRun(ctx, run)
			}

		case <-deadline:
			if err := r.apply(ctx, run, Event{Type: EventApprovalTimedOut, At: time.Now().UTC()}); err != nil {
				return err
			}
			metrics.RunsFinished.WithLabelValues(string(domain.StateFailed)).Inc()
			log.Warn("Approval deadline elapsed, run failed")
			return errHalted
		}
	}
	return nil
}

// runStage executes one stage with retry policy from the classifier.
// A stage that already has a recorded result is not re-invoked: its stored
// output is returned as-is, which makes replays of completed stages
// idempotent.
func (r *Runner) runStage(ctx context.Context, run **domain.PipelineRun, signals <-chan Signal, st domain.Stage, environment string, invoke func(context.Context) (any, map[string]float64, error)) (any, error) {
	log := r.log.With("run_id", (*run).RunID, "stage", st)

	if res, ok := (*run).Result(st); ok {
		log.Debug("Stage already completed, skipping")
		return res.Output, nil
	}

	if err := r.apply(ctx, run, Event{Type: EventStageStarted, Stage: st, Environment: environment, At: time.Now().UTC()}); err != nil {
		return nil, err
	}

	attempt := 0
	for {
		attempt++
		start := time.Now()
		out, stageMetrics, err := invoke(ctx)
		if err == nil {
			duration := time.Since(start)
			metrics.StageDuration.WithLabelValues(string(st)).Observe(duration.Seconds())
			result := &domain.StageResult{
				Stage:       st,
				Output:      out,
				Metrics:     stageMetrics,
				Duration:    duration,
				CompletedAt: time.Now().UTC(),
			}
			if err := r.apply(ctx, run, Event{Type: EventStageCompleted, Stage: st, Result: result, At: result.CompletedAt}); err != nil {
				return nil, err
			}
			log.Info("Stage completed", "attempt", attempt, "duration", duration)
			return out, nil
		}

		verdict := classify.Classify(st, err)
		record := &domain.FailureRecord{
			Stage:          st,
			Message:        err.Error(),
			Classification: verdict.Class,
			Attempt:        attempt,
			OccurredAt:     time.Now().UTC(),
		}
		metrics.StageFailures.WithLabelValues(string(st), string(verdict.Class)).Inc()
		if applyErr := r.apply(ctx, run, Event{Type: EventStageFailed, Stage: st, Failure: record, At: record.OccurredAt}); applyErr != nil {
			return nil, applyErr
		}

		if verdict.Class == domain.ClassificationPermanent {
			log.Error("Stage failed permanently", "error", err, "attempt", attempt)
			if failErr := r.failRun(ctx, run, fmt.Sprintf("%s failed: %v", st, err)); failErr != nil && !errors.Is(failErr, errHalted) {
				return nil, failErr
			}
			return nil, errHalted
		}
		if verdict.MaxAttempts > 0 && attempt >= verdict.MaxAttempts {
			log.Error("Stage exhausted retry budget", "error", err, "attempts", attempt)
			if failErr := r.failRun(ctx, run, fmt.Sprintf("%s failed after %d attempts: %v", st, attempt, err)); failErr != nil && !errors.Is(failErr, errHalted) {
				return nil, failErr
			}
			return nil, errHalted
		}

		metrics.StageRetries.WithLabelValues(string(st)).Inc()
		delay := calculateBackoff(attempt-1, r.cfg.Retry)
		log.Warn("Stage failed, retrying", "error", err, "attempt", attempt, "backoff", delay)

		halt, err := r.waitBackoff(ctx, signals, delay)
		if err != nil {
			return nil, err
		}
		if halt {
			return nil, r.cancelRun(ctx, run)
		}
	}
}

// waitBackoff sleeps for the backoff interval while staying responsive to
// cancellation. Approval signals arriving outside AWAITING_APPROVAL are
// ignored, not errors.
func (r *Runner) waitBackoff(ctx context.Context, signals <-chan Signal, delay time.Duration) (halt bool, err error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case sig := <-signals:
			if sig.Kind == SignalCancel {
				return true, nil
			}
		case <-timer.C:
			return false, nil
		}
	}
}

func (r *Runner) failRun(ctx context.Context, run **domain.PipelineRun, reason string) error {
	if err := r.apply(ctx, run, Event{Type: EventRunFailed, Reason: reason, At: time.Now().UTC()}); err != nil {
		return err
	}
	metrics.RunsFinished.WithLabelValues(string(domain.StateFailed)).Inc()
	r.log.Warn("Run failed", "run_id", (*run).RunID, "reason", reason)
	return errHalted
}

func (r *Runner) cancelRun(ctx context.Context, run **domain.PipelineRun) error {
	if err := r.apply(ctx, run, Event{Type: EventRunCancelled, At: time.Now().UTC()}); err != nil {
		return err
	}
	metrics.RunsFinished.WithLabelValues(string(domain.StateCancelled)).Inc()
	r.log.Info("Run cancelled", "run_id", (*run).RunID)
	return errHalted
}

// apply advances the snapshot through the transition function and persists
// both the new snapshot and the event before continuing. A run only ever
// acts on durable state.
func (r *Runner) apply(ctx context.Context, run **domain.PipelineRun, ev Event) error {
	next, err := Apply(*run, ev)
	if err != nil {
		return err
	}
	*run = next

	if err := r.SaveSnapshot(ctx, next); err != nil {
		return err
	}
	return r.appendEvent(ctx, next.RunID, ev)
}

// convertOutput rebinds a stage output (either the live typed value or the
// generic form decoded from an envelope) onto the typed target.
func convertOutput(out any, target any) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to convert stage output: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to convert stage output: %w", err)
	}
	return nil
}
