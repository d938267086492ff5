package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/infra/storage"
)

// SaveSnapshot persists the run with every stage payload sealed into an
// encryption envelope. This is the orchestration boundary: whatever the
// storage backend logs or persists, it only ever sees ciphertext.
func (r *Runner) SaveSnapshot(ctx context.Context, run *domain.PipelineRun) error {
	rec := &storage.RunRecord{
		RunID:         run.RunID,
		FilePath:      run.FilePath,
		TriggerType:   run.TriggerType,
		State:         run.State,
		CurrentStage:  run.CurrentStage,
		Approval:      run.Approval,
		Quality:       run.Quality,
		FailureReason: run.FailureReason,
		Failures:      run.Failures,
		CreatedAt:     run.CreatedAt,
		CompletedAt:   run.CompletedAt,
	}

	for _, st := range run.StageOrder {
		res := run.StageResults[st]
		env, err := r.codec.Encode(res.Output)
		if err != nil {
			return fmt.Errorf("failed to seal %s output: %w", st, err)
		}
		sealed, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		rec.Results = append(rec.Results, storage.StageResultRecord{
			Stage:       res.Stage,
			Output:      sealed,
			Metrics:     res.Metrics,
			Duration:    res.Duration,
			CompletedAt: res.CompletedAt,
		})
	}

	if err := r.runs.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.RunID, err)
	}
	return nil
}

// LoadRun reads a snapshot and opens every stage envelope back into
// plaintext. Decode failures surface as-is: a payload that cannot be
// authenticated is never silently dropped or degraded.
func (r *Runner) LoadRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	rec, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r.decodeRecord(rec)
}

func (r *Runner) decodeRecord(rec *storage.RunRecord) (*domain.PipelineRun, error) {
	run := &domain.PipelineRun{
		RunID:         rec.RunID,
		FilePath:      rec.FilePath,
		TriggerType:   rec.TriggerType,
		State:         rec.State,
		CurrentStage:  rec.CurrentStage,
		Approval:      rec.Approval,
		Quality:       rec.Quality,
		FailureReason: rec.FailureReason,
		Failures:      rec.Failures,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
		StageResults:  make(map[domain.Stage]*domain.StageResult, len(rec.Results)),
	}

	for _, res := range rec.Results {
		var env codec.Envelope
		if err := json.Unmarshal(res.Output, &env); err != nil {
			return nil, fmt.Errorf("invalid envelope for stage %s: %w", res.Stage, err)
		}
		var output any
		if err := r.codec.Decode(&env, &output); err != nil {
			return nil, fmt.Errorf("failed to open %s output: %w", res.Stage, err)
		}
		run.RecordResult(&domain.StageResult{
			Stage:       res.Stage,
			Output:      output,
			Metrics:     res.Metrics,
			Duration:    res.Duration,
			CompletedAt: res.CompletedAt,
		})
	}
	return run, nil
}

// appendEvent seals the whole event into an envelope and appends it to the
// run's durable history.
func (r *Runner) appendEvent(ctx context.Context, runID string, ev Event) error {
	env, err := r.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to seal event: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode event envelope: %w", err)
	}
	if err := r.events.Append(ctx, &storage.EventRecord{
		RunID:   runID,
		Type:    string(ev.Type),
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", runID, err)
	}
	return nil
}
