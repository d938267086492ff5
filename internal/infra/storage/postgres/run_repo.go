package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/infra/storage"
)

// RunRepo implements storage.RunRepository using PostgreSQL.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

type runRow struct {
	RunID         string          `db:"run_id"`
	FilePath      string          `db:"file_path"`
	TriggerType   string          `db:"trigger_type"`
	State         string          `db:"state"`
	CurrentStage  string          `db:"current_stage"`
	Approval      string          `db:"approval_state"`
	Quality       []byte          `db:"quality"`
	FailureReason string          `db:"failure_reason"`
	Results       json.RawMessage `db:"results"`
	Failures      json.RawMessage `db:"failures"`
	CreatedAt     time.Time       `db:"created_at"`
	CompletedAt   sql.NullTime    `db:"completed_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

const upsertRun = `
	INSERT INTO pipeline_runs (
		run_id, file_path, trigger_type, state, current_stage, approval_state,
		quality, failure_reason, results, failures, created_at, completed_at, updated_at
	) VALUES (
		:run_id, :file_path, :trigger_type, :state, :current_stage, :approval_state,
		:quality, :failure_reason, :results, :failures, :created_at, :completed_at, :updated_at
	)
	ON CONFLICT (run_id) DO UPDATE SET
		state = EXCLUDED.state,
		current_stage = EXCLUDED.current_stage,
		approval_state = EXCLUDED.approval_state,
		quality = EXCLUDED.quality,
		failure_reason = EXCLUDED.failure_reason,
		results = EXCLUDED.results,
		failures = EXCLUDED.failures,
		completed_at = EXCLUDED.completed_at,
		updated_at = EXCLUDED.updated_at`

// Save upserts a run snapshot.
func (r *RunRepo) Save(ctx context.Context, rec *storage.RunRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC()
	if _, err := r.db.NamedExecContext(ctx, upsertRun, row); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Get retrieves a run snapshot by id.
func (r *RunRepo) Get(ctx context.Context, runID string) (*storage.RunRecord, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row,
		`SELECT run_id, file_path, trigger_type, state, current_stage, approval_state,
		        quality, failure_reason, results, failures, created_at, completed_at, updated_at
		 FROM pipeline_runs WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return fromRow(&row)
}

// ListUnfinished returns all non-terminal runs for recovery after restart.
func (r *RunRepo) ListUnfinished(ctx context.Context) ([]*storage.RunRecord, error) {
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT run_id, file_path, trigger_type, state, current_stage, approval_state,
		        quality, failure_reason, results, failures, created_at, completed_at, updated_at
		 FROM pipeline_runs
		 WHERE state NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	out := make([]*storage.RunRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(rec *storage.RunRecord) (*runRow, error) {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failures: %w", err)
	}
	var quality []byte
	if rec.Quality != nil {
		if quality, err = json.Marshal(rec.Quality); err != nil {
			return nil, fmt.Errorf("failed to encode quality decision: %w", err)
		}
	}

	row := &runRow{
		RunID:         rec.RunID,
		FilePath:      rec.FilePath,
		TriggerType:   rec.TriggerType,
		State:         string(rec.State),
		CurrentStage:  string(rec.CurrentStage),
		Approval:      string(rec.Approval),
		Quality:       quality,
		FailureReason: rec.FailureReason,
		Results:       results,
		Failures:      failures,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if !rec.CompletedAt.IsZero() {
		row.CompletedAt = sql.NullTime{Time: rec.CompletedAt, Valid: true}
	}
	return row, nil
}

func fromRow(row *runRow) (*storage.RunRecord, error) {
	rec := &storage.RunRecord{
		RunID:         row.RunID,
		FilePath:      row.FilePath,
		TriggerType:   row.TriggerType,
		State:         domain.RunState(row.State),
		CurrentStage:  domain.Stage(row.CurrentStage),
		Approval:      domain.ApprovalState(row.Approval),
		FailureReason: row.FailureReason,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.CompletedAt.Valid {
		rec.CompletedAt = row.CompletedAt.Time
	}
	if len(row.Results) > 0 {
		if err := json.Unmarshal(row.Results, &rec.Results); err != nil {
			return nil, fmt.Errorf("failed to decode results: %w", err)
		}
	}
	if len(row.Failures) > 0 {
		if err := json.Unmarshal(row.Failures, &rec.Failures); err != nil {
			return nil, fmt.Errorf("failed to decode failures: %w", err)
		}
	}
	if len(row.Quality) > 0 {
		rec.Quality = &domain.QualityDecision{}
		if err := json.Unmarshal(row.Quality, rec.Quality); err != nil {
			return nil, fmt.Errorf("failed to decode quality decision: %w", err)
		}
	}
	return rec, nil
}
