// Package storage defines the persistence boundary of the run host. Stage
// payloads are stored as encrypted envelopes: nothing behind these interfaces
// ever sees plaintext stage data.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist.
	ErrRunNotFound = errors.New("run not found")
)

// StageResultRecord is the at-rest form of a stage result. Output holds a
// serialized codec.Envelope, never plaintext.
type StageResultRecord struct {
	Stage       domain.Stage       `json:"stage"`
	Output      json.RawMessage    `json:"output"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Duration    time.Duration      `json:"duration"`
	CompletedAt time.Time          `json:"completed_at"`
}

// RunRecord is the durable snapshot of a run. Replaying it through the
// transition function yields the exact decision point the run was at.
type RunRecord struct {
	RunID         string                  `json:"run_id"`
	FilePath      string                  `json:"file_path"`
	TriggerType   string                  `json:"trigger_type"`
	State         domain.RunState         `json:"state"`
	CurrentStage  domain.Stage            `json:"current_stage,omitempty"`
	Approval      domain.ApprovalState    `json:"approval_state"`
	Quality       *domain.QualityDecision `json:"quality,omitempty"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	Results       []StageResultRecord     `json:"results,omitempty"`
	Failures      []domain.FailureRecord  `json:"failures,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	CompletedAt   time.Time               `json:"completed_at,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// EventRecord is one entry in a run's append-only history. Payload holds a
// serialized codec.Envelope wrapping the event.
type EventRecord struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunRepository persists run snapshots.
type RunRepository interface {
	// Save upserts the snapshot.
	Save(ctx context.Context, rec *RunRecord) error

	// Get retrieves a snapshot by run id.
	Get(ctx context.Context, runID string) (*RunRecord, error)

	// ListUnfinished returns runs in non-terminal states, for recovery.
	ListUnfinished(ctx context.Context) ([]*RunRecord, error)
}

// EventRepository appends to and reads a run's event history.
type EventRepository interface {
	// Append stores the event, assigning the next sequence number.
	Append(ctx context.Context, ev *EventRecord) error

	// List returns a run's events in sequence order.
	List(ctx context.Context, runID string) ([]*EventRecord, error)
}
