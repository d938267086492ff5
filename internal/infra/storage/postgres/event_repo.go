package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/pipeliner/internal/infra/storage"
)

// EventRepo implements storage.EventRepository using PostgreSQL.
type EventRepo struct {
	db *DB
}

// NewEventRepo creates a new PostgreSQL event repository.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Append stores an event with the next sequence number for its run.
func (r *EventRepo) Append(ctx context.Context, ev *storage.EventRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pipeline_run_events (run_id, seq, type, payload, created_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, NOW()
		 FROM pipeline_run_events WHERE run_id = $1`,
		ev.RunID, ev.Type, []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List returns a run's events in sequence order.
func (r *EventRepo) List(ctx context.Context, runID string) ([]*storage.EventRecord, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT run_id, seq, type, payload, created_at
		 FROM pipeline_run_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*storage.EventRecord
	for rows.Next() {
		var ev storage.EventRecord
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
