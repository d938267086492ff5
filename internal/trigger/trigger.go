// Package trigger ingests watcher events and turns them into pipeline runs.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/engine"
)

// Deduper guards against duplicate trigger delivery across workers. Claim
// returns false when the run id was already claimed.
type Deduper interface {
	Claim(ctx context.Context, runID string) (bool, error)
}

// MemoryDeduper is a single-process Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Claim(ctx context.Context, runID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[runID]; ok {
		return false, nil
	}
	d.seen[runID] = struct{}{}
	return true, nil
}

// Service seeds runs from trigger events.
type Service struct {
	engine *engine.Engine
	dedup  Deduper
	log    *slog.Logger
}

// NewService builds the ingestion service. dedup may be nil; engine start is
// idempotent either way, deduplication just avoids the round trip.
func NewService(eng *engine.Engine, dedup Deduper, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{engine: eng, dedup: dedup, log: log}
}

// Ingest derives the run id from the trigger and starts the run. Duplicate
// triggers return the existing run with created=false.
func (s *Service) Ingest(ctx context.Context, ev domain.TriggerEvent) (*domain.PipelineRun, bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if ev.TriggerType == "" {
		ev.TriggerType = domain.TriggerTypeFileCreated
	}

	if s.dedup != nil {
		claimed, err := s.dedup.Claim(ctx, ev.RunID())
		if err != nil {
			// Dedup is best effort; idempotent start is the real guard.
			s.log.Warn("Trigger dedup unavailable", "error", err)
		} else if !claimed {
			s.log.Debug("Duplicate trigger", "run_id", ev.RunID())
		}
	}

	return s.engine.Start(ctx, ev)
}
