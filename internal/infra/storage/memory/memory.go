// Package memory provides in-process storage for tests and single-node demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/pipeliner/internal/infra/storage"
)

type MemoryStorage struct {
	mu     sync.RWMutex
	runs   map[string]*storage.RunRecord
	events map[string][]*storage.EventRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:   make(map[string]*storage.RunRecord),
		events: make(map[string][]*storage.EventRecord),
	}
}

// -----------------------------------------------------------------------------
// Run Repository
// -----------------------------------------------------------------------------

type RunRepo struct {
	store *MemoryStorage
}

func NewRunRepo(store *MemoryStorage) *RunRepo {
	return &RunRepo{store: store}
}

func (r *RunRepo) Save(ctx context.Context, rec *storage.RunRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	cp.Results = append([]storage.StageResultRecord(nil), rec.Results...)
	cp.Failures = append(rec.Failures[:0:0], rec.Failures...)
	cp.UpdatedAt = time.Now().UTC()
	r.store.runs[rec.RunID] = &cp
	return nil
}

func (r *RunRepo) Get(ctx context.Context, runID string) (*storage.RunRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	cp := *rec
	cp.Results = append([]storage.StageResultRecord(nil), rec.Results...)
	cp.Failures = append(rec.Failures[:0:0], rec.Failures...)
	return &cp, nil
}

func (r *RunRepo) ListUnfinished(ctx context.Context) ([]*storage.RunRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*storage.RunRecord
	for _, rec := range r.store.runs {
		if !rec.State.Terminal() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type EventRepo struct {
	store *MemoryStorage
}

func NewEventRepo(store *MemoryStorage) *EventRepo {
	return &EventRepo{store: store}
}

func (r *EventRepo) Append(ctx context.Context, ev *storage.EventRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *ev
	cp.Seq = int64(len(r.store.events[ev.RunID]) + 1)
	cp.CreatedAt = time.Now().UTC()
	r.store.events[ev.RunID] = append(r.store.events[ev.RunID], &cp)
	return nil
}

func (r *EventRepo) List(ctx context.Context, runID string) ([]*storage.EventRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	events := r.store.events[runID]
	out := make([]*storage.EventRecord, len(events))
	for i, ev := range events {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}
