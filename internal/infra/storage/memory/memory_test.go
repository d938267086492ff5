package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/infra/storage"
)

func TestRunRepo_SaveGet(t *testing.T) {
	repo := NewRunRepo(NewMemoryStorage())
	ctx := context.Background()

	rec := &storage.RunRecord{
		RunID:     "run-1-churn",
		FilePath:  "/data/raw/churn.csv",
		State:     domain.StateCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Get(ctx, "run-1-churn")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FilePath != rec.FilePath || got.State != rec.State {
		t.Errorf("Round trip mismatch: %+v", got)
	}

	// Mutating the returned copy must not leak back into the store.
	got.State = domain.StateFailed
	again, _ := repo.Get(ctx, "run-1-churn")
	if again.State != domain.StateCreated {
		t.Error("Get returned a shared pointer")
	}

	if _, err := repo.Get(ctx, "run-missing"); !errors.Is(err, storage.ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestRunRepo_SaveIsUpsert(t *testing.T) {
	repo := NewRunRepo(NewMemoryStorage())
	ctx := context.Background()

	rec := &storage.RunRecord{RunID: "run-1-x", State: domain.StateCreated, CreatedAt: time.Now().UTC()}
	repo.Save(ctx, rec)
	rec.State = domain.StateTraining
	repo.Save(ctx, rec)

	got, err := repo.Get(ctx, "run-1-x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != domain.StateTraining {
		t.Errorf("Expected TRAINING after upsert, got %s", got.State)
	}
}

func TestRunRepo_ListUnfinished(t *testing.T) {
	repo := NewRunRepo(NewMemoryStorage())
	ctx := context.Background()

	base := time.Now().UTC()
	repo.Save(ctx, &storage.RunRecord{RunID: "run-b", State: domain.StateTraining, CreatedAt: base.Add(time.Second)})
	repo.Save(ctx, &storage.RunRecord{RunID: "run-a", State: domain.StateAwaitingApproval, CreatedAt: base})
	repo.Save(ctx, &storage.RunRecord{RunID: "run-c", State: domain.StateCompleted, CreatedAt: base})
	repo.Save(ctx, &storage.RunRecord{RunID: "run-d", State: domain.StateFailed, CreatedAt: base})

	got, err := repo.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("ListUnfinished failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 unfinished runs, got %d", len(got))
	}
	// Oldest first.
	if got[0].RunID != "run-a" || got[1].RunID != "run-b" {
		t.Errorf("Unexpected order: %s, %s", got[0].RunID, got[1].RunID)
	}
}

func TestEventRepo_AppendAssignsSequence(t *testing.T) {
	store := NewMemoryStorage()
	repo := NewEventRepo(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.Append(ctx, &storage.EventRecord{RunID: "run-1", Type: "stage_started"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	repo.Append(ctx, &storage.EventRecord{RunID: "run-2", Type: "run_started"})

	events, err := repo.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("Event %d has seq %d", i, ev.Seq)
		}
	}

	other, _ := repo.List(ctx, "run-2")
	if len(other) != 1 || other[0].Seq != 1 {
		t.Error("Sequences are not per-run")
	}
}
