package trigger

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/engine"
	"github.com/vietddude/pipeliner/internal/infra/artifact"
	"github.com/vietddude/pipeliner/internal/infra/storage/memory"
	"github.com/vietddude/pipeliner/internal/pipeline"
	"github.com/vietddude/pipeliner/internal/stage"
	"github.com/vietddude/pipeliner/internal/tracking"
)

func newTestService(t *testing.T, dedup Deduper) *Service {
	t.Helper()

	kr, err := codec.NewStaticKeyring("k1", map[string]string{
		"k1": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{5}, 32)),
	})
	if err != nil {
		t.Fatalf("Failed to build keyring: %v", err)
	}
	artifacts, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to build artifact store: %v", err)
	}

	store := memory.NewMemoryStorage()
	runner := pipeline.NewRunner(pipeline.Config{
		TargetEnv: "dev",
		Retry:     pipeline.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiple: 2.0},
	}, stage.New(stage.DefaultConfig(), artifacts, tracking.NewMemorySink()),
		codec.New(kr), memory.NewRunRepo(store), memory.NewEventRepo(store), nil)

	eng := engine.New(runner, memory.NewRunRepo(store), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return NewService(eng, dedup, nil)
}

func TestIngest_DefaultsAndRunID(t *testing.T) {
	svc := newTestService(t, nil)

	received := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	run, created, err := svc.Ingest(context.Background(), domain.TriggerEvent{
		FilePath:   "/data/raw/good_sales.csv",
		ReceivedAt: received,
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !created {
		t.Error("Expected created=true for a fresh trigger")
	}
	want := domain.TriggerEvent{FilePath: "/data/raw/good_sales.csv", ReceivedAt: received}.RunID()
	if run.RunID != want {
		t.Errorf("Expected run id %s, got %s", want, run.RunID)
	}
	if run.TriggerType != domain.TriggerTypeFileCreated {
		t.Errorf("Expected default trigger type, got %s", run.TriggerType)
	}
}

func TestIngest_DuplicateTrigger(t *testing.T) {
	svc := newTestService(t, NewMemoryDeduper())

	ev := domain.TriggerEvent{
		FilePath:   "/data/raw/good_dup.csv",
		ReceivedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}

	first, created, err := svc.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !created {
		t.Fatal("Expected first ingest to create")
	}

	second, created, err := svc.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("Duplicate ingest failed: %v", err)
	}
	if created {
		t.Error("Duplicate trigger created a second run")
	}
	if second.RunID != first.RunID {
		t.Errorf("Duplicate trigger mapped to a different run: %s vs %s", second.RunID, first.RunID)
	}
}

type failingDeduper struct{}

func (failingDeduper) Claim(ctx context.Context, runID string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestIngest_DedupOutageDoesNotBlockRuns(t *testing.T) {
	svc := newTestService(t, failingDeduper{})

	run, created, err := svc.Ingest(context.Background(), domain.TriggerEvent{
		FilePath:   "/data/raw/good_nodedup.csv",
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Ingest failed despite dedup outage: %v", err)
	}
	if !created || run == nil {
		t.Error("Expected the run to start when dedup is down")
	}
}

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper()

	ok, err := d.Claim(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("First claim: ok=%v err=%v", ok, err)
	}
	ok, err = d.Claim(context.Background(), "run-1")
	if err != nil || ok {
		t.Fatalf("Second claim should fail: ok=%v err=%v", ok, err)
	}
	ok, _ = d.Claim(context.Background(), "run-2")
	if !ok {
		t.Error("Different run id should claim fresh")
	}
}
