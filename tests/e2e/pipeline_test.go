package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
	"github.com/vietddude/pipeliner/internal/engine"
	"github.com/vietddude/pipeliner/internal/infra/artifact"
	"github.com/vietddude/pipeliner/internal/infra/storage/memory"
	"github.com/vietddude/pipeliner/internal/pipeline"
	"github.com/vietddude/pipeliner/internal/stage"
	"github.com/vietddude/pipeliner/internal/tracking"
	"github.com/vietddude/pipeliner/internal/trigger"
)

// harness wires the full orchestration stack against in-memory backends. The
// shared store survives engine restarts, standing in for the database in
// crash-recovery scenarios.
type harness struct {
	store  *memory.MemoryStorage
	sink   *tracking.MemorySink
	events *memory.EventRepo
	engine *engine.Engine
	runner *pipeline.Runner
	svc    *trigger.Service
}

func newHarness(t *testing.T, cfg pipeline.Config) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewMemoryStorage(),
		sink:  tracking.NewMemorySink(),
	}
	h.attachEngine(t, cfg)
	return h
}

// attachEngine builds a fresh engine over the existing store, simulating a
// worker process (re)start.
func (h *harness) attachEngine(t *testing.T, cfg pipeline.Config) {
	t.Helper()

	kr, err := codec.NewStaticKeyring("k1", map[string]string{
		"k1": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{11}, 32)),
	})
	if err != nil {
		t.Fatalf("Failed to build keyring: %v", err)
	}
	artifacts, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to build artifact store: %v", err)
	}

	cfg.Retry = pipeline.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiple: 2.0}
	h.events = memory.NewEventRepo(h.store)
	h.runner = pipeline.NewRunner(cfg,
		stage.New(stage.DefaultConfig(), artifacts, h.sink),
		codec.New(kr),
		memory.NewRunRepo(h.store), h.events, nil)
	h.engine = engine.New(h.runner, memory.NewRunRepo(h.store), nil)
	h.svc = trigger.NewService(h.engine, trigger.NewMemoryDeduper(), nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
}

func (h *harness) waitTerminal(t *testing.T, runID string) *domain.PipelineRun {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("Run %s never reached a terminal state", runID)
		case <-time.After(2 * time.Millisecond):
		}
		run, err := h.engine.Status(context.Background(), runID)
		if err == nil && run.State.Terminal() {
			return run
		}
	}
}

func (h *harness) waitState(t *testing.T, runID string, want domain.RunState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("Run %s never reached %s", runID, want)
		case <-time.After(2 * time.Millisecond):
		}
		run, err := h.engine.Status(context.Background(), runID)
		if err == nil && run.State == want {
			return
		}
	}
}

func TestPipeline_GoodFileToProduction(t *testing.T) {
	h := newHarness(t, pipeline.Config{TargetEnv: "prod"})

	run, created, err := h.svc.Ingest(context.Background(), domain.TriggerEvent{
		FilePath: "/data/raw/good_customer_churn.csv",
	})
	if err != nil || !created {
		t.Fatalf("Ingest: created=%v err=%v", created, err)
	}

	h.waitState(t, run.RunID, domain.StateAwaitingApproval)
	if err := h.engine.Decide(context.Background(), run.RunID, true, "release-manager"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	final := h.waitTerminal(t, run.RunID)
	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}
	if final.Approval != domain.ApprovalApproved {
		t.Errorf("Expected approved, got %s", final.Approval)
	}

	// All five stages ran, exactly once each.
	if len(final.StageOrder) != len(domain.PipelineStages) {
		t.Errorf("Expected %d stages, got %v", len(domain.PipelineStages), final.StageOrder)
	}
	records := h.sink.Records()
	if len(records) != 1 || !records[0].QualityPassed {
		t.Errorf("Unexpected experiment records: %+v", records)
	}

	// The durable event history replays to the same terminal state.
	events, err := h.events.List(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("List events failed: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("No events recorded")
	}
	last := events[len(events)-1]
	if last.Type != string(pipeline.EventRunCompleted) {
		t.Errorf("Expected run_completed as final event, got %s", last.Type)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("Event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestPipeline_TrackingOutageRecovers(t *testing.T) {
	h := newHarness(t, pipeline.Config{TargetEnv: "dev"})
	h.sink.FailNext(
		fault.Transientf("tracking store unavailable"),
		fault.Transientf("tracking store unavailable"),
	)

	run, _, err := h.svc.Ingest(context.Background(), domain.TriggerEvent{
		FilePath: "/data/raw/good_outage_drill.csv",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	final := h.waitTerminal(t, run.RunID)
	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED despite the outage, got %s (%s)", final.State, final.FailureReason)
	}

	var outageRecords int
	for _, fr := range final.Failures {
		if fr.Stage == domain.StageLogExperiment && fr.Classification == domain.ClassificationRetryable {
			outageRecords++
		}
	}
	if outageRecords != 2 {
		t.Errorf("Expected 2 audit records for the outage, got %d", outageRecords)
	}
	if len(h.sink.Records()) != 1 {
		t.Errorf("Expected exactly 1 experiment after retries, got %d", len(h.sink.Records()))
	}
}

func TestPipeline_BadFileStopsBeforeDeploy(t *testing.T) {
	h := newHarness(t, pipeline.Config{TargetEnv: "prod"})

	run, _, err := h.svc.Ingest(context.Background(), domain.TriggerEvent{
		FilePath: "/data/raw/bad_corrupted_sensors.csv",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	final := h.waitTerminal(t, run.RunID)
	if final.State != domain.StateFailed {
		t.Fatalf("Expected FAILED, got %s", final.State)
	}
	if !strings.HasPrefix(final.FailureReason, "quality gate failed") {
		t.Errorf("Unexpected failure reason %q", final.FailureReason)
	}
	if _, ok := final.Result(domain.StageDeploy); ok {
		t.Error("Deploy ran for a rejected model")
	}
	if final.Approval != domain.ApprovalNotRequired {
		t.Errorf("Approval was requested for a failed gate: %s", final.Approval)
	}

	// The failed experiment is still on record.
	records := h.sink.Records()
	if len(records) != 1 || records[0].QualityPassed {
		t.Errorf("Unexpected experiment records: %+v", records)
	}
}

func TestPipeline_RestartDuringApprovalWait(t *testing.T) {
	h := newHarness(t, pipeline.Config{TargetEnv: "prod"})

	run, _, err := h.svc.Ingest(context.Background(), domain.TriggerEvent{
		FilePath: "/data/raw/good_restart_drill.csv",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	h.waitState(t, run.RunID, domain.StateAwaitingApproval)

	// Worker dies mid-wait.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Replacement worker recovers from the shared store.
	h.attachEngine(t, pipeline.Config{TargetEnv: "prod"})
	resumed, err := h.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("Expected 1 resumed run, got %d", resumed)
	}

	h.waitState(t, run.RunID, domain.StateAwaitingApproval)
	if err := h.engine.Decide(context.Background(), run.RunID, true, "release-manager"); err != nil {
		t.Fatalf("Decide after restart failed: %v", err)
	}

	final := h.waitTerminal(t, run.RunID)
	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED after restart, got %s (%s)", final.State, final.FailureReason)
	}
	if len(h.sink.Records()) != 1 {
		t.Errorf("Restart re-logged the experiment: %d records", len(h.sink.Records()))
	}
}
