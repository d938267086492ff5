package pipeline

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
	"github.com/vietddude/pipeliner/internal/infra/artifact"
	"github.com/vietddude/pipeliner/internal/infra/storage/memory"
	"github.com/vietddude/pipeliner/internal/stage"
	"github.com/vietddude/pipeliner/internal/tracking"
)

type runnerFixture struct {
	runner *Runner
	sink   *tracking.MemorySink
	store  *memory.MemoryStorage
	codec  *codec.Codec
}

func newFixture(t *testing.T, cfg Config) *runnerFixture {
	t.Helper()

	kr, err := codec.NewStaticKeyring("k1", map[string]string{
		"k1": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)),
	})
	if err != nil {
		t.Fatalf("Failed to build keyring: %v", err)
	}
	payloadCodec := codec.New(kr)

	artifacts, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to build artifact store: %v", err)
	}

	sink := tracking.NewMemorySink()
	stages := stage.New(stage.DefaultConfig(), artifacts, sink)

	store := memory.NewMemoryStorage()
	cfg.Retry = RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiple: 2.0}

	return &runnerFixture{
		runner: NewRunner(cfg, stages, payloadCodec, memory.NewRunRepo(store), memory.NewEventRepo(store), nil),
		sink:   sink,
		store:  store,
		codec:  payloadCodec,
	}
}

func startRun(file string) *domain.PipelineRun {
	return domain.NewRun(domain.TriggerEvent{
		FilePath:   file,
		ReceivedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
}

func TestExecute_GoodFileCompletesInDev(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	run := startRun("/data/raw/good_customers.csv")

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}
	if final.Quality == nil || !final.Quality.Passed {
		t.Errorf("Expected quality pass for good file, got %+v", final.Quality)
	}
	if len(final.StageOrder) != len(domain.PipelineStages) {
		t.Errorf("Expected %d stages, got %v", len(domain.PipelineStages), final.StageOrder)
	}

	records := f.sink.Records()
	if len(records) != 1 {
		t.Fatalf("Expected 1 experiment record, got %d", len(records))
	}
	if !records[0].QualityPassed {
		t.Error("Experiment record should carry the quality outcome")
	}

	// The snapshot round-trips through the encrypted store.
	loaded, err := f.runner.LoadRun(context.Background(), final.RunID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.State != domain.StateCompleted {
		t.Errorf("Loaded snapshot state %s", loaded.State)
	}
	if _, ok := loaded.Result(domain.StageDeploy); !ok {
		t.Error("Loaded snapshot lost the deploy result")
	}
}

func TestExecute_BadFileFailsQualityGate(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	run := startRun("/data/raw/bad_sensor_readings.csv")

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if final.State != domain.StateFailed {
		t.Fatalf("Expected FAILED, got %s", final.State)
	}
	if !strings.HasPrefix(final.FailureReason, "quality gate failed") {
		t.Errorf("Expected quality gate failure reason, got %q", final.FailureReason)
	}
	if _, ok := final.Result(domain.StageDeploy); ok {
		t.Error("Deploy ran despite a failed quality gate")
	}

	// The experiment is logged before the gate verdict takes effect.
	records := f.sink.Records()
	if len(records) != 1 {
		t.Fatalf("Expected 1 experiment record, got %d", len(records))
	}
	if records[0].QualityPassed {
		t.Error("Experiment record should mark the failed gate")
	}
}

func TestExecute_TransientOutageRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	f.sink.FailNext(
		fault.Transientf("tracking store unavailable"),
		fault.Transientf("tracking store unavailable"),
		fault.Transientf("tracking store unavailable"),
	)
	run := startRun("/data/raw/good_daily.csv")

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED after outage recovery, got %s (%s)", final.State, final.FailureReason)
	}
	if len(f.sink.Records()) != 1 {
		t.Errorf("Expected exactly 1 record after retries, got %d", len(f.sink.Records()))
	}

	// Each failed attempt left an audit record.
	var logFailures int
	for _, fr := range final.Failures {
		if fr.Stage == domain.StageLogExperiment {
			logFailures++
			if fr.Classification != domain.ClassificationRetryable {
				t.Errorf("Expected retryable classification, got %s", fr.Classification)
			}
		}
	}
	if logFailures != 3 {
		t.Errorf("Expected 3 failure records for the outage, got %d", logFailures)
	}
}

func TestExecute_PermanentFailureNoRetries(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	f.sink.FailNext(fault.Permanentf("password authentication failed"))
	run := startRun("/data/raw/good_weekly.csv")

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if final.State != domain.StateFailed {
		t.Fatalf("Expected FAILED, got %s", final.State)
	}
	var logFailures int
	for _, fr := range final.Failures {
		if fr.Stage == domain.StageLogExperiment {
			logFailures++
		}
	}
	if logFailures != 1 {
		t.Errorf("Permanent failure should not retry: %d attempts recorded", logFailures)
	}
	if len(f.sink.Records()) != 0 {
		t.Errorf("No experiment should be recorded, got %d", len(f.sink.Records()))
	}
}

func TestExecute_BoundedStageLogicRetries(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	// Logic-style failures that never clear exhaust the bounded budget.
	f.sink.FailNext(
		fault.StageLogicf("invariant violated"),
		fault.StageLogicf("invariant violated"),
		fault.StageLogicf("invariant violated"),
		fault.StageLogicf("invariant violated"),
	)
	run := startRun("/data/raw/good_monthly.csv")

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if final.State != domain.StateFailed {
		t.Fatalf("Expected FAILED after exhausted retries, got %s", final.State)
	}
	if !strings.Contains(final.FailureReason, "after 3 attempts") {
		t.Errorf("Expected exhaustion reason, got %q", final.FailureReason)
	}
}

func TestExecute_ReplaySkipsCompletedStages(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	run := startRun("/data/raw/good_replay.csv")

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s", final.State)
	}

	// Re-deliver the whole run, as a crashed worker's replacement would.
	loaded, err := f.runner.LoadRun(context.Background(), final.RunID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	again, err := f.runner.Execute(context.Background(), loaded, nil)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if again.State != domain.StateCompleted {
		t.Errorf("Replay ended in %s", again.State)
	}
	if got := len(f.sink.Records()); got != 1 {
		t.Errorf("Replay re-ran the logging stage: %d records", got)
	}
}

func TestExecute_ProdApprovalGranted(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "prod"})
	run := startRun("/data/raw/good_prod.csv")

	signals := make(chan Signal, 4)
	done := make(chan *domain.PipelineRun, 1)
	go func() {
		final, err := f.runner.Execute(context.Background(), run, signals)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- final
	}()

	waitForState(t, f, run.RunID, domain.StateAwaitingApproval)
	signals <- Signal{Kind: SignalApprove, DecidedBy: "mle-oncall"}

	final := <-done
	if final.State != domain.StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}
	if final.Approval != domain.ApprovalApproved {
		t.Errorf("Expected approved, got %s", final.Approval)
	}

	res, ok := final.Result(domain.StageDeploy)
	if !ok {
		t.Fatal("Missing deploy result")
	}
	var deploy stage.DeployResult
	if err := convertOutput(res.Output, &deploy); err != nil {
		t.Fatalf("Failed to convert deploy output: %v", err)
	}
	if deploy.Environment != "prod" {
		t.Errorf("Expected prod deployment, got %s", deploy.Environment)
	}
}

func TestExecute_ProdApprovalRejected(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "prod"})
	run := startRun("/data/raw/good_prod_reject.csv")

	signals := make(chan Signal, 4)
	done := make(chan *domain.PipelineRun, 1)
	go func() {
		final, err := f.runner.Execute(context.Background(), run, signals)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- final
	}()

	waitForState(t, f, run.RunID, domain.StateAwaitingApproval)
	signals <- Signal{Kind: SignalReject, DecidedBy: "mle-oncall"}

	final := <-done
	if final.State != domain.StateCancelled {
		t.Fatalf("Expected CANCELLED, got %s", final.State)
	}
	if final.Approval != domain.ApprovalRejected {
		t.Errorf("Expected rejected, got %s", final.Approval)
	}
	if _, ok := final.Result(domain.StageDeploy); ok {
		t.Error("Rejected run still deployed")
	}
}

func TestExecute_ApprovalTimeout(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "prod", ApprovalTimeout: 20 * time.Millisecond})
	run := startRun("/data/raw/good_prod_timeout.csv")

	signals := make(chan Signal, 4)
	final, err := f.runner.Execute(context.Background(), run, signals)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if final.State != domain.StateFailed {
		t.Fatalf("Expected FAILED, got %s", final.State)
	}
	if final.FailureReason != "approval timeout" {
		t.Errorf("Expected reason %q, got %q", "approval timeout", final.FailureReason)
	}
}

func TestExecute_CancelDuringBackoff(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	// An endless outage keeps the logging stage in its backoff loop.
	outage := make([]error, 64)
	for i := range outage {
		outage[i] = fault.Transientf("tracking store unavailable")
	}
	f.sink.FailNext(outage...)

	run := startRun("/data/raw/good_cancel.csv")
	signals := make(chan Signal, 4)
	done := make(chan *domain.PipelineRun, 1)
	go func() {
		final, err := f.runner.Execute(context.Background(), run, signals)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- final
	}()

	waitForState(t, f, run.RunID, domain.StateEvaluatingQuality)
	signals <- Signal{Kind: SignalCancel}

	final := <-done
	if final.State != domain.StateCancelled {
		t.Fatalf("Expected CANCELLED, got %s", final.State)
	}
}

func TestExecute_TerminalRunIsUntouched(t *testing.T) {
	f := newFixture(t, Config{TargetEnv: "dev"})
	run := startRun("/data/raw/good_done.csv")
	run.State = domain.StateCancelled

	final, err := f.runner.Execute(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if final.State != domain.StateCancelled {
		t.Errorf("Terminal run was advanced to %s", final.State)
	}
	if len(f.sink.Records()) != 0 {
		t.Error("Terminal run executed stages")
	}
}

// waitForState polls the durable snapshot until the run reaches the state or
// the deadline passes.
func waitForState(t *testing.T, f *runnerFixture, runID string, want domain.RunState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("Run never reached %s", want)
		case <-time.After(time.Millisecond):
		}
		run, err := f.runner.LoadRun(context.Background(), runID)
		if err != nil {
			continue
		}
		if run.State == want {
			return
		}
	}
}
