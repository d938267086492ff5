// Package engine hosts pipeline runs: it starts them idempotently, routes
// external signals and queries to them, and recovers in-flight runs after a
// process restart from their durable snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/infra/storage"
	"github.com/vietddude/pipeliner/internal/metrics"
	"github.com/vietddude/pipeliner/internal/pipeline"
)

// Engine is the run host. Each run executes on its own goroutine; runs share
// no mutable state with each other.
type Engine struct {
	runner *pipeline.Runner
	runs   storage.RunRepository
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]chan pipeline.Signal
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an engine. Runs execute under the engine's own lifecycle, not
// under the request contexts that start them.
func New(runner *pipeline.Runner, runs storage.RunRepository, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		runner:  runner,
		runs:    runs,
		log:     log,
		active:  make(map[string]chan pipeline.Signal),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start begins a run for the trigger, or returns the existing run when the
// derived run id is already known. Starting the same identifier twice never
// creates two runs; created reports which case happened.
func (e *Engine) Start(ctx context.Context, trigger domain.TriggerEvent) (run *domain.PipelineRun, created bool, err error) {
	runID := trigger.RunID()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.active[runID]; running {
		existing, err := e.runner.LoadRun(ctx, runID)
		return existing, false, err
	}

	existing, err := e.runner.LoadRun(ctx, runID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrRunNotFound) {
		return nil, false, err
	}

	fresh := domain.NewRun(trigger)
	if err := e.runner.SaveSnapshot(ctx, fresh); err != nil {
		return nil, false, fmt.Errorf("failed to persist new run: %w", err)
	}

	e.launchLocked(fresh)
	e.log.Info("Run started", "run_id", runID, "file", trigger.FilePath)
	return fresh.Clone(), true, nil
}

// Status returns a decrypted snapshot of the run. Read-only: no side effects.
func (e *Engine) Status(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	return e.runner.LoadRun(ctx, runID)
}

// Decide delivers an approval decision. Decisions for runs that are not
// awaiting approval, including duplicates, are ignored without error; only an
// unknown run id is reported.
func (e *Engine) Decide(ctx context.Context, runID string, approve bool, decidedBy string) error {
	kind := pipeline.SignalReject
	if approve {
		kind = pipeline.SignalApprove
	}
	return e.signal(ctx, runID, pipeline.Signal{Kind: kind, DecidedBy: decidedBy})
}

// Cancel requests cancellation of a run from any non-terminal state.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.signal(ctx, runID, pipeline.Signal{Kind: pipeline.SignalCancel})
}

func (e *Engine) signal(ctx context.Context, runID string, sig pipeline.Signal) error {
	e.mu.Lock()
	ch, running := e.active[runID]
	e.mu.Unlock()

	if !running {
		// Terminal runs tolerate late signals; unknown runs are an error.
		if _, err := e.runs.Get(ctx, runID); err != nil {
			return err
		}
		return nil
	}

	select {
	case ch <- sig:
	default:
		// Buffer full means a decision is already queued; duplicates are
		// tolerated by design.
	}
	return nil
}

// Recover resumes every non-terminal persisted run. Called once at startup,
// before external traffic is accepted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	records, err := e.runs.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resumed := 0
	for _, rec := range records {
		if _, running := e.active[rec.RunID]; running {
			continue
		}
		run, err := e.runner.LoadRun(ctx, rec.RunID)
		if err != nil {
			e.log.Error("Failed to recover run", "run_id", rec.RunID, "error", err)
			continue
		}
		e.launchLocked(run)
		resumed++
		e.log.Info("Run recovered", "run_id", rec.RunID, "state", run.State)
	}
	return resumed, nil
}

// ActiveRuns reports how many runs are currently executing or suspended.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown stops accepting progress and waits for run goroutines to park.
// Suspended runs stay durable and resume via Recover on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) launchLocked(run *domain.PipelineRun) {
	signals := make(chan pipeline.Signal, 4)
	e.active[run.RunID] = signals
	metrics.RunsStarted.Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, run.RunID)
			e.mu.Unlock()
		}()

		if _, err := e.runner.Execute(e.baseCtx, run, signals); err != nil {
			if errors.Is(err, context.Canceled) {
				return // shutdown; run stays durable for recovery
			}
			e.log.Error("Run execution error", "run_id", run.RunID, "error", err)
		}
	}()
}
