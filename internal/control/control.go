// Package control is the composition root: it wires storage, tracking,
// artifacts, the payload codec, the run engine, and the external surfaces
// together and manages their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/pipeliner/internal/api"
	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/core/config"
	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/engine"
	"github.com/vietddude/pipeliner/internal/infra/artifact"
	redisclient "github.com/vietddude/pipeliner/internal/infra/redis"
	"github.com/vietddude/pipeliner/internal/infra/storage"
	"github.com/vietddude/pipeliner/internal/infra/storage/memory"
	"github.com/vietddude/pipeliner/internal/infra/storage/postgres"
	"github.com/vietddude/pipeliner/internal/pipeline"
	"github.com/vietddude/pipeliner/internal/stage"
	"github.com/vietddude/pipeliner/internal/tracking"
	"github.com/vietddude/pipeliner/internal/trigger"
)

// Orchestrator owns every long-lived component of the service.
type Orchestrator struct {
	cfg *config.AppConfig
	log *slog.Logger

	engine    *engine.Engine
	apiServer *api.Server
	triggers  *trigger.Service

	db          *postgres.DB
	redisClient *redisclient.Client
	sink        tracking.Sink

	consumerCancel context.CancelFunc
	consumerDone   chan struct{}
}

// NewOrchestrator builds the full dependency graph from configuration.
func NewOrchestrator(cfg *config.AppConfig, log *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Payload codec. Everything that crosses the storage boundary goes
	// through it, so it is built first.
	keyring, err := cfg.Encryption.Keyring()
	if err != nil {
		return nil, fmt.Errorf("failed to build keyring: %w", err)
	}
	payloadCodec := codec.New(keyring)

	// 2. Storage
	var (
		runs   storage.RunRepository
		events storage.EventRepository
		db     *postgres.DB
	)
	if cfg.Database.URL != "" {
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Goose needs the direct *sql.DB which sqlx wraps.
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		runs = postgres.NewRunRepo(db)
		events = postgres.NewEventRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		runs = memory.NewRunRepo(store)
		events = memory.NewEventRepo(store)
		log.Info("Using Memory storage")
	}

	// 3. Experiment tracking
	var sink tracking.Sink
	if cfg.Tracking.URL != "" {
		pgSink, err := tracking.NewPostgresSink(cfg.Tracking)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracking sink: %w", err)
		}
		sink = pgSink
	} else {
		sink = tracking.NewMemorySink()
		log.Info("Using in-memory experiment tracking")
	}

	// 4. Artifact store
	var artifacts artifact.Store
	if cfg.Artifacts.Backend == "s3" {
		artifacts, err = artifact.NewS3Store(context.Background(), cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("failed to init artifact store: %w", err)
		}
	} else {
		artifacts, err = artifact.NewLocalStore(cfg.Artifacts.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to init artifact store: %w", err)
		}
	}

	// 5. Stages, runner, engine
	stages := stage.New(stage.Config{
		PassProbability:      cfg.Quality.PassProbability,
		MinAccuracy:          cfg.Quality.MinAccuracy,
		MaxMAE:               cfg.Quality.MaxMAE,
		MinR2:                cfg.Quality.MinR2,
		MinTrainingSamples:   cfg.Quality.MinTrainingSamples,
		SimulateFailureStage: domain.Stage(cfg.Pipeline.SimulateFailureStage),
	}, artifacts, sink)

	runner := pipeline.NewRunner(pipeline.Config{
		TargetEnv:           cfg.Pipeline.TargetEnv,
		DeployOnQualityFail: cfg.Pipeline.DeployOnQualityFail,
		ApprovalTimeout:     cfg.Pipeline.ApprovalTimeout,
		Retry: pipeline.RetryConfig{
			InitialDelay:    cfg.Pipeline.RetryInitialDelay,
			MaxDelay:        cfg.Pipeline.RetryMaxDelay,
			BackoffMultiple: cfg.Pipeline.RetryBackoffMultiple,
		},
	}, stages, payloadCodec, runs, events, log)

	eng := engine.New(runner, runs, log)

	// 6. External surfaces. Redis is optional: without it, deduplication is
	// process-local and decisions arrive over HTTP only.
	var (
		redisClient *redisclient.Client
		dedup       trigger.Deduper
	)
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		dedup = &redisDeduper{client: redisClient}
	} else {
		dedup = trigger.NewMemoryDeduper()
	}

	triggers := trigger.NewService(eng, dedup, log)
	apiServer := api.NewServer(eng, triggers, cfg.Server.Port, log)

	return &Orchestrator{
		cfg:         cfg,
		log:         log,
		engine:      eng,
		apiServer:   apiServer,
		triggers:    triggers,
		db:          db,
		redisClient: redisClient,
		sink:        sink,
	}, nil
}

// Start recovers persisted runs, starts the HTTP server, and begins consuming
// approval decisions from Redis when configured.
func (o *Orchestrator) Start(ctx context.Context) error {
	resumed, err := o.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover runs: %w", err)
	}
	if resumed > 0 {
		o.log.Info("Resumed unfinished runs", "count", resumed)
	}

	go func() {
		o.log.Info("API server listening", "port", o.cfg.Server.Port)
		if err := o.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error("API server error", "error", err)
		}
	}()

	if o.redisClient != nil {
		consumerCtx, cancel := context.WithCancel(context.Background())
		o.consumerCancel = cancel
		o.consumerDone = make(chan struct{})
		go o.consumeDecisions(consumerCtx)
	}

	return nil
}

// Stop shuts everything down in dependency order. In-flight runs suspend and
// stay durable; they resume on the next Start via recovery.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if err := o.apiServer.Stop(ctx); err != nil {
		o.log.Warn("API server shutdown error", "error", err)
	}

	if o.consumerCancel != nil {
		o.consumerCancel()
		select {
		case <-o.consumerDone:
		case <-ctx.Done():
		}
	}

	if err := o.engine.Shutdown(ctx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}

	if closer, ok := o.sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			o.log.Warn("Tracking sink close error", "error", err)
		}
	}
	if o.redisClient != nil {
		if err := o.redisClient.Close(); err != nil {
			o.log.Warn("Redis close error", "error", err)
		}
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			o.log.Warn("Database close error", "error", err)
		}
	}
	return nil
}

// Engine exposes the run host, mainly for tests and the admin CLI.
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

// consumeDecisions forwards approval decisions from the Redis queue to the
// engine. The queue is the channel for out-of-band approvers (chat bots,
// dashboards); HTTP decisions bypass it.
func (o *Orchestrator) consumeDecisions(ctx context.Context) {
	defer close(o.consumerDone)

	for {
		d, found, err := o.redisClient.NextDecision(ctx, 5*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.log.Warn("Failed to read decision queue", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !found {
			continue
		}

		approve := d.Decision == "approve"
		if err := o.engine.Decide(ctx, d.RunID, approve, d.DecidedBy); err != nil {
			o.log.Warn("Failed to apply decision", "run_id", d.RunID, "error", err)
			continue
		}
		o.log.Info("Decision applied", "run_id", d.RunID, "decision", d.Decision, "by", d.DecidedBy)
	}
}

// redisDeduper adapts the Redis client to the trigger.Deduper interface.
type redisDeduper struct {
	client *redisclient.Client
}

func (d *redisDeduper) Claim(ctx context.Context, runID string) (bool, error) {
	return d.client.ClaimTrigger(ctx, runID, 24*time.Hour)
}
