package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql

	"github.com/vietddude/pipeliner/internal/core/fault"
)

// Config holds tracking store connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// PostgresSink writes experiment records to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the tracking database. Connectivity is probed lazily:
// the store may legitimately be down at startup, and the run retries the
// logging stage until it comes back.
func NewPostgresSink(cfg Config) (*PostgresSink, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresSink{db: db}, nil
}

// Close closes the tracking database connection.
func (s *PostgresSink) Close() error { return s.db.Close() }

const insertExperiment = `
	INSERT INTO experiments (
		run_id, model_id, dataset_path, hyperparameters,
		accuracy, mae, r2_score, training_samples, training_time_seconds,
		quality_passed, training_started_at, training_completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING id`

// LogExperiment implements Sink. Store failures are translated into the
// fault taxonomy: connectivity problems are transient, authentication and
// missing-database problems are permanent.
func (s *PostgresSink) LogExperiment(ctx context.Context, rec *Record) (int64, error) {
	hyperparams, err := json.Marshal(rec.Hyperparameters)
	if err != nil {
		return 0, fault.Permanent("failed to encode hyperparameters", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, insertExperiment,
		rec.RunID,
		rec.ModelID,
		rec.DatasetPath,
		hyperparams,
		rec.Accuracy,
		rec.MAE,
		rec.R2Score,
		rec.TrainingSamples,
		rec.TrainingSeconds,
		rec.QualityPassed,
		rec.StartedAt,
		rec.CompletedAt,
	).Scan(&id)
	if err != nil {
		return 0, ClassifyStoreError(err)
	}
	return id, nil
}

// ClassifyStoreError maps a database error onto the fault taxonomy.
//
// SQLSTATE class 28 (invalid authorization) and 3D000 (database does not
// exist) are configuration problems: retrying cannot fix them. Class 08
// (connection exceptions) and plain network errors mean the store is
// unreachable and the write should be retried. Anything else from the server
// is treated as a configuration problem rather than retried blindly.
func ClassifyStoreError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return fault.Permanent("tracking database credentials invalid", err)
		case pgErr.Code == "3D000":
			return fault.Permanent("tracking database does not exist", err)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "57P03": // cannot_connect_now, server starting up
			return fault.Transient("tracking database unavailable", err)
		default:
			return fault.Permanent("tracking database error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Transient("tracking database unreachable", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient("tracking database timeout", err)
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "failed to connect") {
		return fault.Transient("tracking database unreachable", err)
	}

	return fault.Permanent("tracking store error", err)
}
