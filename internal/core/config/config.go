package config

import (
	"time"

	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/infra/artifact"
	redisclient "github.com/vietddude/pipeliner/internal/infra/redis"
	"github.com/vietddude/pipeliner/internal/infra/storage/postgres"
	"github.com/vietddude/pipeliner/internal/tracking"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Pipeline   PipelineConfig     `yaml:"pipeline"`
	Quality    QualityConfig      `yaml:"quality"`
	Encryption EncryptionConfig   `yaml:"encryption"`
	Redis      redisclient.Config `yaml:"redis"`
	Database   postgres.Config    `yaml:"database"`
	Tracking   tracking.Config    `yaml:"tracking"`
	Artifacts  artifact.Config    `yaml:"artifacts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PipelineConfig holds run execution settings.
type PipelineConfig struct {
	TargetEnv            string        `yaml:"target_env"` // "dev" or "prod"
	DeployOnQualityFail  bool          `yaml:"deploy_on_quality_fail"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout"`
	RetryInitialDelay    time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`
	RetryBackoffMultiple float64       `yaml:"retry_backoff_multiple"`
	SimulateFailureStage string        `yaml:"simulate_failure_stage"` // inject a stage-logic fault, for drills
}

// QualityConfig holds quality gate thresholds.
type QualityConfig struct {
	PassProbability    float64 `yaml:"pass_probability"`
	MinAccuracy        float64 `yaml:"min_accuracy"`
	MaxMAE             float64 `yaml:"max_mae"`
	MinR2              float64 `yaml:"min_r2"`
	MinTrainingSamples int     `yaml:"min_training_samples"`
}

// EncryptionConfig holds the payload keyring. Keys are base64-encoded 32-byte
// values and normally arrive via environment expansion, never inline.
type EncryptionConfig struct {
	ActiveKeyID string            `yaml:"active_key_id"`
	Keys        map[string]string `yaml:"keys"`
}

// Keyring builds the payload codec keyring from the configured keys.
func (c EncryptionConfig) Keyring() (*codec.StaticKeyring, error) {
	return codec.NewStaticKeyring(c.ActiveKeyID, c.Keys)
}
