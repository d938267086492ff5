package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Pipeline.TargetEnv == "" {
		cfg.Pipeline.TargetEnv = "dev"
	}
	if cfg.Pipeline.RetryInitialDelay == 0 {
		cfg.Pipeline.RetryInitialDelay = time.Second
	}
	if cfg.Pipeline.RetryMaxDelay == 0 {
		cfg.Pipeline.RetryMaxDelay = 60 * time.Second
	}
	if cfg.Pipeline.RetryBackoffMultiple == 0 {
		cfg.Pipeline.RetryBackoffMultiple = 2.0
	}
	if cfg.Quality.PassProbability == 0 {
		cfg.Quality.PassProbability = 0.70
	}
	if cfg.Quality.MinAccuracy == 0 {
		cfg.Quality.MinAccuracy = 0.80
	}
	if cfg.Quality.MaxMAE == 0 {
		cfg.Quality.MaxMAE = 2.5
	}
	if cfg.Quality.MinR2 == 0 {
		cfg.Quality.MinR2 = 0.70
	}
	if cfg.Quality.MinTrainingSamples == 0 {
		cfg.Quality.MinTrainingSamples = 25
	}
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "artifacts"
	}
}
