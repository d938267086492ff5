// Package artifact stores model artifacts produced by the training stage.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists model artifacts and returns a stable URI for them.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Config selects and configures the artifact backend.
type Config struct {
	Backend   string `yaml:"backend"` // "local" or "s3"
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LocalStore writes artifacts under a directory. Default backend for demos
// and tests.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the artifact directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = "models"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := filepath.Join(s.dir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact subdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}
