// Package redis carries the external approval-decision channel and trigger
// deduplication.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	decisionQueue    = "pipeline:approvals"
	triggerKeyPrefix = "pipeline:trigger:"
)

// Client wraps Redis operations for the pipeline.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Decision is one approval decision addressed to a run. Duplicate deliveries
// are tolerated downstream, so the channel needs no exactly-once guarantee.
type Decision struct {
	RunID     string `json:"run_id"`
	Decision  string `json:"decision"` // "approve" or "reject"
	DecidedBy string `json:"decided_by,omitempty"`
}

// PublishDecision enqueues a decision for the worker to consume.
func (c *Client) PublishDecision(ctx context.Context, d Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	if err := c.rdb.RPush(ctx, decisionQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}
	return nil
}

// NextDecision blocks up to timeout for the next decision. found is false on
// timeout.
func (c *Client) NextDecision(ctx context.Context, timeout time.Duration) (*Decision, bool, error) {
	res, err := c.rdb.BLPop(ctx, timeout, decisionQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blpop failed: %w", err)
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return nil, false, nil
	}

	var d Decision
	if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
		return nil, false, fmt.Errorf("invalid decision payload: %w", err)
	}
	return &d, true, nil
}

// ClaimTrigger marks a run id as started. Returns false when another worker
// already claimed it, guarding against duplicate trigger delivery.
func (c *Client) ClaimTrigger(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, triggerKeyPrefix+runID, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}
