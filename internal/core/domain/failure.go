package domain

import "time"

// Classification is the retry policy assigned to a stage failure.
type Classification string

const (
	ClassificationRetryable Classification = "retryable"
	ClassificationPermanent Classification = "permanent"
)

// FailureRecord is created on every stage failure and retained for
// observability. It is never mutated.
type FailureRecord struct {
	Stage          Stage          `json:"stage"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification"`
	Attempt        int            `json:"attempt"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
