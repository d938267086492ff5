// Package tracking writes experiment records to an external tracking store,
// the moral equivalent of a Weights & Biases backend.
package tracking

import (
	"context"
	"sync"
	"time"
)

// Record is one experiment entry in the tracking store.
type Record struct {
	RunID           string
	ModelID         string
	DatasetPath     string
	Hyperparameters Hyperparameters
	Accuracy        float64
	MAE             float64
	R2Score         float64
	TrainingSamples int
	TrainingSeconds float64
	QualityPassed   bool
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Hyperparameters captures the mock training configuration.
type Hyperparameters struct {
	NEstimators int `json:"n_estimators"`
	MaxDepth    int `json:"max_depth"`
	RandomState int `json:"random_state"`
}

// Sink persists experiment records. Implementations surface failures through
// the fault taxonomy so the classifier can split outages from config errors.
type Sink interface {
	LogExperiment(ctx context.Context, rec *Record) (int64, error)
}

// MemorySink keeps records in memory. Used in tests and when no tracking
// store is configured. FailNext schedules transient failures to simulate a
// store outage.
type MemorySink struct {
	mu       sync.Mutex
	nextID   int64
	records  []Record
	failures []error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailNext queues errors to be returned by the next LogExperiment calls, in
// order, before the sink starts succeeding again.
func (s *MemorySink) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// LogExperiment implements Sink.
func (s *MemorySink) LogExperiment(ctx context.Context, rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return 0, err
	}

	s.nextID++
	s.records = append(s.records, *rec)
	return s.nextID, nil
}

// Records returns a copy of everything logged so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
