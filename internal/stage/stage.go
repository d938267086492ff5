// Package stage implements the five pipeline stages. Each stage is a pure
// request→result transformation over its injected collaborators: stages raise
// failures but never decide retry policy, and they never see ciphertext.
//
// The ML internals are mocked; metrics are drawn from a random source seeded
// by the triggering filename so outcomes are reproducible across replays.
package stage

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/infra/artifact"
	"github.com/vietddude/pipeliner/internal/tracking"
)

// Config holds stage tunables.
type Config struct {
	// PassProbability is the chance a filename with no "good"/"bad" token
	// passes the quality gate.
	PassProbability float64

	// Quality thresholds, used for decision reporting.
	MinAccuracy float64
	MaxMAE      float64
	MinR2       float64

	// MinTrainingSamples below which training fails permanently.
	MinTrainingSamples int

	// SimulateFailureStage injects a failure into the named stage. Empty
	// disables simulation.
	SimulateFailureStage domain.Stage

	// Rand supplies the randomness source for a given seed string. Tests
	// override it to pin outcomes; the default derives a deterministic
	// per-file stream.
	Rand func(seed string) *rand.Rand
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		PassProbability:    0.70,
		MinAccuracy:        0.80,
		MaxMAE:             2.5,
		MinR2:              0.70,
		MinTrainingSamples: 25,
	}
}

// Stages bundles the stage functions with their collaborators.
type Stages struct {
	cfg       Config
	artifacts artifact.Store
	tracker   tracking.Sink
}

// New builds the stage set.
func New(cfg Config, artifacts artifact.Store, tracker tracking.Sink) *Stages {
	if cfg.Rand == nil {
		cfg.Rand = SeededRand
	}
	if cfg.PassProbability == 0 {
		cfg.PassProbability = 0.70
	}
	if cfg.MinTrainingSamples == 0 {
		cfg.MinTrainingSamples = 25
	}
	return &Stages{cfg: cfg, artifacts: artifacts, tracker: tracker}
}

// SeededRand returns a random source deterministically seeded from the seed
// string, so the same file always produces the same mock outcomes.
func SeededRand(seed string) *rand.Rand {
	sum := sha256.Sum256([]byte(seed))
	n := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
	return rand.New(rand.NewSource(n))
}

func (s *Stages) simulated(stage domain.Stage) bool {
	return s.cfg.SimulateFailureStage != "" && s.cfg.SimulateFailureStage == stage
}
