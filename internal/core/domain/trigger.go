package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TriggerEvent is produced by an external watcher when a new data file lands.
// It is immutable and consumed exactly once to seed a run.
type TriggerEvent struct {
	FilePath    string    `json:"file_path"`
	TriggerType string    `json:"trigger_type"`
	ReceivedAt  time.Time `json:"received_at"`
}

const TriggerTypeFileCreated = "file_created"

// RunID derives the run identifier from the trigger time and file name.
// The derivation is deterministic so concurrent triggers on distinct files
// always map to distinct runs, and re-delivery of the same trigger maps to
// the same run.
func (t TriggerEvent) RunID() string {
	stem := strings.TrimSuffix(filepath.Base(t.FilePath), filepath.Ext(t.FilePath))
	return fmt.Sprintf("run-%d-%s", t.ReceivedAt.Unix(), stem)
}
