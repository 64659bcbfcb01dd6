package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome values stored per run.
const (
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
	OutcomeFatal    = "fatal"
)

// RunRecord captures one terminal task outcome.
// Keep it compact and schema-stable.
type RunRecord struct {
	Seq      uint64    `json:"seq"`
	Name     string    `json:"name"`
	Started  time.Time `json:"started"`
	Duration int64     `json:"duration_ms"`
	Attempts int       `json:"attempts"`
	Outcome  string    `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}
