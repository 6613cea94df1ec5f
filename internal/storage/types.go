package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultHistorySize is the number of runs kept per job when Config leaves
// HistorySize unset.
const DefaultHistorySize = 50

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	HistorySize int
}

func (c Config) historySize() int {
	if c.HistorySize <= 0 {
		return DefaultHistorySize
	}
	return c.HistorySize
}

// RunRecord is one finished attempt of a job execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	ExecutionID string    `json:"execution_id"`
	Job         string    `json:"job"`
	Trigger     string    `json:"trigger,omitempty"`
	FireTime    time.Time `json:"fire_time"`
	FinishedAt  time.Time `json:"finished_at"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	TookMS      int64     `json:"took_ms"`
	Error       string    `json:"error,omitempty"`
	PID         int       `json:"pid,omitempty"`
}
