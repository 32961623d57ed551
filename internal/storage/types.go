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

// DispatchEntry records one dispatch outcome.
// Keep it compact and schema-stable.
type DispatchEntry struct {
	At          time.Time
	RequestID   string
	Priority    string
	Description string
	Critical    bool
	Outcome     string // "done" | "failed" | "rejected"
	RateLimited bool
	QueueDelayMS int64
	TookMS      int64
	Error       string
}
