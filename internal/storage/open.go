package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "quotaq/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler's collaborators.
type Store interface {
	AppendDispatch(ctx context.Context, e DispatchEntry) error
	PutPageSeen(ctx context.Context, page string, at time.Time) error
	LoadPageSeen(ctx context.Context) (map[string]time.Time, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
