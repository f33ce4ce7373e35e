// Package history is the optional run journal. It records outcomes only
// (task, trigger, exit code, duration, error) — never captured output and
// never secret values.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskrun/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the journal.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file":   append-only JSON Lines file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	Retain      int           // max records kept (sqlite); 0 means default
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one completed (or aborted) task run.
type RunRecord struct {
	Task     string
	Trigger  string // "manual" | "cron"
	Started  time.Time
	Duration time.Duration
	ExitCode int
	Error    string // empty on success
}

// Store is the journal API used by the app layer.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	RecentRuns(ctx context.Context, taskName string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) when the journal is disabled.
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
		return nil, errors.New("unknown history driver: " + driver)
	}
}
