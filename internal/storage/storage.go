// Package storage persists the verdict log and the check_interval slot.
//
// The row-oriented log is the only durable representation of History.
// In-memory views are rebuilt from it with Load at startup.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"livewatch/internal/models"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

const (
	keyCheckInterval = "check_interval"
	keyLastCleanup   = "last_cleanup"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store is closed")
	// ErrInvalidInterval is returned when a non-positive interval is written.
	ErrInvalidInterval = errors.New("storage: check interval must be positive")
)

// HistoryStore is the durable append-only verdict log plus the interval slot.
type HistoryStore interface {
	// Append durably records v before returning.
	Append(ctx context.Context, v models.Verdict) error
	// Load returns verdicts newer than now-maxAge in ascending order.
	// maxAge <= 0 returns everything.
	Load(ctx context.Context, maxAge time.Duration) ([]models.Verdict, error)
	// Prune deletes verdicts older than now-retention and records the cleanup time.
	Prune(ctx context.Context, retention time.Duration) (int64, error)
	// LastCleanup reports the last prune time; zero means never.
	LastCleanup(ctx context.Context) (time.Time, error)
	CheckInterval(ctx context.Context) (int, error)
	SetCheckInterval(ctx context.Context, seconds int) error
	Close() error
}

// Compactor is implemented by drivers that support offline compaction.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Options configures Open.
type Options struct {
	Driver string
	Path   string
	// DefaultInterval seeds check_interval when the slot is empty.
	DefaultInterval int
	// Now overrides the clock used for load/prune cutoffs.
	Now func() time.Time
}

// Open creates the data directory and opens the configured driver.
func Open(opts Options) (HistoryStore, error) {
	if opts.Path == "" {
		return nil, errors.New("storage: path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure data directory: %w", err)
		}
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	switch opts.Driver {
	case "", DriverSQLite:
		return OpenSQLite(opts)
	case DriverBolt:
		return OpenBolt(opts)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}

func cutoffFor(now time.Time, maxAge time.Duration) (time.Time, bool) {
	if maxAge <= 0 {
		return time.Time{}, false
	}
	return now.Add(-maxAge), true
}
