package probe

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Watcher records filesystem notifications for the monitored file so that
// touches between two probes are not missed.
type Watcher struct {
	path   string
	logger *zap.Logger
	now    func() time.Time
	last   atomic.Int64
	armed  atomic.Bool
	retry  backoff.Backoff
}

// NewWatcher creates a watcher for path. Call Run to start it.
func NewWatcher(path string, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:   filepath.Clean(path),
		logger: logger,
		now:    time.Now,
		retry: backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// LastActivity returns the time of the last write/create/chmod event.
func (w *Watcher) LastActivity() time.Time {
	ns := w.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Armed reports whether the file is currently being watched.
func (w *Watcher) Armed() bool {
	return w.armed.Load()
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if !w.arm(ctx, fw) {
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				w.last.Store(w.now().UnixNano())
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.armed.Store(false)
				w.logger.Warn("log file removed or rotated, re-arming watcher", zap.String("file", w.path))
				_ = fw.Remove(w.path)
				if !w.arm(ctx, fw) {
					return ctx.Err()
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// arm retries adding the watch until it succeeds or ctx is done.
func (w *Watcher) arm(ctx context.Context, fw *fsnotify.Watcher) bool {
	w.retry.Reset()
	for {
		err := fw.Add(w.path)
		if err == nil {
			w.armed.Store(true)
			w.logger.Debug("watching log file", zap.String("file", w.path))
			return true
		}
		wait := w.retry.Duration()
		w.logger.Debug("cannot watch log file yet",
			zap.String("file", w.path),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
