// Package monitor drives the probe → persist → aggregate → broadcast cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"

	"livewatch/internal/metrics"
	"livewatch/internal/models"
	"livewatch/internal/probe"
	"livewatch/internal/storage"
)

// Publisher delivers an update to live observers.
type Publisher interface {
	Publish(ctx context.Context, update models.Update) int
}

// LogSource returns the most recent lines of the monitored log.
type LogSource interface {
	Last(n int) ([]models.LogEntry, error)
}

// Options tunes the loop. Zero values fall back to defaults.
type Options struct {
	Retention       time.Duration
	CleanupEvery    time.Duration
	ProbeTimeout    time.Duration
	DefaultInterval time.Duration
	LogLines        int
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.CleanupEvery <= 0 {
		o.CleanupEvery = 24 * time.Hour
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = 10 * time.Second
	}
	if o.LogLines <= 0 {
		o.LogLines = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats exposes loop health.
type Stats struct {
	Ticks                    uint64    `json:"ticks"`
	ConsecutiveTickErrors    int       `json:"consecutive_tick_errors"`
	ConsecutiveProbeFailures int       `json:"consecutive_probe_failures"`
	LastTick                 time.Time `json:"last_tick"`
	LastDelivered            int       `json:"last_delivered"`
	IntervalSeconds          int       `json:"interval_seconds"`
	HistorySize              int       `json:"history_size"`
	LastCleanup              time.Time `json:"last_cleanup"`
}

// Loop is the single driver of the monitoring cycle.
type Loop struct {
	opts      Options
	prober    probe.Prober
	store     storage.HistoryStore
	publisher Publisher
	logs      LogSource
	logger    *zap.Logger

	// serialises ticks between the background loop and RunOnce callers
	tickMu sync.Mutex

	mu          sync.RWMutex
	history     []models.Verdict
	lastCleanup time.Time
	latest      *models.Update
	interval    time.Duration
	stats       Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	cancel   context.CancelFunc
}

// New wires a loop. Call Restore before Start to load persisted history.
func New(prober probe.Prober, store storage.HistoryStore, publisher Publisher, logs LogSource, logger *zap.Logger, opts Options) *Loop {
	opts.applyDefaults()
	return &Loop{
		opts:      opts,
		prober:    prober,
		store:     store,
		publisher: publisher,
		logs:      logs,
		logger:    logger,
		interval:  opts.DefaultInterval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Restore rebuilds the in-memory history from the durable log. On failure
// the loop keeps whatever could be read (possibly nothing) and stays usable;
// the error is returned for the caller to log.
func (l *Loop) Restore(ctx context.Context) error {
	verdicts, loadErr := l.store.Load(ctx, l.opts.Retention)
	if loadErr != nil {
		verdicts = nil
		loadErr = fmt.Errorf("load history: %w", loadErr)
	}
	lastCleanup, cleanupErr := l.store.LastCleanup(ctx)
	if cleanupErr != nil {
		lastCleanup = time.Time{}
		cleanupErr = fmt.Errorf("load last cleanup: %w", cleanupErr)
	}

	l.mu.Lock()
	l.history = verdicts
	l.lastCleanup = lastCleanup
	l.stats.HistorySize = len(verdicts)
	l.stats.LastCleanup = lastCleanup
	l.mu.Unlock()

	l.logger.Info("history restored",
		zap.Int("verdicts", len(verdicts)),
		zap.Time("last_cleanup", lastCleanup))
	return errors.Join(loadErr, cleanupErr)
}

// Start launches the loop in a goroutine. The first tick runs immediately.
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// Stop terminates the loop; an in-flight tick is cancelled, not drained.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.cancel != nil {
			l.cancel()
			<-l.doneCh
		}
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	for {
		l.safeTick(ctx)

		interval := l.nextInterval(ctx)
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-l.stopCh:
			timer.Stop()
			return
		}
	}
}

// safeTick keeps a panic in one tick from killing the loop.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := goerrors.Wrap(r, 2)
			l.logger.Error("monitor tick panicked",
				zap.String("panic", err.Error()),
				zap.String("stack", string(err.Stack())))
			l.mu.Lock()
			l.stats.ConsecutiveTickErrors++
			l.mu.Unlock()
		}
	}()

	if _, err := l.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			l.logger.Debug("monitor tick interrupted", zap.Error(err))
			return
		}
		l.logger.Error("monitor tick failed", zap.Error(err))
	}
}

// nextInterval reads check_interval fresh; on failure the last value is kept.
func (l *Loop) nextInterval(ctx context.Context) time.Duration {
	seconds, err := l.store.CheckInterval(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case err != nil:
		l.logger.Warn("read check interval failed, keeping previous",
			zap.Duration("interval", l.interval),
			zap.Error(err))
	case seconds <= 0:
		l.logger.Warn("ignoring non-positive check interval", zap.Int("seconds", seconds))
	default:
		next := time.Duration(seconds) * time.Second
		if next != l.interval {
			l.logger.Info("check interval changed",
				zap.Duration("from", l.interval),
				zap.Duration("to", next))
		}
		l.interval = next
	}
	l.stats.IntervalSeconds = int(l.interval / time.Second)
	return l.interval
}

// RunOnce executes one tick. Step failures are collected into the returned
// error; the update is still published. A tick whose ctx is cancelled
// before the probe completes records and publishes nothing.
func (l *Loop) RunOnce(ctx context.Context) (models.Update, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	var errs []error

	verdict, err := l.runProbe(ctx)
	if err != nil {
		return models.Update{}, err
	}
	if !verdict.Status {
		l.logger.Warn("target down", zap.String("reason", verdict.Error()))
	}

	if err := l.store.Append(ctx, verdict); err != nil {
		errs = append(errs, fmt.Errorf("persist verdict: %w", err))
	}

	l.mu.Lock()
	l.history = append(l.history, verdict)
	l.mu.Unlock()

	if err := l.maybePrune(ctx); err != nil {
		errs = append(errs, err)
	}

	snapshot := l.Snapshot()

	logs, err := l.logs.Last(l.opts.LogLines)
	if err != nil {
		errs = append(errs, fmt.Errorf("read recent logs: %w", err))
		logs = []models.LogEntry{}
	}

	update := models.Update{Status: snapshot, Logs: logs}
	l.mu.Lock()
	l.latest = &update
	l.mu.Unlock()

	delivered := l.publisher.Publish(ctx, update)

	l.mu.Lock()
	l.stats.Ticks++
	l.stats.LastTick = verdict.Timestamp
	l.stats.LastDelivered = delivered
	l.stats.HistorySize = len(l.history)
	if verdict.Status {
		l.stats.ConsecutiveProbeFailures = 0
	} else {
		l.stats.ConsecutiveProbeFailures++
	}
	if len(errs) > 0 {
		l.stats.ConsecutiveTickErrors++
	} else {
		l.stats.ConsecutiveTickErrors = 0
	}
	l.mu.Unlock()

	l.logger.Debug("tick complete",
		zap.Bool("status", verdict.Status),
		zap.Float64("uptime_24h", snapshot.Uptime24h),
		zap.Int("delivered", delivered))

	return update, errors.Join(errs...)
}

// runProbe bounds the probe by ProbeTimeout. It returns an error only when
// parent is cancelled; a probe deadline is a down verdict.
func (l *Loop) runProbe(parent context.Context) (models.Verdict, error) {
	if err := parent.Err(); err != nil {
		return models.Verdict{}, fmt.Errorf("tick cancelled: %w", err)
	}
	started := l.opts.Now()
	ctx, cancel := context.WithTimeout(parent, l.opts.ProbeTimeout)
	defer cancel()

	result := make(chan models.Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- models.Down(started, fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		result <- l.prober.Probe(ctx)
	}()

	var v models.Verdict
	select {
	case v = <-result:
	case <-ctx.Done():
		v = models.Down(started, fmt.Sprintf("probe timed out after %s", l.opts.ProbeTimeout))
	}
	if err := parent.Err(); err != nil {
		return models.Verdict{}, fmt.Errorf("tick cancelled: %w", err)
	}
	return v, nil
}

// maybePrune prunes at most once per CleanupEvery.
func (l *Loop) maybePrune(ctx context.Context) error {
	now := l.opts.Now()
	l.mu.RLock()
	due := now.Sub(l.lastCleanup) > l.opts.CleanupEvery
	l.mu.RUnlock()
	if !due {
		return nil
	}

	removed, err := l.store.Prune(ctx, l.opts.Retention)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}

	cutoff := now.Add(-l.opts.Retention)
	l.mu.Lock()
	kept := l.history[:0]
	for _, v := range l.history {
		if !v.Timestamp.Before(cutoff) {
			kept = append(kept, v)
		}
	}
	l.history = kept
	l.lastCleanup = now
	l.stats.LastCleanup = now
	l.mu.Unlock()

	l.logger.Info("history pruned",
		zap.Int64("removed", removed),
		zap.Duration("retention", l.opts.Retention))
	return nil
}

// Snapshot recomputes metrics from the in-memory history.
func (l *Loop) Snapshot() models.MetricsSnapshot {
	return metrics.Compute(l.History(), l.opts.Now())
}

// History returns a copy of the in-memory verdicts.
func (l *Loop) History() []models.Verdict {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Verdict, len(l.history))
	copy(out, l.history)
	return out
}

// Latest returns the last published update.
func (l *Loop) Latest() (models.Update, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.latest == nil {
		return models.Update{}, false
	}
	return *l.latest, true
}

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}
