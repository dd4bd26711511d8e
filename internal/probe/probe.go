// Package probe infers liveness of a process from activity on its log file.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/spf13/afero"

	"livewatch/internal/models"
)

// Prober samples the monitored target once per tick.
type Prober interface {
	Probe(ctx context.Context) models.Verdict
}

// ActivitySource reports the last time the file was touched, as observed
// outside of Stat (for example by filesystem notifications).
type ActivitySource interface {
	LastActivity() time.Time
}

// FileProbe declares the target live while its log file keeps changing.
// Size and growth baselines live only in memory and reset on restart.
type FileProbe struct {
	fs        afero.Fs
	path      string
	threshold time.Duration
	now       func() time.Time
	activity  ActivitySource

	mu           sync.Mutex
	hasBaseline  bool
	lastSize     int64
	lastModTime  time.Time
	lastGrowth   time.Time
	lastActivity time.Time
}

// Option customises a FileProbe.
type Option func(*FileProbe)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *FileProbe) { p.now = now }
}

// WithActivity adds an external touch signal.
func WithActivity(src ActivitySource) Option {
	return func(p *FileProbe) { p.activity = src }
}

// NewFileProbe creates a probe for path on filesystem fsys.
func NewFileProbe(fsys afero.Fs, path string, threshold time.Duration, opts ...Option) *FileProbe {
	p := &FileProbe{
		fs:        fsys,
		path:      path,
		threshold: threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe never fails: any problem becomes a status=false verdict.
func (p *FileProbe) Probe(ctx context.Context) models.Verdict {
	started := p.now()
	if err := ctx.Err(); err != nil {
		return models.Down(started, err.Error())
	}

	live, reason := p.check(started)
	if !live {
		return models.Down(started, reason)
	}
	return models.Up(started, p.now().Sub(started))
}

func (p *FileProbe) check(now time.Time) (bool, string) {
	info, err := p.fs.Stat(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Sprintf("log file not found: %s", p.path)
		}
		return false, fmt.Sprintf("stat log file: %v", err)
	}
	if info.IsDir() {
		return false, fmt.Sprintf("log file is a directory: %s", p.path)
	}

	size := info.Size()
	modTime := info.ModTime()
	var touched time.Time
	if p.activity != nil {
		touched = p.activity.LastActivity()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasBaseline {
		p.hasBaseline = true
		p.lastSize = size
		p.lastModTime = modTime
		p.lastActivity = touched
		if size == 0 {
			// no growth observed yet, stays down until the file is written
			return false, fmt.Sprintf("log file is empty: %s", p.path)
		}
		p.lastGrowth = now
		return true, ""
	}

	active := false
	switch {
	case size > p.lastSize:
		active = true
	case size < p.lastSize:
		// truncated or rotated
		active = true
	case modTime.After(p.lastModTime):
		active = true
	case touched.After(p.lastActivity):
		active = true
	}
	p.lastSize = size
	p.lastModTime = modTime
	p.lastActivity = touched

	if active {
		p.lastGrowth = now
		return true, ""
	}

	if p.lastGrowth.IsZero() {
		return false, fmt.Sprintf("log file is empty: %s", p.path)
	}
	idle := now.Sub(p.lastGrowth)
	if idle > p.threshold {
		return false, fmt.Sprintf("log file not updated for %s (threshold %s)", idle.Round(time.Second), p.threshold)
	}
	return true, ""
}
