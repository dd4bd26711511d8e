// Package broadcast fans monitor updates out to live observers.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"livewatch/internal/models"
)

// ErrObserverClosed is returned by observers that can no longer deliver.
var ErrObserverClosed = errors.New("broadcast: observer closed")

// Observer is one live connection. Identity is the ID.
type Observer interface {
	ID() string
	Send(ctx context.Context, update models.Update) error
	Close() error
}

// Broadcaster owns the observer set. Only Attach, Detach and Publish mutate it.
type Broadcaster struct {
	logger         *zap.Logger
	maxConcurrency int

	mu        sync.RWMutex
	observers map[string]Observer
}

// New creates a broadcaster that delivers to at most maxConcurrency
// observers at once.
func New(logger *zap.Logger, maxConcurrency int) *Broadcaster {
	if maxConcurrency <= 0 {
		maxConcurrency = 16
	}
	return &Broadcaster{
		logger:         logger,
		maxConcurrency: maxConcurrency,
		observers:      make(map[string]Observer),
	}
}

// Attach adds o. It returns false if an observer with the same ID is
// already attached.
func (b *Broadcaster) Attach(o Observer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.observers[o.ID()]; exists {
		return false
	}
	b.observers[o.ID()] = o
	b.logger.Info("observer attached",
		zap.String("observer", o.ID()),
		zap.Int("observers", len(b.observers)))
	return true
}

// Detach removes the observer with id. The observer is not closed.
func (b *Broadcaster) Detach(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.observers[id]; !exists {
		return false
	}
	delete(b.observers, id)
	b.logger.Info("observer detached",
		zap.String("observer", id),
		zap.Int("observers", len(b.observers)))
	return true
}

// Len returns the number of attached observers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Has reports whether id is attached.
func (b *Broadcaster) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.observers[id]
	return ok
}

// Publish sends update to every attached observer and returns the number of
// successful deliveries. Observers whose delivery fails are detached and
// closed. It returns once every delivery has been attempted.
func (b *Broadcaster) Publish(ctx context.Context, update models.Update) int {
	b.mu.RLock()
	targets := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var (
		failedMu  sync.Mutex
		failed    []Observer
		delivered int
	)
	p := pool.New().WithMaxGoroutines(b.maxConcurrency)
	for _, o := range targets {
		o := o
		p.Go(func() {
			err := o.Send(ctx, update)
			failedMu.Lock()
			defer failedMu.Unlock()
			if err != nil {
				failed = append(failed, o)
				b.logger.Debug("delivery failed",
					zap.String("observer", o.ID()),
					zap.Error(err))
				return
			}
			delivered++
		})
	}
	p.Wait()

	if len(failed) > 0 {
		b.prune(failed)
	}
	return delivered
}

func (b *Broadcaster) prune(failed []Observer) {
	b.mu.Lock()
	removed := make([]Observer, 0, len(failed))
	for _, o := range failed {
		// a reconnect may have re-registered the id with a new connection
		if current, ok := b.observers[o.ID()]; ok && current == o {
			delete(b.observers, o.ID())
			removed = append(removed, o)
		}
	}
	remaining := len(b.observers)
	b.mu.Unlock()

	for _, o := range removed {
		_ = o.Close()
		b.logger.Info("observer pruned after failed delivery",
			zap.String("observer", o.ID()),
			zap.Int("observers", remaining))
	}
}

// CloseAll detaches and closes every observer. Used on shutdown.
func (b *Broadcaster) CloseAll() int {
	b.mu.Lock()
	all := make([]Observer, 0, len(b.observers))
	for id, o := range b.observers {
		all = append(all, o)
		delete(b.observers, id)
	}
	b.mu.Unlock()

	for _, o := range all {
		_ = o.Close()
	}
	return len(all)
}
