package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultMaintenanceSchedule runs compaction once a day.
const DefaultMaintenanceSchedule = "@daily"

// Maintenance schedules compaction for stores that implement Compactor.
type Maintenance struct {
	cron    *cron.Cron
	store   Compactor
	logger  *zap.Logger
	timeout time.Duration
}

// NewMaintenance registers the compaction job. It returns nil when the
// store has nothing to compact.
func NewMaintenance(store HistoryStore, schedule string, logger *zap.Logger) (*Maintenance, error) {
	compactor, ok := store.(Compactor)
	if !ok {
		logger.Debug("storage driver has no compaction, maintenance disabled")
		return nil, nil
	}
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}

	m := &Maintenance{
		cron:    cron.New(),
		store:   compactor,
		logger:  logger,
		timeout: 10 * time.Minute,
	}
	if _, err := m.cron.AddFunc(schedule, m.Run); err != nil {
		return nil, fmt.Errorf("schedule maintenance %q: %w", schedule, err)
	}
	return m, nil
}

// Start launches the scheduler.
func (m *Maintenance) Start() {
	if m == nil {
		return
	}
	m.cron.Start()
	m.logger.Info("storage maintenance scheduled", zap.Int("jobs", len(m.cron.Entries())))
}

// Stop waits for a running job to finish.
func (m *Maintenance) Stop() {
	if m == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// Run compacts the store once.
func (m *Maintenance) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	started := time.Now()
	if err := m.store.Compact(ctx); err != nil {
		m.logger.Error("storage compaction failed", zap.Error(err))
		return
	}
	m.logger.Info("storage compaction complete", zap.Duration("took", time.Since(started)))
}
