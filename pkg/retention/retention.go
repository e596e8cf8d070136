// Package retention deletes observations and roll-ups that outlived their
// metric's retention.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/storage"
)

// DefaultBatchSize bounds a single delete call.
const DefaultBatchSize = 1000

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(m *Manager) { m.lg = lg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// Manager sweeps expired data.
type Manager struct {
	reg       *registry.Registry
	obs       storage.ObservationStore
	rollups   storage.RollupStore
	batchSize int
	lg        *zap.Logger
	now       func() time.Time
}

// New creates a Manager.
func New(reg *registry.Registry, obs storage.ObservationStore, rollups storage.RollupStore, opts ...Option) *Manager {
	m := &Manager{
		reg:       reg,
		obs:       obs,
		rollups:   rollups,
		batchSize: DefaultBatchSize,
		lg:        zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.lg = m.lg.Named("retention")
	return m
}

// Report summarises one Sweep.
type Report struct {
	Observations int
	Rollups      int
	Errors       int
}

// Sweep deletes, for every registered metric, the observations and
// roll-ups older than now minus the metric's retention. Deletion proceeds
// in batches until a batch comes back short. Errors are logged and the
// next metric is processed.
func (m *Manager) Sweep(ctx context.Context) Report {
	var r Report
	now := m.now()

	for _, def := range m.reg.List() {
		if ctx.Err() != nil {
			break
		}
		cutoff := now.Add(-def.Retention)

		n, err := m.drain(ctx, def.Name, cutoff, m.obs.DeleteOlderThan)
		r.Observations += n
		if err != nil {
			r.Errors++
			m.lg.Warn("Failed to delete expired observations", zap.String("metric", def.Name), zap.Error(err))
		}

		n, err = m.drain(ctx, def.Name, cutoff, m.rollups.DeleteOlderThan)
		r.Rollups += n
		if err != nil {
			r.Errors++
			m.lg.Warn("Failed to delete expired roll-ups", zap.String("metric", def.Name), zap.Error(err))
		}
	}

	if r.Observations > 0 || r.Rollups > 0 {
		m.lg.Info("Retention sweep complete",
			zap.Int("observations", r.Observations),
			zap.Int("rollups", r.Rollups),
			zap.Int("errors", r.Errors),
		)
	}
	return r
}

type deleteFunc func(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error)

func (m *Manager) drain(ctx context.Context, metric string, cutoff time.Time, del deleteFunc) (int, error) {
	var total int
	for {
		n, err := del(ctx, metric, cutoff, m.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < m.batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
