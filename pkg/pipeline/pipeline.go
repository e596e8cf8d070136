// Package pipeline wires ingestion, flushing, aggregation, retention and
// queries into one service.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/internal/task"
	"github.com/vjranagit/metricpipe/pkg/aggregator"
	"github.com/vjranagit/metricpipe/pkg/alert"
	"github.com/vjranagit/metricpipe/pkg/collector"
	"github.com/vjranagit/metricpipe/pkg/query"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/retention"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

// Config configures the service.
type Config struct {
	Collector           collector.Config
	AggregationInterval time.Duration
	Windows             []time.Duration
	RetentionInterval   time.Duration
	RetentionBatchSize  int
	// StopTimeout bounds waiting for background tasks on Shutdown.
	StopTimeout time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Collector:           collector.DefaultConfig(),
		AggregationInterval: time.Minute,
		Windows:             append([]time.Duration(nil), aggregator.DefaultWindows...),
		RetentionInterval:   time.Hour,
		RetentionBatchSize:  retention.DefaultBatchSize,
		StopTimeout:         10 * time.Second,
	}
}

type options struct {
	lg    *zap.Logger
	sink  alert.Sink
	prom  prometheus.Registerer
	now   func() time.Time
	draw  func() float64
	spill *storage.SpillLog
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.lg = lg }
}

// WithAlertSink sets the real-time alert sink.
func WithAlertSink(s alert.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRegisterer registers self-metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.prom = reg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRand overrides the sampling draw.
func WithRand(draw func() float64) Option {
	return func(o *options) { o.draw = draw }
}

// WithSpillLog enables spilling observations that could not be flushed
// on Shutdown, and replaying them on Start.
func WithSpillLog(l *storage.SpillLog) Option {
	return func(o *options) { o.spill = l }
}

// Service records and queries metrics on one handle.
type Service struct {
	*collector.Collector
	*query.Engine

	cfg        Config
	reg        *registry.Registry
	obs        storage.ObservationStore
	aggregator *aggregator.Aggregator
	retention  *retention.Manager
	tasks      *task.Manager
	spill      *storage.SpillLog
	lg         *zap.Logger

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New creates a Service over the given registry and stores.
func New(cfg Config, reg *registry.Registry, obs storage.ObservationStore, rollups storage.RollupStore, opts ...Option) *Service {
	o := options{
		lg:  zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	def := DefaultConfig()
	if cfg.AggregationInterval <= 0 {
		cfg.AggregationInterval = def.AggregationInterval
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	collectorOpts := []collector.Option{
		collector.WithLogger(o.lg),
		collector.WithRegisterer(o.prom),
		collector.WithClock(o.now),
	}
	if o.sink != nil {
		collectorOpts = append(collectorOpts, collector.WithAlertSink(o.sink))
	}
	if o.draw != nil {
		collectorOpts = append(collectorOpts, collector.WithRand(o.draw))
	}
	retentionOpts := []retention.Option{
		retention.WithLogger(o.lg),
		retention.WithClock(o.now),
	}
	if cfg.RetentionBatchSize > 0 {
		retentionOpts = append(retentionOpts, retention.WithBatchSize(cfg.RetentionBatchSize))
	}

	// Aggregation bypasses the query cache.
	raw := obs
	if c, ok := obs.(*storage.CachedObservations); ok {
		raw = c.Unwrap()
	}

	return &Service{
		Collector: collector.New(cfg.Collector, reg, obs, collectorOpts...),
		Engine:    query.New(reg, obs, rollups, o.lg),
		cfg:       cfg,
		reg:       reg,
		obs:       obs,
		aggregator: aggregator.New(reg, raw, rollups, cfg.Windows,
			aggregator.WithLogger(o.lg),
			aggregator.WithClock(o.now),
		),
		retention: retention.New(reg, obs, rollups, retentionOpts...),
		tasks:     task.NewManager("metricpipe_task_", o.prom, o.lg),
		spill:     o.spill,
		lg:        o.lg.Named("pipeline"),
	}
}

// Registry returns the metric registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Start replays spilled observations and starts flushing, aggregation
// and retention.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return types.ErrServiceStopped
	}
	if s.started {
		return nil
	}

	if s.spill != nil {
		n, err := s.spill.Replay(func(obs []types.Observation) error {
			return s.appendGrouped(ctx, obs)
		})
		if err != nil {
			s.lg.Warn("Spill replay incomplete", zap.Int("observations", n), zap.Error(err))
		} else if n > 0 {
			s.lg.Info("Replayed spilled observations", zap.Int("observations", n))
		}
	}

	s.Collector.Start()
	s.tasks.Register(s.aggregate, s.cfg.AggregationInterval, "aggregation")
	s.tasks.Register(s.sweep, s.cfg.RetentionInterval, "retention")
	s.started = true

	s.lg.Info("Pipeline started",
		zap.Duration("aggregation_interval", s.cfg.AggregationInterval),
		zap.Duration("retention_interval", s.cfg.RetentionInterval),
	)
	return nil
}

func (s *Service) aggregate(ctx context.Context) {
	s.aggregator.Run(ctx)
}

func (s *Service) sweep(ctx context.Context) {
	s.retention.Sweep(ctx)
}

// appendGrouped appends obs metric by metric, keeping their order.
func (s *Service) appendGrouped(ctx context.Context, obs []types.Observation) error {
	var (
		order  []string
		groups = make(map[string][]types.Observation)
	)
	for _, o := range obs {
		if _, ok := groups[o.MetricName]; !ok {
			order = append(order, o.MetricName)
		}
		groups[o.MetricName] = append(groups[o.MetricName], o)
	}
	for _, metric := range order {
		if err := s.obs.AppendBatch(ctx, metric, groups[metric]); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops ingestion and background tasks, then flushes what is
// buffered. Failed flushes are retried with backoff until ctx is done;
// whatever is left is written to the spill log when one is configured.
// Later calls are no-ops.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs error
	if s.tasks.StopAll(s.cfg.StopTimeout) {
		errs = multierr.Append(errs, errors.Errorf("background tasks did not stop within %v", s.cfg.StopTimeout))
	}
	s.Collector.Stop()

	if err := s.finalFlush(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.Collector.Close()

	s.lg.Info("Pipeline stopped")
	return errs
}

func (s *Service) finalFlush(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0

	var lastErr error
	flushErr := backoff.Retry(func() error {
		lastErr = s.Collector.Flush(ctx)
		return lastErr
	}, backoff.WithContext(eb, ctx))
	if flushErr == nil {
		return nil
	}
	if lastErr != nil {
		// Retry reports ctx.Err() once the context is done.
		flushErr = lastErr
	}

	rest := s.Collector.Buffer().Drain()
	if len(rest) == 0 {
		return nil
	}
	if s.spill == nil {
		s.lg.Error("Observations lost on shutdown", zap.Int("observations", len(rest)), zap.Error(flushErr))
		return errors.Wrapf(flushErr, "final flush: %d observations lost", len(rest))
	}
	if err := s.spill.Append(rest); err != nil {
		s.lg.Error("Failed to spill observations", zap.Int("observations", len(rest)), zap.Error(err))
		return multierr.Append(
			errors.Wrap(flushErr, "final flush"),
			errors.Wrapf(err, "spill %d observations", len(rest)),
		)
	}
	s.lg.Warn("Spilled unflushed observations",
		zap.Int("observations", len(rest)),
		zap.String("dir", s.spill.Dir()),
		zap.Error(flushErr),
	)
	return nil
}
