// Package aggregator periodically rolls raw observations up into
// aggregated points.
package aggregator

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/stats"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

// DefaultWindows are the roll-up window sizes computed on every run.
var DefaultWindows = []time.Duration{time.Minute, 5 * time.Minute, time.Hour}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(a *Aggregator) { a.lg = lg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator computes roll-ups for every enabled metric.
type Aggregator struct {
	reg     *registry.Registry
	obs     storage.ObservationStore
	rollups storage.RollupStore
	windows []time.Duration
	lg      *zap.Logger
	now     func() time.Time
}

// New creates an Aggregator over the given windows; none selects
// DefaultWindows.
func New(reg *registry.Registry, obs storage.ObservationStore, rollups storage.RollupStore, windows []time.Duration, opts ...Option) *Aggregator {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	a := &Aggregator{
		reg:     reg,
		obs:     obs,
		rollups: rollups,
		windows: append([]time.Duration(nil), windows...),
		lg:      zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.lg = a.lg.Named("aggregator")
	return a
}

// Report summarises one Run.
type Report struct {
	Points int
	Errors int
}

// Run aggregates the window ending now for every configured window size
// and enabled metric. Failures are logged per metric and do not stop the
// run.
func (a *Aggregator) Run(ctx context.Context) Report {
	var r Report
	now := a.now()
	defs := a.reg.Enabled()

	for _, size := range a.windows {
		start := now.Add(-size)
		for _, def := range defs {
			if ctx.Err() != nil {
				return r
			}
			points, err := a.AggregateWindow(ctx, def, start, size)
			r.Points += len(points)
			if err != nil {
				r.Errors++
				a.lg.Warn("Aggregation failed",
					zap.String("metric", def.Name),
					zap.Duration("window", size),
					zap.Error(err),
				)
			}
		}
	}

	a.lg.Debug("Aggregation run complete",
		zap.Int("points", r.Points),
		zap.Int("errors", r.Errors),
	)
	return r
}

// AggregateWindow rolls up the observations of def in [start, start+size)
// with every declared method and stores the points. It returns the points
// stored. An empty window stores nothing.
//
// Point IDs derive from metric, method, window size and start, so
// recomputing a window supersedes the previous result.
func (a *Aggregator) AggregateWindow(ctx context.Context, def types.MetricDefinition, start time.Time, size time.Duration) ([]types.AggregatedPoint, error) {
	obs, err := a.obs.QueryRange(ctx, def.Name, start, start.Add(size), storage.Filter{})
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, nil
	}

	labels, attrs := mergeDimensions(obs)
	points := make([]types.AggregatedPoint, 0, len(def.AggregationMethods))
	for _, method := range def.AggregationMethods {
		value, err := stats.Aggregate(method, obs)
		if err != nil {
			a.lg.Warn("Skipping aggregation method",
				zap.String("metric", def.Name),
				zap.String("method", string(method)),
				zap.Error(err),
			)
			continue
		}

		p := types.AggregatedPoint{
			ID:          PointID(def.Name, method, size, start),
			MetricName:  def.Name,
			Method:      method,
			Value:       value,
			WindowStart: start,
			WindowSize:  size,
			SampleCount: len(obs),
			Labels:      labels,
			Context:     attrs,
		}
		if err := a.rollups.Put(ctx, p); err != nil {
			return points, err
		}
		points = append(points, p)
	}
	return points, nil
}

// PointID identifies the roll-up of metric with method over the window of
// the given size starting at start.
func PointID(metric string, method types.AggregationMethod, size time.Duration, start time.Time) string {
	d := xxhash.New()
	_, _ = d.WriteString(metric)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(string(method))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(int64(size), 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(start.UnixNano(), 10))
	return strconv.FormatUint(d.Sum64(), 16)
}

// mergeDimensions keeps, per key, the first non-empty label and context
// value in timestamp order.
func mergeDimensions(obs []types.Observation) (map[string]string, types.Attributes) {
	var (
		labels map[string]string
		attrs  types.Attributes
	)
	for _, o := range obs {
		for k, v := range o.Labels {
			if v == "" {
				continue
			}
			if _, ok := labels[k]; ok {
				continue
			}
			if labels == nil {
				labels = make(map[string]string)
			}
			labels[k] = v
		}
		for k, v := range o.Context {
			if v == nil {
				continue
			}
			if _, ok := attrs[k]; ok {
				continue
			}
			if attrs == nil {
				attrs = make(types.Attributes)
			}
			attrs[k] = v
		}
	}
	return labels, attrs
}
