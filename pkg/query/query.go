// Package query answers read requests over raw observations and
// aggregated points.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/stats"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

// Engine executes MetricQuery requests.
type Engine struct {
	reg     *registry.Registry
	obs     storage.ObservationStore
	rollups storage.RollupStore
	lg      *zap.Logger
}

// New creates an Engine.
func New(reg *registry.Registry, obs storage.ObservationStore, rollups storage.RollupStore, lg *zap.Logger) *Engine {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Engine{
		reg:     reg,
		obs:     obs,
		rollups: rollups,
		lg:      lg.Named("query"),
	}
}

// QueryMetrics returns one series per requested metric, in request order.
//
// Unknown and disabled metrics yield an empty series. The roll-up store
// is read when both Method and Window are set, the raw store otherwise.
func (e *Engine) QueryMetrics(ctx context.Context, q types.MetricQuery) ([]types.MetricSeries, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	out := make([]types.MetricSeries, 0, len(q.MetricNames))
	for _, name := range q.MetricNames {
		series := types.MetricSeries{
			MetricName: name,
			Points:     []types.DataPoint{},
			Labels:     q.Labels,
			Metadata: types.SeriesMetadata{
				Start: q.Start,
				End:   q.End,
			},
		}

		if _, err := e.reg.Lookup(name); err != nil {
			e.lg.Debug("Skipping metric", zap.String("metric", name), zap.Error(err))
			out = append(out, series)
			continue
		}

		var err error
		if q.Aggregated() {
			err = e.fillRollups(ctx, q, &series)
		} else {
			err = e.fillRaw(ctx, q, &series)
		}
		if err != nil {
			return nil, err
		}

		orderPoints(series.Points, q.OrderBy, q.Descending)
		if q.Limit > 0 && len(series.Points) > q.Limit {
			series.Points = series.Points[:q.Limit]
		}
		out = append(out, series)
	}
	return out, nil
}

func (e *Engine) fillRaw(ctx context.Context, q types.MetricQuery, s *types.MetricSeries) error {
	obs, err := e.obs.QueryRange(ctx, s.MetricName, q.Start, q.End, storage.Filter{
		Labels:  q.Labels,
		Context: q.Context,
	})
	if err != nil {
		return err
	}
	for _, o := range obs {
		s.Points = append(s.Points, types.DataPoint{
			Timestamp:   o.Timestamp,
			Value:       o.Value,
			SampleCount: 1,
		})
	}
	s.Metadata.TotalSamples = len(obs)
	return nil
}

func (e *Engine) fillRollups(ctx context.Context, q types.MetricQuery, s *types.MetricSeries) error {
	points, err := e.rollups.QueryRange(ctx, s.MetricName, q.Method, q.Window, q.Start, q.End)
	if err != nil {
		return err
	}
	s.Method = q.Method
	s.Metadata.Resolution = q.Window
	for _, p := range points {
		if !types.LabelsMatch(p.Labels, q.Labels) || !p.Context.Matches(q.Context) {
			continue
		}
		s.Points = append(s.Points, types.DataPoint{
			Timestamp:   p.WindowStart,
			Value:       p.Value,
			SampleCount: p.SampleCount,
		})
		s.Metadata.TotalSamples += p.SampleCount
	}
	return nil
}

// GetMetricStatistics summarises the raw observations of name in
// [start, end). It returns nil without error when there are none.
func (e *Engine) GetMetricStatistics(ctx context.Context, name string, start, end time.Time) (*types.MetricStatistics, error) {
	if end.Before(start) {
		return nil, errors.Wrap(types.ErrInvalidQuery, "end before start")
	}
	if _, err := e.reg.Lookup(name); err != nil {
		return nil, nil
	}

	obs, err := e.obs.QueryRange(ctx, name, start, end, storage.Filter{})
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, nil
	}

	values := stats.Values(obs)
	summary, err := stats.Summarize(values)
	if err != nil {
		return nil, err
	}
	return &types.MetricStatistics{
		MetricName: name,
		Start:      start,
		End:        end,
		Summary:    summary,
		Trend:      stats.Trend(values, stats.DefaultTrendEpsilon),
	}, nil
}

func validate(q types.MetricQuery) error {
	switch {
	case len(q.MetricNames) == 0:
		return errors.Wrap(types.ErrInvalidQuery, "no metric names")
	case q.End.Before(q.Start):
		return errors.Wrap(types.ErrInvalidQuery, "end before start")
	case q.Limit < 0:
		return errors.Wrap(types.ErrInvalidQuery, "negative limit")
	case q.Method != "" && !q.Method.Valid():
		return errors.Wrapf(types.ErrInvalidQuery, "unknown method %q", q.Method)
	case q.Window < 0:
		return errors.Wrap(types.ErrInvalidQuery, "negative window")
	}
	switch q.OrderBy {
	case "", types.OrderByTimestamp, types.OrderByValue:
	default:
		return errors.Wrapf(types.ErrInvalidQuery, "unknown order %q", q.OrderBy)
	}
	return nil
}

func orderPoints(points []types.DataPoint, by types.OrderBy, desc bool) {
	less := func(a, b types.DataPoint) bool { return a.Timestamp.Before(b.Timestamp) }
	if by == types.OrderByValue {
		less = func(a, b types.DataPoint) bool { return a.Value < b.Value }
	}
	sort.SliceStable(points, func(i, j int) bool {
		if desc {
			return less(points[j], points[i])
		}
		return less(points[i], points[j])
	})
}
