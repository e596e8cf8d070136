package collector

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Flush drains the buffer and appends each metric's observations to the
// store. Observations of metrics whose append failed are requeued ahead
// of newer ones and the append errors are returned combined.
//
// Flushes never run concurrently.
func (c *Collector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	batch := c.buf.Drain()
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	var (
		errs    error
		failed  map[string]struct{}
		flushed int
	)
	for _, g := range groupByMetric(batch) {
		if err := c.store.AppendBatch(ctx, g.metric, g.obs); err != nil {
			if failed == nil {
				failed = make(map[string]struct{})
			}
			failed[g.metric] = struct{}{}
			errs = multierr.Append(errs, err)
			c.counters.flushErrors.Inc()
			c.metrics.flushErrors.Inc()
			c.lg.Warn("Failed to flush metric",
				zap.String("metric", g.metric),
				zap.Int("observations", len(g.obs)),
				zap.Error(err),
			)
			continue
		}
		flushed += len(g.obs)
	}

	if len(failed) > 0 {
		retry := make([]types.Observation, 0, len(batch)-flushed)
		for _, o := range batch {
			if _, ok := failed[o.MetricName]; ok {
				retry = append(retry, o)
			}
		}
		if dropped := c.buf.Requeue(retry); dropped > 0 {
			c.counters.overflow.Add(uint64(dropped))
			c.metrics.dropped.WithLabelValues(reasonOverflow).Add(float64(dropped))
			c.lg.Warn("Buffer full, dropped requeued observations", zap.Int("dropped", dropped))
		}
	}

	took := time.Since(start)
	c.counters.flushes.Inc()
	c.counters.flushed.Add(uint64(flushed))
	c.counters.lastFlush.Store(c.now())
	c.counters.lastFlushDuration.Store(took)
	c.metrics.flushed.Add(float64(flushed))
	c.metrics.flushDuration.Observe(took.Seconds())
	c.metrics.bufferDepth.Set(float64(c.buf.Len()))

	c.lg.Debug("Flushed buffer",
		zap.Int("observations", flushed),
		zap.Int("requeued", len(batch)-flushed),
		zap.Duration("took", took),
	)
	return errs
}

// flushLoop flushes on every tick and whenever ingestion signals that the
// buffer reached BatchSize.
func (c *Collector) flushLoop(ctx context.Context) {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.Flush(ctx); err != nil && ctx.Err() == nil {
			c.lg.Warn("Flush failed", zap.Error(err))
		}
	}
}

type metricGroup struct {
	metric string
	obs    []types.Observation
}

// groupByMetric splits obs by metric name, keeping the order of first
// appearance of names and the original order within a name.
func groupByMetric(obs []types.Observation) []metricGroup {
	index := make(map[string]int)
	var groups []metricGroup
	for _, o := range obs {
		i, ok := index[o.MetricName]
		if !ok {
			i = len(groups)
			index[o.MetricName] = i
			groups = append(groups, metricGroup{metric: o.MetricName})
		}
		groups[i].obs = append(groups[i].obs, o)
	}
	return groups
}

// bucketFor returns the label of the smallest boundary >= value.
func bucketFor(value float64, buckets []float64) string {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	for _, b := range sorted {
		if value <= b {
			return strconv.FormatFloat(b, 'g', -1, 64)
		}
	}
	return "+Inf"
}
