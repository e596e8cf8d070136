package collector

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/vjranagit/metricpipe/pkg/alert"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func definition(name string, rate float64) types.MetricDefinition {
	return types.MetricDefinition{
		Name:               name,
		Kind:               types.KindTimer,
		Unit:               "ms",
		LabelNames:         []string{"endpoint"},
		AggregationMethods: []types.AggregationMethod{types.MethodAvg},
		Retention:          time.Hour,
		SamplingRate:       rate,
		Enabled:            true,
		AlertingEnabled:    true,
		StaticTags:         map[string]string{"service": "api"},
	}
}

// flakyStore fails appends of the metrics in fail.
type flakyStore struct {
	storage.ObservationStore

	mu   sync.Mutex
	fail map[string]bool
}

func (s *flakyStore) setFail(metric string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[metric] = fail
}

func (s *flakyStore) AppendBatch(ctx context.Context, metric string, obs []types.Observation) error {
	s.mu.Lock()
	fail := s.fail[metric]
	s.mu.Unlock()
	if fail {
		return types.NewStoreError(types.OpAppend, metric, errors.New("disk full"))
	}
	return s.ObservationStore.AppendBatch(ctx, metric, obs)
}

type fixture struct {
	c     *Collector
	reg   *registry.Registry
	store *flakyStore
	prom  *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	reg, err := registry.New(
		definition("latency_ms", 1),
		definition("sampled", 0.25),
		definition("never", 0),
	)
	require.NoError(t, err)

	mem, err := storage.NewMemory()
	require.NoError(t, err)
	store := &flakyStore{ObservationStore: mem.Observations(), fail: map[string]bool{}}

	prom := prometheus.NewRegistry()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithRegisterer(prom),
		WithClock(func() time.Time { return epoch }),
	}, opts...)

	c := New(cfg, reg, store, opts...)
	t.Cleanup(func() {
		c.Stop()
		c.Close()
	})
	return &fixture{c: c, reg: reg, store: store, prom: prom}
}

func (f *fixture) stored(t *testing.T, metric string) []types.Observation {
	t.Helper()
	obs, err := f.store.QueryRange(context.Background(), metric, epoch.Add(-time.Hour), epoch.Add(time.Hour), storage.Filter{})
	require.NoError(t, err)
	return obs
}

func TestRecordExactlyOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	require.NoError(t, f.c.Record("latency_ms", 42, map[string]string{"endpoint": "/risks"}, nil, nil))
	require.NoError(t, f.c.Flush(context.Background()))

	obs := f.stored(t, "latency_ms")
	require.Len(t, obs, 1)
	o := obs[0]
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, 42.0, o.Value)
	assert.True(t, o.Timestamp.Equal(epoch))
	assert.Equal(t, map[string]string{"endpoint": "/risks", "service": "api"}, o.Labels)
	assert.Equal(t, "production", o.Context["environment"])

	// A second flush must not write it again.
	require.NoError(t, f.c.Flush(context.Background()))
	assert.Len(t, f.stored(t, "latency_ms"), 1)
	assert.Equal(t, uint64(1), f.c.Performance().Flushed)
}

func TestRecordDropsSilently(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Disable("sampled"))

	require.NoError(t, f.c.Record("unknown", 1, nil, nil, nil))
	require.NoError(t, f.c.Record("sampled", 1, nil, nil, nil))
	require.NoError(t, f.c.Record("latency_ms", math.NaN(), nil, nil, nil))
	require.NoError(t, f.c.Record("latency_ms", math.Inf(1), nil, nil, nil))

	perf := f.c.Performance()
	assert.Zero(t, perf.Ingested)
	assert.Equal(t, uint64(4), perf.Rejected)
	assert.Zero(t, f.c.Buffer().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.c.metrics.dropped.WithLabelValues(reasonUnknownMetric)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.c.metrics.dropped.WithLabelValues(reasonMetricDisabled)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.c.metrics.dropped.WithLabelValues(reasonInvalidValue)))
}

func TestRecordGloballyDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg)

	require.NoError(t, f.c.Record("latency_ms", 1, nil, nil, nil))
	assert.Zero(t, f.c.Buffer().Len())
	assert.Equal(t, uint64(1), f.c.Performance().Rejected)
}

func TestLabelBounding(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	require.NoError(t, f.c.Record("latency_ms", 1, map[string]string{
		"endpoint": "/a",
		"user_id":  "u-123",
		"service":  "spoofed",
		"success":  "true",
	}, map[string]any{"environment": "staging", "attempt": 2}, map[string]any{"trace": "t1"}))

	obs := f.c.Buffer().Drain()
	require.Len(t, obs, 1)
	assert.Equal(t, map[string]string{"endpoint": "/a", "service": "api", "success": "true"}, obs[0].Labels)
	assert.Equal(t, types.Attributes{"environment": "staging", "attempt": 2.0}, obs[0].Context)
	assert.Equal(t, types.Attributes{"trace": "t1"}, obs[0].Metadata)
}

func TestSamplingBoundaries(t *testing.T) {
	// A draw of 0.999... must still keep rate 1, and a draw of 0 must drop rate 0.
	f := newFixture(t, DefaultConfig(), WithRand(func() float64 { return 0 }))
	for i := 0; i < 100; i++ {
		require.NoError(t, f.c.Record("never", 1, nil, nil, nil))
	}
	assert.Zero(t, f.c.Buffer().Len())

	g := newFixture(t, DefaultConfig(), WithRand(func() float64 { return math.Nextafter(1, 0) }))
	for i := 0; i < 100; i++ {
		require.NoError(t, g.c.Record("latency_ms", 1, nil, nil, nil))
	}
	assert.Equal(t, 100, g.c.Buffer().Len())
}

func TestSamplingConverges(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 0
	f := newFixture(t, cfg, WithRand(rng.Float64), WithLogger(zap.NewNop()))

	const calls = 20000
	for i := 0; i < calls; i++ {
		require.NoError(t, f.c.Record("sampled", 1, nil, nil, nil))
	}

	kept := float64(f.c.Buffer().Len()) / calls
	assert.InDelta(t, 0.25, kept, 0.02)
	perf := f.c.Performance()
	assert.Equal(t, uint64(calls), perf.Ingested+perf.SampledOut)
}

func TestTypedHelpers(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	require.NoError(t, f.c.IncrementCounter("latency_ms", nil, nil))
	require.NoError(t, f.c.AddCounter("latency_ms", 5, nil, nil))
	require.NoError(t, f.c.RecordGauge("latency_ms", 0.5, nil, nil))
	require.NoError(t, f.c.RecordTimer("latency_ms", 1500*time.Microsecond, nil, nil))
	require.NoError(t, f.c.RecordHistogram("latency_ms", 7, []float64{100, 5, 10}, nil, nil))
	require.NoError(t, f.c.RecordHistogram("latency_ms", 700, []float64{5, 10, 100}, nil, nil))

	obs := f.c.Buffer().Drain()
	require.Len(t, obs, 6)

	assert.Equal(t, 1.0, obs[0].Value)
	assert.Equal(t, TypeCounterIncrement, obs[0].Metadata["type"])
	assert.Equal(t, 5.0, obs[1].Value)
	assert.Equal(t, TypeGaugeValue, obs[2].Metadata["type"])
	assert.Equal(t, 1.5, obs[3].Value)
	assert.Equal(t, TypeTimerDuration, obs[3].Metadata["type"])
	assert.Equal(t, "10", obs[4].Labels[LabelBucket])
	assert.Equal(t, TypeHistogramValue, obs[4].Metadata["type"])
	assert.Equal(t, "+Inf", obs[5].Labels[LabelBucket])
}

func TestMeasureFunction(t *testing.T) {
	now := epoch
	f := newFixture(t, DefaultConfig(), WithClock(func() time.Time { return now }))

	err := f.c.MeasureFunction("latency_ms", func() error {
		now = now.Add(25 * time.Millisecond)
		return nil
	}, map[string]string{"endpoint": "/ok"}, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.c.MeasureFunction("latency_ms", func() error { return boom }, nil, nil)
	require.ErrorIs(t, err, boom)

	v, err := Measure(f.c, "latency_ms", func() (int, error) { return 7, nil }, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	assert.Panics(t, func() {
		_ = f.c.MeasureFunction("latency_ms", func() error { panic("bad") }, nil, nil)
	})

	obs := f.c.Buffer().Drain()
	require.Len(t, obs, 4)
	assert.Equal(t, 25.0, obs[0].Value)
	assert.Equal(t, "true", obs[0].Labels[LabelSuccess])
	assert.Equal(t, "/ok", obs[0].Labels["endpoint"])
	assert.Equal(t, TypeFunctionExecution, obs[0].Metadata["type"])
	assert.Equal(t, "false", obs[1].Labels[LabelSuccess])
	assert.Equal(t, "true", obs[2].Labels[LabelSuccess])
	assert.Equal(t, "false", obs[3].Labels[LabelSuccess])
}

func TestSizeTriggeredFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.FlushInterval = time.Hour
	f := newFixture(t, cfg)
	f.c.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, f.c.Record("latency_ms", float64(i), nil, nil, nil))
	}
	require.Eventually(t, func() bool {
		return len(f.stored(t, "latency_ms")) == 10
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.c.Buffer().Len())
}

func TestIntervalTriggeredFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1000
	cfg.FlushInterval = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.c.Start()

	require.NoError(t, f.c.Record("latency_ms", 1, nil, nil, nil))
	require.Eventually(t, func() bool {
		return len(f.stored(t, "latency_ms")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlushRequeuesFailedMetrics(t *testing.T) {
	f := newFixture(t, DefaultConfig(), WithRand(func() float64 { return 0 }))
	f.store.setFail("sampled", true)
	ctx := context.Background()

	require.NoError(t, f.c.Record("latency_ms", 1, nil, nil, nil))
	require.NoError(t, f.c.RecordBatch([]Sample{
		{Name: "sampled", Value: 1},
		{Name: "sampled", Value: 2},
	}))

	err := f.c.Flush(ctx)
	require.ErrorIs(t, err, types.ErrStoreWriteFailed)
	assert.Len(t, f.stored(t, "latency_ms"), 1)
	assert.Equal(t, 2, f.c.Buffer().Len())

	// Newer observations queue up behind the requeued ones.
	require.NoError(t, f.c.Record("sampled", 3, nil, nil, nil))

	f.store.setFail("sampled", false)
	require.NoError(t, f.c.Flush(ctx))

	got := f.stored(t, "sampled")
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{got[0].Value, got[1].Value, got[2].Value})
	assert.Zero(t, f.c.Buffer().Len())
	assert.Equal(t, uint64(1), f.c.Performance().FlushErrors)
}

func TestRecordAfterStop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.c.Start()
	f.c.Stop()

	require.ErrorIs(t, f.c.Record("latency_ms", 1, nil, nil, nil), types.ErrServiceStopped)
	require.ErrorIs(t, f.c.IncrementCounter("latency_ms", nil, nil), types.ErrServiceStopped)
	require.ErrorIs(t, f.c.RecordBatch(nil), types.ErrServiceStopped)
	assert.True(t, f.c.Stopped())
}

func TestAlertDispatch(t *testing.T) {
	events := make(chan alert.Event, 10)
	sink := alert.SinkFunc(func(_ context.Context, e alert.Event) error {
		events <- e
		return nil
	})
	f := newFixture(t, DefaultConfig(), WithAlertSink(sink))
	f.c.Start()

	require.NoError(t, f.c.Record("latency_ms", 99, map[string]string{"endpoint": "/x"}, nil, nil))
	select {
	case e := <-events:
		assert.Equal(t, "latency_ms", e.MetricName)
		assert.Equal(t, 99.0, e.Value)
		assert.Equal(t, "ms", e.Unit)
		assert.Equal(t, "/x", e.Labels["endpoint"])
	case <-time.After(2 * time.Second):
		t.Fatal("alert not dispatched")
	}
}

func TestAlertSinkFailuresAreContained(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sink := alert.SinkFunc(func(ctx context.Context, e alert.Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("sink bug")
		}
		return errors.New("unreachable")
	})
	f := newFixture(t, DefaultConfig(), WithAlertSink(sink))
	f.c.Start()

	require.NoError(t, f.c.Record("latency_ms", 1, nil, nil, nil))
	require.NoError(t, f.c.Record("latency_ms", 2, nil, nil, nil))
	require.Eventually(t, func() bool {
		return f.c.Performance().AlertErrors == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.c.Buffer().Len())
}

func TestAlertQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertQueueSize = 1
	f := newFixture(t, cfg, WithAlertSink(alert.Nop))

	// Without Start nothing drains the queue.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.c.Record("latency_ms", 1, nil, nil, nil))
	}
	assert.Equal(t, uint64(2), f.c.Performance().AlertsDropped)
	assert.Equal(t, 3, f.c.Buffer().Len())
}

func TestPerformanceSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 2
	f := newFixture(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.c.Record("latency_ms", float64(i), nil, nil, nil))
	}
	perf := f.c.Performance()
	assert.Equal(t, uint64(3), perf.Ingested)
	assert.Equal(t, uint64(1), perf.OverflowDropped)
	assert.Equal(t, 2, perf.BufferSize)
	assert.Equal(t, 2, perf.BufferCapacity)
	assert.Equal(t, 3, perf.ActiveMetrics)

	require.NoError(t, f.c.Flush(context.Background()))
	perf = f.c.Performance()
	assert.Equal(t, uint64(2), perf.Flushed)
	assert.Equal(t, uint64(1), perf.Flushes)
	assert.True(t, perf.LastFlush.Equal(epoch))

	assert.Equal(t, 1, testutil.CollectAndCount(f.prom, "metricpipe_collector_observations_flushed_total"))
}

func TestNonFiniteAttributesDoNotBlockFlush(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.Backend{
		storage.BackendBadger: func(t *testing.T) storage.Backend {
			b, err := storage.NewBadger(&storage.Config{Path: t.TempDir(), CompressionLevel: 1}, zaptest.NewLogger(t))
			require.NoError(t, err)
			return b
		},
		storage.BackendRedis: func(t *testing.T) storage.Backend {
			mr := miniredis.RunT(t)
			r, err := storage.NewRedis(context.Background(), storage.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"})
			require.NoError(t, err)
			return r
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { require.NoError(t, b.Close()) })

			reg, err := registry.New(definition("latency_ms", 1))
			require.NoError(t, err)
			c := New(DefaultConfig(), reg, b.Observations(),
				WithLogger(zaptest.NewLogger(t)),
				WithRegisterer(prometheus.NewRegistry()),
				WithClock(func() time.Time { return epoch }),
			)

			require.NoError(t, c.Record("latency_ms", 10, nil,
				map[string]any{"load": math.Inf(-1)},
				map[string]any{"ratio": math.NaN(), "trace": "t1"},
			))
			require.NoError(t, c.Record("latency_ms", 20, nil, nil, nil))
			require.NoError(t, c.Flush(context.Background()))
			assert.Zero(t, c.Buffer().Len())

			obs, err := b.Observations().QueryRange(context.Background(), "latency_ms",
				epoch.Add(-time.Hour), epoch.Add(time.Hour), storage.Filter{})
			require.NoError(t, err)
			require.Len(t, obs, 2)
			for _, o := range obs {
				assert.NotContains(t, o.Context, "load")
				if o.Value == 10 {
					assert.Equal(t, types.Attributes{"trace": "t1"}, o.Metadata)
				}
			}
		})
	}
}

func TestConcurrentRecordAndStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 16
	cfg.MaxBufferSize = 0
	cfg.FlushInterval = time.Millisecond
	f := newFixture(t, cfg, WithLogger(zap.NewNop()))
	f.c.Start()

	accepted := atomic.NewInt64(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := f.c.Record("latency_ms", 1, nil, nil, nil)
				if errors.Is(err, types.ErrServiceStopped) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				accepted.Inc()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	f.c.Stop()
	// Writers may still be running. Whatever Stop let through must already
	// be in the buffer.
	require.NoError(t, f.c.Flush(context.Background()))
	wg.Wait()

	assert.Zero(t, f.c.Buffer().Len())
	obs := f.stored(t, "latency_ms")
	assert.Equal(t, int(accepted.Load()), len(obs))

	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		seen[o.ID] = struct{}{}
	}
	assert.Len(t, seen, len(obs), "observation stored twice")
	assert.Equal(t, uint64(accepted.Load()), f.c.Performance().Ingested)
}
