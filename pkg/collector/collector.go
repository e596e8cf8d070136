// Package collector accepts observations from instrumented code, buffers
// them and flushes them to the observation store in per-metric batches.
package collector

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/alert"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

// Reserved label names that are kept regardless of a definition's
// declared labels.
const (
	LabelBucket  = "bucket"
	LabelSuccess = "success"
)

// Values of the metadata "type" key.
const (
	TypeCounterIncrement  = "counter_increment"
	TypeGaugeValue        = "gauge_value"
	TypeTimerDuration     = "timer_duration"
	TypeHistogramValue    = "histogram_value"
	TypeFunctionExecution = "function_execution"
)

// Config tunes ingestion and flushing.
type Config struct {
	// Enabled turns ingestion on. When false every record is dropped.
	Enabled bool
	// BatchSize is the buffer depth that triggers a flush.
	BatchSize int
	// FlushInterval is the period of time-triggered flushes.
	FlushInterval time.Duration
	// MaxBufferSize bounds the buffer; the oldest observations are dropped
	// beyond it.
	MaxBufferSize int
	// RealTimeAlerting enables the alert path.
	RealTimeAlerting bool
	// AlertQueueSize bounds pending alert events.
	AlertQueueSize int
	// AlertTimeout bounds a single sink evaluation.
	AlertTimeout time.Duration
	// Environment is put in the context of observations lacking one.
	Environment string
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		BatchSize:        100,
		FlushInterval:    30 * time.Second,
		MaxBufferSize:    10000,
		RealTimeAlerting: true,
		AlertQueueSize:   1024,
		AlertTimeout:     2 * time.Second,
		Environment:      "production",
	}
}

// Sample is one record request of a batch.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Context   map[string]any    `json:"context,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(c *Collector) { c.lg = lg }
}

// WithAlertSink sets the sink receiving alert events.
func WithAlertSink(s alert.Sink) Option {
	return func(c *Collector) { c.sink = s }
}

// WithRegisterer registers self-metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Collector) { c.promReg = reg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithRand overrides the uniform [0,1) draw used for sampling.
func WithRand(draw func() float64) Option {
	return func(c *Collector) { c.draw = draw }
}

// Collector is the ingestion front-end.
type Collector struct {
	cfg     Config
	reg     *registry.Registry
	store   storage.ObservationStore
	sink    alert.Sink
	lg      *zap.Logger
	promReg prometheus.Registerer
	now     func() time.Time
	draw    func() float64

	buf     *Buffer
	kick    chan struct{}
	flushMu sync.Mutex

	// ingestMu is read-held by record from the stopped check to the append
	// and write-held by Stop, so nothing lands in the buffer after Stop.
	ingestMu sync.RWMutex
	stopped  atomic.Bool

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	alertMu     sync.RWMutex
	alertClosed bool
	alerts      chan alert.Event
	alertsDone  chan struct{}

	metrics  *selfMetrics
	counters counters
}

// New creates a Collector writing to store. Start must be called for
// automatic flushing and alert dispatch.
func New(cfg Config, reg *registry.Registry, store storage.ObservationStore, opts ...Option) *Collector {
	c := &Collector{
		cfg:   cfg,
		reg:   reg,
		store: store,
		lg:    zap.NewNop(),
		now:   time.Now,
		draw:  rand.Float64,
		kick:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.BatchSize <= 0 {
		c.cfg.BatchSize = DefaultConfig().BatchSize
	}
	if c.cfg.FlushInterval <= 0 {
		c.cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if c.cfg.AlertQueueSize <= 0 {
		c.cfg.AlertQueueSize = DefaultConfig().AlertQueueSize
	}
	if c.cfg.AlertTimeout <= 0 {
		c.cfg.AlertTimeout = DefaultConfig().AlertTimeout
	}
	c.lg = c.lg.Named("collector")
	c.buf = NewBuffer(c.cfg.MaxBufferSize)
	c.metrics = newSelfMetrics(c.promReg)
	c.alerts = make(chan alert.Event, c.cfg.AlertQueueSize)
	c.alertsDone = make(chan struct{})
	return c
}

// Start launches the flush loop and the alert dispatcher.
func (c *Collector) Start() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.flushLoop(ctx)
	go c.dispatchAlerts()

	c.lg.Info("Collector started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("flush_interval", c.cfg.FlushInterval),
		zap.Int("max_buffer_size", c.cfg.MaxBufferSize),
	)
}

// Stop rejects further ingestion with types.ErrServiceStopped and stops
// the flush loop. Buffered observations stay in place for a final Flush.
func (c *Collector) Stop() {
	c.ingestMu.Lock()
	c.stopped.Store(true)
	c.ingestMu.Unlock()

	c.loopMu.Lock()
	cancel, done := c.loopCancel, c.loopDone
	c.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Stopped reports whether Stop was called.
func (c *Collector) Stopped() bool { return c.stopped.Load() }

// Close stops the alert dispatcher after draining queued events.
func (c *Collector) Close() {
	c.alertMu.Lock()
	if c.alertClosed {
		c.alertMu.Unlock()
		return
	}
	c.alertClosed = true
	close(c.alerts)
	c.alertMu.Unlock()

	c.loopMu.Lock()
	started := c.loopCancel != nil
	c.loopMu.Unlock()
	if started {
		<-c.alertsDone
	}
}

// Buffer returns the pending observation buffer.
func (c *Collector) Buffer() *Buffer { return c.buf }

// Record ingests one observation of a registered metric.
//
// Only types.ErrServiceStopped is returned. Unknown or disabled metrics,
// invalid values and sampled-out observations are dropped and counted.
func (c *Collector) Record(name string, value float64, labels map[string]string, ctx, meta map[string]any) error {
	return c.record(name, value, time.Time{}, labels, ctx, meta, "")
}

// RecordBatch ingests samples in order.
func (c *Collector) RecordBatch(samples []Sample) error {
	if c.stopped.Load() {
		return types.ErrServiceStopped
	}
	for _, s := range samples {
		if err := c.record(s.Name, s.Value, s.Timestamp, s.Labels, s.Context, s.Metadata, ""); err != nil {
			return err
		}
	}
	return nil
}

// IncrementCounter records a counter increment of 1.
func (c *Collector) IncrementCounter(name string, labels map[string]string, ctx map[string]any) error {
	return c.AddCounter(name, 1, labels, ctx)
}

// AddCounter records a counter increment of delta.
func (c *Collector) AddCounter(name string, delta float64, labels map[string]string, ctx map[string]any) error {
	return c.record(name, delta, time.Time{}, labels, ctx, nil, TypeCounterIncrement)
}

// RecordGauge records the current value of a gauge.
func (c *Collector) RecordGauge(name string, value float64, labels map[string]string, ctx map[string]any) error {
	return c.record(name, value, time.Time{}, labels, ctx, nil, TypeGaugeValue)
}

// RecordTimer records d in milliseconds.
func (c *Collector) RecordTimer(name string, d time.Duration, labels map[string]string, ctx map[string]any) error {
	return c.record(name, durationMillis(d), time.Time{}, labels, ctx, nil, TypeTimerDuration)
}

// RecordHistogram records value with a bucket label: the smallest boundary
// not below value, or "+Inf".
func (c *Collector) RecordHistogram(name string, value float64, buckets []float64, labels map[string]string, ctx map[string]any) error {
	l := copyLabels(labels, 1)
	l[LabelBucket] = bucketFor(value, buckets)
	return c.record(name, value, time.Time{}, l, ctx, nil, TypeHistogramValue)
}

// MeasureFunction runs fn and records its duration in milliseconds with a
// success label. The error of fn is returned unchanged; a panic in fn is
// recorded as a failure and propagated.
func (c *Collector) MeasureFunction(name string, fn func() error, labels map[string]string, ctx map[string]any) error {
	return c.measure(name, labels, ctx, fn)
}

// Measure is MeasureFunction for functions returning a value.
func Measure[T any](c *Collector, name string, fn func() (T, error), labels map[string]string, ctx map[string]any) (T, error) {
	var out T
	err := c.measure(name, labels, ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (c *Collector) measure(name string, labels map[string]string, ctx map[string]any, fn func() error) (err error) {
	start := c.now()
	success := false
	defer func() {
		l := copyLabels(labels, 1)
		if success {
			l[LabelSuccess] = "true"
		} else {
			l[LabelSuccess] = "false"
		}
		rerr := c.record(name, durationMillis(c.now().Sub(start)), time.Time{}, l, ctx, nil, TypeFunctionExecution)
		if err == nil && success {
			err = rerr
		}
	}()

	err = fn()
	success = err == nil
	return err
}

func (c *Collector) record(name string, value float64, ts time.Time, labels map[string]string, ctx, meta map[string]any, typ string) error {
	c.ingestMu.RLock()
	defer c.ingestMu.RUnlock()
	if c.stopped.Load() {
		return types.ErrServiceStopped
	}
	if !c.cfg.Enabled {
		c.drop(name, reasonGloballyDisabled)
		return nil
	}

	start := time.Now()
	defer func() { c.metrics.ingestDuration.Observe(time.Since(start).Seconds()) }()

	def, err := c.reg.Lookup(name)
	switch {
	case errors.Is(err, types.ErrUnknownMetric):
		c.drop(name, reasonUnknownMetric)
		return nil
	case err != nil:
		c.drop(name, reasonMetricDisabled)
		return nil
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		c.drop(name, reasonInvalidValue)
		return nil
	}
	if !c.sampled(def.SamplingRate) {
		c.drop(name, reasonSampledOut)
		return nil
	}

	if ts.IsZero() {
		ts = c.now()
	}
	obs := types.Observation{
		ID:         newID(),
		MetricName: def.Name,
		Value:      value,
		Timestamp:  ts,
		Labels:     c.boundLabels(def, labels),
		Context:    c.context(ctx),
		Metadata:   types.NormalizeAttributes(meta),
	}
	if typ != "" {
		obs.Metadata = obs.Metadata.With("type", typ)
	}

	if c.buf.Append(obs) {
		c.counters.overflow.Inc()
		c.metrics.dropped.WithLabelValues(reasonOverflow).Inc()
		c.lg.Warn("Buffer full, dropped oldest observation", zap.Int("capacity", c.buf.Cap()))
	}
	c.counters.ingested.Inc()
	c.metrics.ingested.WithLabelValues(def.Name).Inc()
	depth := c.buf.Len()
	c.metrics.bufferDepth.Set(float64(depth))

	if depth >= c.cfg.BatchSize {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}

	if c.cfg.RealTimeAlerting && c.sink != nil && def.AlertingEnabled {
		c.offerAlert(alert.Event{
			MetricName: obs.MetricName,
			Value:      obs.Value,
			Unit:       def.Unit,
			Labels:     obs.Labels,
			Context:    obs.Context,
			Metadata:   obs.Metadata,
			Timestamp:  obs.Timestamp,
		})
	}
	return nil
}

func (c *Collector) drop(name, reason string) {
	switch reason {
	case reasonSampledOut:
		c.counters.sampledOut.Inc()
	default:
		c.counters.rejected.Inc()
	}
	c.metrics.dropped.WithLabelValues(reason).Inc()
	if ce := c.lg.Check(zap.DebugLevel, "Observation dropped"); ce != nil {
		ce.Write(zap.String("metric", name), zap.String("reason", reason))
	}
}

// sampled keeps an observation iff rate >= 1 or a uniform draw falls
// below rate.
func (c *Collector) sampled(rate float64) bool {
	if rate >= 1 {
		return true
	}
	return c.draw() < rate
}

// boundLabels keeps declared and reserved labels, then applies the
// definition's static tags over them.
func (c *Collector) boundLabels(def types.MetricDefinition, labels map[string]string) map[string]string {
	if len(labels) == 0 && len(def.StaticTags) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels)+len(def.StaticTags))
	for k, v := range labels {
		if len(def.LabelNames) == 0 || def.HasLabel(k) || k == LabelBucket || k == LabelSuccess {
			out[k] = v
		}
	}
	for k, v := range def.StaticTags {
		out[k] = v
	}
	return out
}

func (c *Collector) context(ctx map[string]any) types.Attributes {
	attrs := types.NormalizeAttributes(ctx)
	if c.cfg.Environment == "" {
		return attrs
	}
	if _, ok := attrs["environment"]; ok {
		return attrs
	}
	return attrs.With("environment", c.cfg.Environment)
}

func (c *Collector) offerAlert(e alert.Event) {
	c.alertMu.RLock()
	defer c.alertMu.RUnlock()
	if c.alertClosed {
		return
	}
	select {
	case c.alerts <- e:
	default:
		c.counters.alertsDropped.Inc()
		c.metrics.dropped.WithLabelValues(reasonAlertQueueFull).Inc()
	}
}

func (c *Collector) dispatchAlerts() {
	defer close(c.alertsDone)
	for e := range c.alerts {
		c.evaluate(e)
	}
}

func (c *Collector) evaluate(e alert.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AlertTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.counters.alertErrors.Inc()
			c.metrics.alertErrors.Inc()
			c.lg.Error("Alert sink panicked", zap.String("metric", e.MetricName), zap.Any("panic", r))
		}
	}()

	if err := c.sink.Evaluate(ctx, e); err != nil {
		c.counters.alertErrors.Inc()
		c.metrics.alertErrors.Inc()
		c.lg.Warn("Alert evaluation failed", zap.String("metric", e.MetricName), zap.Error(err))
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func copyLabels(labels map[string]string, extra int) map[string]string {
	out := make(map[string]string, len(labels)+extra)
	for k, v := range labels {
		out[k] = v
	}
	return out
}
