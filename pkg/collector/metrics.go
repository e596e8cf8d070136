package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Drop reasons reported on the dropped counter.
const (
	reasonGloballyDisabled = "globally_disabled"
	reasonUnknownMetric    = "unknown_metric"
	reasonMetricDisabled   = "metric_disabled"
	reasonSampledOut       = "sampled_out"
	reasonInvalidValue     = "invalid_value"
	reasonOverflow         = "buffer_overflow"
	reasonAlertQueueFull   = "alert_queue_full"
)

// selfMetrics are the collector's own Prometheus instruments.
type selfMetrics struct {
	ingested       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	flushed        prometheus.Counter
	flushErrors    prometheus.Counter
	bufferDepth    prometheus.Gauge
	flushDuration  prometheus.Histogram
	ingestDuration prometheus.Histogram
	alertErrors    prometheus.Counter
}

func newSelfMetrics(reg prometheus.Registerer) *selfMetrics {
	f := promauto.With(reg)
	return &selfMetrics{
		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "observations_ingested_total",
			Help:      "Observations accepted into the buffer.",
		}, []string{"metric"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "observations_dropped_total",
			Help:      "Observations not stored, by reason.",
		}, []string{"reason"}),
		flushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "observations_flushed_total",
			Help:      "Observations written to the observation store.",
		}),
		flushErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "flush_errors_total",
			Help:      "Failed per-metric store appends.",
		}),
		bufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "buffer_depth",
			Help:      "Observations waiting in the buffer.",
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "flush_duration_seconds",
			Help:      "Duration of buffer flushes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		ingestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "ingest_duration_seconds",
			Help:      "Time spent accepting one observation.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),
		alertErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricpipe",
			Subsystem: "collector",
			Name:      "alert_errors_total",
			Help:      "Alert sink evaluations that failed or panicked.",
		}),
	}
}

// counters back Performance.
type counters struct {
	ingested      atomic.Uint64
	sampledOut    atomic.Uint64
	rejected      atomic.Uint64
	overflow      atomic.Uint64
	flushed       atomic.Uint64
	flushErrors   atomic.Uint64
	flushes       atomic.Uint64
	alertsDropped atomic.Uint64
	alertErrors   atomic.Uint64

	lastFlush         atomic.Time
	lastFlushDuration atomic.Duration
}
