package types

import (
	"regexp"
	"time"

	"github.com/go-faster/errors"
)

// MetricKind is the instrument type of a metric.
type MetricKind string

// Metric kinds.
const (
	KindCounter   MetricKind = "counter"
	KindGauge     MetricKind = "gauge"
	KindHistogram MetricKind = "histogram"
	KindSummary   MetricKind = "summary"
	KindTimer     MetricKind = "timer"
)

// Valid reports whether k is a known kind.
func (k MetricKind) Valid() bool {
	switch k {
	case KindCounter, KindGauge, KindHistogram, KindSummary, KindTimer:
		return true
	}
	return false
}

// AggregationMethod is a named reduction applied to a window of observations.
type AggregationMethod string

// Aggregation methods.
const (
	MethodSum    AggregationMethod = "sum"
	MethodAvg    AggregationMethod = "avg"
	MethodMin    AggregationMethod = "min"
	MethodMax    AggregationMethod = "max"
	MethodCount  AggregationMethod = "count"
	MethodP50    AggregationMethod = "p50"
	MethodP90    AggregationMethod = "p90"
	MethodP95    AggregationMethod = "p95"
	MethodP99    AggregationMethod = "p99"
	MethodRate   AggregationMethod = "rate"
	MethodStdDev AggregationMethod = "stddev"
)

// Valid reports whether m is a known method.
func (m AggregationMethod) Valid() bool {
	switch m {
	case MethodSum, MethodAvg, MethodMin, MethodMax, MethodCount,
		MethodP50, MethodP90, MethodP95, MethodP99, MethodRate, MethodStdDev:
		return true
	}
	return false
}

// Category groups metric definitions for reporting.
type Category string

// Categories.
const (
	CategoryPerformance Category = "performance"
	CategoryFunctional  Category = "functional"
	CategoryTechnical   Category = "technical"
	CategoryBusiness    Category = "business"
	CategorySecurity    Category = "security"
)

var metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:.\-]*$`)

// MetricDefinition describes a metric known to the registry.
type MetricDefinition struct {
	Name               string              `json:"name" mapstructure:"name"`
	Kind               MetricKind          `json:"kind" mapstructure:"kind"`
	Category           Category            `json:"category,omitempty" mapstructure:"category"`
	Unit               string              `json:"unit" mapstructure:"unit"`
	Description        string              `json:"description,omitempty" mapstructure:"description"`
	LabelNames         []string            `json:"label_names,omitempty" mapstructure:"label_names"`
	AggregationMethods []AggregationMethod `json:"aggregation_methods" mapstructure:"aggregation_methods"`
	Retention          time.Duration       `json:"retention" mapstructure:"retention"`
	SamplingRate       float64             `json:"sampling_rate" mapstructure:"sampling_rate"`
	Enabled            bool                `json:"enabled" mapstructure:"enabled"`
	AlertingEnabled    bool                `json:"alerting_enabled" mapstructure:"alerting_enabled"`
	StaticTags         map[string]string   `json:"static_tags,omitempty" mapstructure:"static_tags"`
}

// Validate checks the definition for structural errors.
func (d MetricDefinition) Validate() error {
	if !metricNameRe.MatchString(d.Name) {
		return errors.Wrapf(ErrInvalidDefinition, "bad name %q", d.Name)
	}
	if !d.Kind.Valid() {
		return errors.Wrapf(ErrInvalidDefinition, "%s: unknown kind %q", d.Name, d.Kind)
	}
	for _, m := range d.AggregationMethods {
		if !m.Valid() {
			return errors.Wrapf(ErrInvalidDefinition, "%s: unknown aggregation method %q", d.Name, m)
		}
	}
	if d.SamplingRate < 0 || d.SamplingRate > 1 {
		return errors.Wrapf(ErrInvalidDefinition, "%s: sampling rate %v out of [0,1]", d.Name, d.SamplingRate)
	}
	if d.Retention <= 0 {
		return errors.Wrapf(ErrInvalidDefinition, "%s: retention must be positive", d.Name)
	}
	return nil
}

// HasLabel reports whether name is a declared label.
func (d MetricDefinition) HasLabel(name string) bool {
	for _, l := range d.LabelNames {
		if l == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the definition.
func (d MetricDefinition) Clone() MetricDefinition {
	c := d
	c.LabelNames = append([]string(nil), d.LabelNames...)
	c.AggregationMethods = append([]AggregationMethod(nil), d.AggregationMethods...)
	if d.StaticTags != nil {
		c.StaticTags = make(map[string]string, len(d.StaticTags))
		for k, v := range d.StaticTags {
			c.StaticTags[k] = v
		}
	}
	return c
}

// Observation is one raw recorded value.
type Observation struct {
	ID         string            `json:"id"`
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Labels     map[string]string `json:"labels,omitempty"`
	Context    Attributes        `json:"context,omitempty"`
	Metadata   Attributes        `json:"metadata,omitempty"`
}

// AggregatedPoint is a statistical roll-up of observations over one window.
type AggregatedPoint struct {
	ID          string            `json:"id"`
	MetricName  string            `json:"metric_name"`
	Method      AggregationMethod `json:"method"`
	Value       float64           `json:"value"`
	WindowStart time.Time         `json:"window_start"`
	WindowSize  time.Duration     `json:"window_size"`
	SampleCount int               `json:"sample_count"`
	Labels      map[string]string `json:"labels,omitempty"`
	Context     Attributes        `json:"context,omitempty"`
}

// WindowEnd returns the exclusive end of the point's window.
func (p AggregatedPoint) WindowEnd() time.Time {
	return p.WindowStart.Add(p.WindowSize)
}

// OrderBy selects the sort key of a query.
type OrderBy string

// Orderings.
const (
	OrderByTimestamp OrderBy = "timestamp"
	OrderByValue     OrderBy = "value"
)

// MetricQuery selects series from the raw or roll-up store.
//
// Method and Window together select the roll-up store.
type MetricQuery struct {
	MetricNames []string
	Start       time.Time
	End         time.Time
	Method      AggregationMethod
	Window      time.Duration
	Labels      map[string]string
	Context     Attributes
	OrderBy     OrderBy
	Descending  bool
	Limit       int
}

// Aggregated reports whether the query targets roll-ups.
func (q MetricQuery) Aggregated() bool {
	return q.Method != "" && q.Window > 0
}

// DataPoint is a single point of a MetricSeries.
type DataPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	SampleCount int       `json:"sample_count"`
}

// SeriesMetadata describes how a series was assembled.
type SeriesMetadata struct {
	TotalSamples int           `json:"total_samples"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Resolution   time.Duration `json:"resolution"`
}

// MetricSeries is a read-only view over stored data for one metric.
type MetricSeries struct {
	MetricName string            `json:"metric_name"`
	Method     AggregationMethod `json:"method,omitempty"`
	Points     []DataPoint       `json:"points"`
	Labels     map[string]string `json:"labels,omitempty"`
	Metadata   SeriesMetadata    `json:"metadata"`
}

// TrendDirection is the sign of a fitted slope.
type TrendDirection string

// Trend directions.
const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend is the result of a linear fit over a series.
type Trend struct {
	Direction     TrendDirection `json:"direction"`
	Slope         float64        `json:"slope"`
	ChangePercent float64        `json:"change_percent"`
	Confidence    float64        `json:"confidence"`
}

// Summary holds the descriptive statistics of a set of values.
type Summary struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// MetricStatistics is computed on demand over a range of raw observations.
type MetricStatistics struct {
	MetricName string    `json:"metric_name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Summary    Summary   `json:"statistics"`
	Trend      Trend     `json:"trend"`
}
