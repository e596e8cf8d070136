// Package stats implements the pure statistical reductions used by the
// aggregation and query paths.
//
// Percentiles use the nearest-rank method: the value at index
// ceil(n·p) − 1 of the ascending sort, clamped to [0, n−1]. Standard
// deviation is the population form (divide by n).
package stats

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vjranagit/metricpipe/pkg/types"
)

const (
	// DefaultTrendEpsilon is the slope below which a trend is stable.
	DefaultTrendEpsilon = 0.01
	// rateEpsilon is the smallest time span used as a rate divisor.
	rateEpsilon = time.Millisecond
)

// Sum returns the sum of values.
func Sum(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	return floats.Sum(values), nil
}

// Avg returns the arithmetic mean of values.
func Avg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	return stat.Mean(values, nil), nil
}

// Min returns the smallest value.
func Min(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	return floats.Min(values), nil
}

// Max returns the largest value.
func Max(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	return floats.Max(values), nil
}

// Count returns the number of values.
func Count(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	return float64(len(values)), nil
}

// Percentile returns the nearest-rank p-quantile of values, p in [0,1].
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p), nil
}

func percentileSorted(sorted []float64, p float64) float64 {
	if math.IsNaN(p) {
		p = 0
	}
	p = math.Max(0, math.Min(1, p))
	// stat.Empirical returns the first element whose cumulative rank reaches
	// n·p, which is index ceil(n·p)−1.
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, types.ErrEmptyInput
	}
	_, std := stat.PopMeanStdDev(values, nil)
	return std, nil
}

// Rate returns the number of timestamps per second over the span between
// the earliest and latest of them. Fewer than two timestamps give 0.
func Rate(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return 0
	}
	first, last := timestamps[0], timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	span := last.Sub(first)
	if span < rateEpsilon {
		span = rateEpsilon
	}
	return float64(len(timestamps)) / span.Seconds()
}

// Trend fits an ordinary least-squares line of value against index.
//
// Confidence is |r| of the Pearson correlation, 0 when either series has no
// variance. A slope with |slope| < epsilon is stable; epsilon <= 0 selects
// DefaultTrendEpsilon.
func Trend(values []float64, epsilon float64) types.Trend {
	if epsilon <= 0 {
		epsilon = DefaultTrendEpsilon
	}
	if len(values) < 2 {
		return types.Trend{Direction: types.TrendStable}
	}

	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, values, nil, false)

	var confidence float64
	if _, sy := stat.PopMeanStdDev(values, nil); sy > 0 {
		confidence = math.Abs(stat.Correlation(xs, values, nil))
	}
	if math.IsNaN(confidence) {
		confidence = 0
	}

	var change float64
	if first := values[0]; first != 0 {
		change = (values[len(values)-1] - first) / first * 100
	}

	dir := types.TrendStable
	switch {
	case math.Abs(slope) < epsilon:
	case slope > 0:
		dir = types.TrendIncreasing
	default:
		dir = types.TrendDecreasing
	}

	return types.Trend{
		Direction:     dir,
		Slope:         slope,
		ChangePercent: change,
		Confidence:    confidence,
	}
}

// Summarize computes the descriptive statistics of values.
func Summarize(values []float64) (types.Summary, error) {
	if len(values) == 0 {
		return types.Summary{}, types.ErrEmptyInput
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean, std := stat.PopMeanStdDev(sorted, nil)
	return types.Summary{
		Count:  len(sorted),
		Sum:    floats.Sum(sorted),
		Avg:    mean,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		StdDev: std,
		P50:    percentileSorted(sorted, 0.50),
		P90:    percentileSorted(sorted, 0.90),
		P95:    percentileSorted(sorted, 0.95),
		P99:    percentileSorted(sorted, 0.99),
	}, nil
}
