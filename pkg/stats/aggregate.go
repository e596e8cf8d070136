package stats

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Aggregate reduces observations with the given method.
func Aggregate(method types.AggregationMethod, obs []types.Observation) (float64, error) {
	if len(obs) == 0 {
		return 0, types.ErrEmptyInput
	}
	values := Values(obs)

	switch method {
	case types.MethodSum:
		return Sum(values)
	case types.MethodAvg:
		return Avg(values)
	case types.MethodMin:
		return Min(values)
	case types.MethodMax:
		return Max(values)
	case types.MethodCount:
		return Count(values)
	case types.MethodP50:
		return Percentile(values, 0.50)
	case types.MethodP90:
		return Percentile(values, 0.90)
	case types.MethodP95:
		return Percentile(values, 0.95)
	case types.MethodP99:
		return Percentile(values, 0.99)
	case types.MethodRate:
		return Rate(Timestamps(obs)), nil
	case types.MethodStdDev:
		return StdDev(values)
	default:
		return 0, errors.Errorf("unsupported aggregation method %q", method)
	}
}

// Values extracts observation values in order.
func Values(obs []types.Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Value
	}
	return out
}

// Timestamps extracts observation timestamps in order.
func Timestamps(obs []types.Observation) []time.Time {
	out := make([]time.Time, len(obs))
	for i, o := range obs {
		out[i] = o.Timestamp
	}
	return out
}
