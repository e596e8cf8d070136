package registry

import (
	"time"

	"github.com/vjranagit/metricpipe/pkg/types"
)

const day = 24 * time.Hour

// Defaults returns the built-in metric definitions registered when the
// configuration declares none.
func Defaults() []types.MetricDefinition {
	service := func(component string) map[string]string {
		tags := map[string]string{"service": "ebios-rm"}
		if component != "" {
			tags["component"] = component
		}
		return tags
	}

	return []types.MetricDefinition{
		{
			Name:        "response_time",
			Kind:        types.KindTimer,
			Category:    types.CategoryPerformance,
			Unit:        "ms",
			Description: "Request response time",
			LabelNames:  []string{"endpoint", "method", "status"},
			AggregationMethods: []types.AggregationMethod{
				types.MethodAvg, types.MethodP50, types.MethodP90, types.MethodP95, types.MethodP99, types.MethodMax,
			},
			Retention:       30 * day,
			SamplingRate:    1,
			Enabled:         true,
			AlertingEnabled: true,
			StaticTags:      service(""),
		},
		{
			Name:               "error_rate",
			Kind:               types.KindGauge,
			Category:           types.CategoryTechnical,
			Unit:               "ratio",
			Description:        "Request error ratio",
			LabelNames:         []string{"component", "error_type"},
			AggregationMethods: []types.AggregationMethod{types.MethodAvg, types.MethodMax, types.MethodSum},
			Retention:          30 * day,
			SamplingRate:       1,
			Enabled:            true,
			AlertingEnabled:    true,
			StaticTags:         service(""),
		},
		{
			Name:        "agent_execution_time",
			Kind:        types.KindTimer,
			Category:    types.CategoryFunctional,
			Unit:        "ms",
			Description: "Agent execution time",
			LabelNames:  []string{"agent_type", "workshop", "success"},
			AggregationMethods: []types.AggregationMethod{
				types.MethodAvg, types.MethodP50, types.MethodP90, types.MethodP95, types.MethodMax,
			},
			Retention:       60 * day,
			SamplingRate:    1,
			Enabled:         true,
			AlertingEnabled: true,
			StaticTags:      service("agents"),
		},
		{
			Name:               "ebios_compliance_score",
			Kind:               types.KindGauge,
			Category:           types.CategoryBusiness,
			Unit:               "score",
			Description:        "Methodology compliance score",
			LabelNames:         []string{"workshop", "organization"},
			AggregationMethods: []types.AggregationMethod{types.MethodAvg, types.MethodMin, types.MethodMax},
			Retention:          90 * day,
			SamplingRate:       1,
			Enabled:            true,
			AlertingEnabled:    true,
			StaticTags:         service("compliance"),
		},
		{
			Name:               "user_interactions",
			Kind:               types.KindCounter,
			Category:           types.CategoryBusiness,
			Unit:               "count",
			Description:        "User interactions",
			LabelNames:         []string{"action", "component", "user_role"},
			AggregationMethods: []types.AggregationMethod{types.MethodSum, types.MethodRate},
			Retention:          30 * day,
			SamplingRate:       0.1,
			Enabled:            true,
			StaticTags:         service("ui"),
		},
		{
			Name:               "memory_usage",
			Kind:               types.KindGauge,
			Category:           types.CategoryTechnical,
			Unit:               "MB",
			Description:        "Memory usage",
			LabelNames:         []string{"component", "process"},
			AggregationMethods: []types.AggregationMethod{types.MethodAvg, types.MethodMax},
			Retention:          7 * day,
			SamplingRate:       1,
			Enabled:            true,
			AlertingEnabled:    true,
			StaticTags:         service("system"),
		},
		{
			Name:        "database_query_time",
			Kind:        types.KindTimer,
			Category:    types.CategoryPerformance,
			Unit:        "ms",
			Description: "Database query execution time",
			LabelNames:  []string{"collection", "operation"},
			AggregationMethods: []types.AggregationMethod{
				types.MethodAvg, types.MethodP50, types.MethodP90, types.MethodP95, types.MethodMax,
			},
			Retention:       30 * day,
			SamplingRate:    0.5,
			Enabled:         true,
			AlertingEnabled: true,
			StaticTags:      service("database"),
		},
	}
}
