// Package alert defines the real-time alert hook of the collector and a
// few ready-made sinks.
package alert

import (
	"context"
	"time"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Event is offered to a Sink for every accepted observation of a metric
// with alerting enabled.
type Event struct {
	MetricName string
	Value      float64
	Unit       string
	Labels     map[string]string
	Context    types.Attributes
	Metadata   types.Attributes
	Timestamp  time.Time
}

// Sink evaluates events. Implementations must be safe for concurrent use.
type Sink interface {
	Evaluate(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Evaluate implements Sink.
func (f SinkFunc) Evaluate(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })
