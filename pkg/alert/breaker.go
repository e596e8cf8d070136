package alert

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures NewBreaker.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears counts while closed.
	Interval time.Duration
	// Timeout before an open breaker becomes half-open.
	Timeout time.Duration
	// MinRequests before the failure ratio is considered.
	MinRequests uint32
	// FailureRatio that trips the breaker.
	FailureRatio float64
}

// DefaultBreakerSettings returns the settings used when none are given.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:         "alert-sink",
		MaxRequests:  100,
		Interval:     5 * time.Second,
		Timeout:      3 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// Breaker guards a Sink with a circuit breaker. While open, events are
// rejected with gobreaker.ErrOpenState without reaching the sink.
type Breaker struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

var _ Sink = (*Breaker)(nil)

// NewBreaker wraps sink.
func NewBreaker(sink Sink, s BreakerSettings) *Breaker {
	return &Breaker{
		sink: sink,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
			},
		}),
	}
}

// Evaluate implements Sink.
func (b *Breaker) Evaluate(ctx context.Context, e Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Evaluate(ctx, e)
	})
	return err
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
