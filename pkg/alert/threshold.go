package alert

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Operator compares an observed value with a rule threshold.
type Operator string

// Operators.
const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
)

// Compare reports whether value op threshold holds.
func (op Operator) Compare(value, threshold float64) (bool, error) {
	switch op {
	case OpGreater:
		return value > threshold, nil
	case OpGreaterEqual:
		return value >= threshold, nil
	case OpLess:
		return value < threshold, nil
	case OpLessEqual:
		return value <= threshold, nil
	case OpEqual:
		return value == threshold, nil
	}
	return false, errors.Errorf("unknown operator %q", op)
}

// Rule fires when an event of Metric satisfies Operator against Threshold.
type Rule struct {
	Name      string   `json:"name" mapstructure:"name"`
	Metric    string   `json:"metric" mapstructure:"metric"`
	Operator  Operator `json:"operator" mapstructure:"operator"`
	Threshold float64  `json:"threshold" mapstructure:"threshold"`
	Severity  string   `json:"severity" mapstructure:"severity"`
}

// Validate checks the rule.
func (r Rule) Validate() error {
	if r.Metric == "" {
		return errors.New("rule without metric")
	}
	if _, err := r.Operator.Compare(0, 0); err != nil {
		return errors.Wrapf(err, "rule %q", r.Name)
	}
	return nil
}

// Notification is produced by a fired rule.
type Notification struct {
	Rule  Rule
	Event Event
}

// Notifier delivers notifications.
type Notifier func(ctx context.Context, n Notification) error

// LogNotifier logs every notification at warn level.
func LogNotifier(lg *zap.Logger) Notifier {
	lg = lg.Named("alert")
	return func(_ context.Context, n Notification) error {
		lg.Warn("Threshold exceeded",
			zap.String("rule", n.Rule.Name),
			zap.String("severity", n.Rule.Severity),
			zap.String("metric", n.Event.MetricName),
			zap.Float64("value", n.Event.Value),
			zap.String("operator", string(n.Rule.Operator)),
			zap.Float64("threshold", n.Rule.Threshold),
			zap.Any("labels", n.Event.Labels),
		)
		return nil
	}
}

// ThresholdSink evaluates static threshold rules.
type ThresholdSink struct {
	notify Notifier

	mu    sync.RWMutex
	rules map[string][]Rule
}

var _ Sink = (*ThresholdSink)(nil)

// NewThresholdSink creates a sink delivering fired rules to notify.
func NewThresholdSink(notify Notifier, rules ...Rule) (*ThresholdSink, error) {
	s := &ThresholdSink{
		notify: notify,
		rules:  make(map[string][]Rule),
	}
	for _, r := range rules {
		if err := s.AddRule(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddRule registers r.
func (s *ThresholdSink) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.Metric] = append(s.rules[r.Metric], r)
	return nil
}

// Evaluate implements Sink. Every matching rule is notified; notifier
// errors are combined.
func (s *ThresholdSink) Evaluate(ctx context.Context, e Event) error {
	s.mu.RLock()
	rules := s.rules[e.MetricName]
	s.mu.RUnlock()

	var errs error
	for _, r := range rules {
		fired, err := r.Operator.Compare(e.Value, r.Threshold)
		if err != nil || !fired {
			continue
		}
		if s.notify == nil {
			continue
		}
		if err := s.notify(ctx, Notification{Rule: r, Event: e}); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "notify %q", r.Name))
		}
	}
	return errs
}
