// Package task runs periodic background functions.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type task struct {
	function func(ctx context.Context)
	interval time.Duration
	name     string
	latency  prometheus.Histogram
}

// Manager runs registered functions on fixed intervals until stopped.
//
// Each function runs once on registration and then after every interval.
// Runs of one function never overlap.
type Manager struct {
	metricsPrefix string
	reg           prometheus.Registerer
	lg            *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   []*task
	stopped bool
}

// NewManager creates a Manager. Task latencies are registered on reg with
// metricsPrefix prepended to each task name; a nil reg disables them.
func NewManager(metricsPrefix string, reg prometheus.Registerer, lg *zap.Logger) *Manager {
	if lg == nil {
		lg = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		metricsPrefix: metricsPrefix,
		reg:           reg,
		lg:            lg.Named("task"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Register starts fn. It is a no-op after StopAll.
func (m *Manager) Register(fn func(ctx context.Context), interval time.Duration, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	t := &task{
		function: fn,
		interval: interval,
		name:     name,
		latency: promauto.With(m.reg).NewHistogram(prometheus.HistogramOpts{
			Name:    m.metricsPrefix + name + "_latency_seconds",
			Help:    "Background loop " + name + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
	}
	m.tasks = append(m.tasks, t)
	m.start(t)
}

// Len returns the number of registered tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// StopAll stops every task and waits for running functions to return.
// It reports whether the timeout elapsed first.
func (m *Manager) StopAll(timeout time.Duration) bool {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	return m.waitForShutdownCompletion(timeout)
}

func (m *Manager) start(t *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		m.run(t)
		for {
			select {
			case <-ticker.C:
			case <-m.ctx.Done():
				return
			}
			m.run(t)
		}
	}()
}

func (m *Manager) run(t *task) {
	start := time.Now()
	defer func() {
		t.latency.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			m.lg.Error("Background task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r),
			)
		}
	}()
	t.function(m.ctx)
}

func (m *Manager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
