package storage

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// ObservationStore is the durable append-only store of raw observations.
//
// Ranges are half-open: start inclusive, end exclusive. Results are
// ordered by timestamp ascending. Equal timestamps keep append order in
// memory and ID order in persistent backends.
// A limit <= 0 passed to DeleteOlderThan means unbounded.
type ObservationStore interface {
	// AppendBatch stores observations of a single metric.
	AppendBatch(ctx context.Context, metric string, obs []types.Observation) error

	// QueryRange returns observations of metric in [start, end) matching f.
	QueryRange(ctx context.Context, metric string, start, end time.Time, f Filter) ([]types.Observation, error)

	// DeleteOlderThan removes at most limit observations older than cutoff
	// and returns how many were removed.
	DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error)
}

// RollupStore stores aggregated points.
//
// Putting a point with the same metric, method, window size and window
// start as an existing point supersedes it.
type RollupStore interface {
	// Put stores p.
	Put(ctx context.Context, p types.AggregatedPoint) error

	// QueryRange returns points whose window start lies in [start, end).
	QueryRange(ctx context.Context, metric string, method types.AggregationMethod, window time.Duration, start, end time.Time) ([]types.AggregatedPoint, error)

	// DeleteOlderThan removes at most limit points whose window start is
	// before cutoff and returns how many were removed.
	DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error)
}

// Backend owns the storage of both observations and roll-ups.
type Backend interface {
	Observations() ObservationStore
	Rollups() RollupStore
	io.Closer
}

// Filter restricts observation queries by labels and context.
type Filter struct {
	Labels  map[string]string
	Context types.Attributes
}

// Empty reports whether f matches everything.
func (f Filter) Empty() bool {
	return len(f.Labels) == 0 && len(f.Context) == 0
}

// Match reports whether o passes the filter.
func (f Filter) Match(o types.Observation) bool {
	return types.LabelsMatch(o.Labels, f.Labels) && o.Context.Matches(f.Context)
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config holds storage configuration
type Config struct {
	Backend          string
	Path             string
	CompressionLevel int
	Redis            RedisConfig
	CacheCapacity    int
	CacheTTL         time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Backend:          BackendMemory,
		Path:             "./data",
		CompressionLevel: 3,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "metricpipe",
		},
		CacheCapacity: 256,
		CacheTTL:      30 * time.Second,
	}
}

// Stores is the opened pair of stores used by the pipeline.
type Stores struct {
	Observations ObservationStore
	Rollups      RollupStore
	backend      Backend
}

// Close releases the underlying backend.
func (s *Stores) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Open creates the backend selected by cfg, wrapping the observation
// store with a query cache when cfg.CacheCapacity > 0.
func Open(ctx context.Context, cfg *Config, lg *zap.Logger) (*Stores, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case BackendMemory, "":
		b, err = NewMemory()
	case BackendBadger:
		b, err = NewBadger(cfg, lg)
	case BackendRedis:
		b, err = NewRedis(ctx, cfg.Redis)
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s backend", cfg.Backend)
	}
	lg.Info("Storage opened", zap.String("backend", cfg.Backend))

	s := &Stores{
		Observations: b.Observations(),
		Rollups:      b.Rollups(),
		backend:      b,
	}
	if cfg.CacheCapacity > 0 {
		s.Observations = NewCached(s.Observations, cfg.CacheCapacity, cfg.CacheTTL)
	}
	return s, nil
}

func sortObservations(obs []types.Observation) {
	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].Timestamp.Before(obs[j].Timestamp)
	})
}

func sortPoints(points []types.AggregatedPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].WindowStart.Before(points[j].WindowStart)
	})
}

func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && ts.Before(end)
}
