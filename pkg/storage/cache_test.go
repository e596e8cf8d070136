package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/metricpipe/pkg/types"
)

func newCached(t *testing.T, capacity int, ttl time.Duration) *CachedObservations {
	m, err := NewMemory()
	require.NoError(t, err)
	return NewCached(m.Observations(), capacity, ttl)
}

func TestCachedHitsAndInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newCached(t, 8, time.Minute)

	require.NoError(t, c.AppendBatch(ctx, "m", []types.Observation{obsAt("a", "m", 0, 1)}))

	for i := 0; i < 3; i++ {
		got, err := c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(got))
	}
	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 66.67, stats.HitRate(), 0.01)

	// A write to the metric must be visible on the next query.
	require.NoError(t, c.AppendBatch(ctx, "m", []types.Observation{obsAt("b", "m", time.Second, 2)}))
	got, err := c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	n, err := c.DeleteOlderThan(ctx, "m", base.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestCachedResultsAreCopies(t *testing.T) {
	ctx := context.Background()
	c := newCached(t, 8, time.Minute)
	require.NoError(t, c.AppendBatch(ctx, "m", []types.Observation{obsAt("a", "m", 0, 1)}))

	got, err := c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
	require.NoError(t, err)
	got[0].ID = "mutated"

	got, err = c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].ID)
}

func TestQueryCacheEviction(t *testing.T) {
	qc := NewQueryCache(2, time.Minute)
	qc.Put(1, "m", nil)
	qc.Put(2, "m", nil)

	_, ok := qc.Get(1)
	require.True(t, ok)

	qc.Put(3, "n", nil)
	assert.Equal(t, 2, qc.Len())

	_, ok = qc.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = qc.Get(1)
	assert.True(t, ok)

	qc.Invalidate("m")
	assert.Equal(t, 1, qc.Len())
}

func TestQueryCacheTTL(t *testing.T) {
	now := base
	qc := NewQueryCache(4, time.Second)
	qc.now = func() time.Time { return now }

	qc.Put(1, "m", nil)
	_, ok := qc.Get(1)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = qc.Get(1)
	assert.False(t, ok)
	assert.Zero(t, qc.Len())
}

func TestQueryKey(t *testing.T) {
	f1 := Filter{Labels: map[string]string{"a": "1", "b": "2"}, Context: types.Attributes{"n": 1}}
	f2 := Filter{Labels: map[string]string{"b": "2", "a": "1"}, Context: types.Attributes{"n": 1.0}}

	end := base.Add(time.Minute)
	assert.Equal(t, queryKey("m", base, end, f1), queryKey("m", base, end, f2))
	assert.NotEqual(t, queryKey("m", base, end, f1), queryKey("m", base, end, Filter{}))
	assert.NotEqual(t, queryKey("m", base, end, Filter{}), queryKey("n", base, end, Filter{}))
}

// gatedStore holds the result of its first QueryRange until release is
// closed.
type gatedStore struct {
	ObservationStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) QueryRange(ctx context.Context, metric string, start, end time.Time, f Filter) ([]types.Observation, error) {
	result, err := s.ObservationStore.QueryRange(ctx, metric, start, end, f)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return result, err
}

func TestCachedDropsResultsRacingWrites(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory()
	require.NoError(t, err)
	gated := &gatedStore{
		ObservationStore: m.Observations(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	c := NewCached(gated, 8, time.Minute)

	stale := make(chan []types.Observation, 1)
	go func() {
		got, err := c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
		assert.NoError(t, err)
		stale <- got
	}()

	<-gated.entered
	require.NoError(t, c.AppendBatch(ctx, "m", []types.Observation{obsAt("a", "m", 0, 1)}))
	close(gated.release)
	assert.Empty(t, <-stale)
	assert.Zero(t, c.Stats().Size)

	got, err := c.QueryRange(ctx, "m", base, base.Add(time.Minute), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestQueryCachePutIfCurrent(t *testing.T) {
	qc := NewQueryCache(4, time.Minute)

	gen := qc.Generation("m")
	qc.Invalidate("m")
	assert.False(t, qc.PutIfCurrent(1, "m", gen, nil))
	_, ok := qc.Get(1)
	assert.False(t, ok)

	assert.True(t, qc.PutIfCurrent(1, "m", qc.Generation("m"), nil))
	_, ok = qc.Get(1)
	assert.True(t, ok)
}
