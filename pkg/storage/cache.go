package storage

import (
	"container/list"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// QueryCache is an LRU cache of observation query results with a TTL.
type QueryCache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	entries  map[uint64]*cacheEntry
	byMetric map[string]map[uint64]struct{}
	gens     map[string]uint64
	lru      *list.List
}

type cacheEntry struct {
	key     uint64
	metric  string
	result  []types.Observation
	stored  time.Time
	element *list.Element
}

// NewQueryCache creates a cache holding at most capacity results.
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[uint64]*cacheEntry),
		byMetric: make(map[string]map[uint64]struct{}),
		gens:     make(map[string]uint64),
		lru:      list.New(),
	}
}

// Get returns the cached result for key.
func (qc *QueryCache) Get(key uint64) ([]types.Observation, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	entry, ok := qc.entries[key]
	if !ok {
		return nil, false
	}
	if qc.ttl > 0 && qc.now().Sub(entry.stored) > qc.ttl {
		qc.removeLocked(entry)
		return nil, false
	}
	qc.lru.MoveToFront(entry.element)
	return entry.result, true
}

// Generation returns the invalidation count of metric.
func (qc *QueryCache) Generation(metric string) uint64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.gens[metric]
}

// Put stores result under key.
func (qc *QueryCache) Put(key uint64, metric string, result []types.Observation) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.putLocked(key, metric, result)
}

// PutIfCurrent stores result only if metric was not invalidated since
// Generation returned gen. It reports whether result was stored.
func (qc *QueryCache) PutIfCurrent(key uint64, metric string, gen uint64, result []types.Observation) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.gens[metric] != gen {
		return false
	}
	qc.putLocked(key, metric, result)
	return true
}

func (qc *QueryCache) putLocked(key uint64, metric string, result []types.Observation) {
	if entry, ok := qc.entries[key]; ok {
		entry.result = result
		entry.stored = qc.now()
		qc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:    key,
		metric: metric,
		result: result,
		stored: qc.now(),
	}
	entry.element = qc.lru.PushFront(entry)
	qc.entries[key] = entry
	if qc.byMetric[metric] == nil {
		qc.byMetric[metric] = make(map[uint64]struct{})
	}
	qc.byMetric[metric][key] = struct{}{}

	if qc.lru.Len() > qc.capacity {
		if oldest := qc.lru.Back(); oldest != nil {
			qc.removeLocked(oldest.Value.(*cacheEntry))
		}
	}
}

// Invalidate drops every cached result of metric.
func (qc *QueryCache) Invalidate(metric string) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.gens[metric]++
	for key := range qc.byMetric[metric] {
		if entry, ok := qc.entries[key]; ok {
			qc.removeLocked(entry)
		}
	}
	delete(qc.byMetric, metric)
}

func (qc *QueryCache) removeLocked(entry *cacheEntry) {
	qc.lru.Remove(entry.element)
	delete(qc.entries, entry.key)
	if keys := qc.byMetric[entry.metric]; keys != nil {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(qc.byMetric, entry.metric)
		}
	}
}

// Len returns the number of cached results.
func (qc *QueryCache) Len() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return len(qc.entries)
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// HitRate returns hits as a percentage of lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// CachedObservations wraps an ObservationStore with a QueryCache.
//
// Writes and deletes of a metric invalidate its cached results.
type CachedObservations struct {
	store  ObservationStore
	cache  *QueryCache
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ ObservationStore = (*CachedObservations)(nil)

// NewCached wraps store with a cache of the given capacity and TTL.
func NewCached(store ObservationStore, capacity int, ttl time.Duration) *CachedObservations {
	return &CachedObservations{
		store: store,
		cache: NewQueryCache(capacity, ttl),
	}
}

// Unwrap returns the underlying store.
func (c *CachedObservations) Unwrap() ObservationStore { return c.store }

// AppendBatch implements ObservationStore.
func (c *CachedObservations) AppendBatch(ctx context.Context, metric string, obs []types.Observation) error {
	defer c.cache.Invalidate(metric)
	return c.store.AppendBatch(ctx, metric, obs)
}

// QueryRange implements ObservationStore.
func (c *CachedObservations) QueryRange(ctx context.Context, metric string, start, end time.Time, f Filter) ([]types.Observation, error) {
	key := queryKey(metric, start, end, f)
	if result, ok := c.cache.Get(key); ok {
		c.hits.Inc()
		return cloneObservations(result), nil
	}
	c.misses.Inc()

	// A write landing during the read bumps the generation and the stale
	// result is not cached.
	gen := c.cache.Generation(metric)
	result, err := c.store.QueryRange(ctx, metric, start, end, f)
	if err != nil {
		return nil, err
	}
	c.cache.PutIfCurrent(key, metric, gen, cloneObservations(result))
	return result, nil
}

// DeleteOlderThan implements ObservationStore.
func (c *CachedObservations) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	defer c.cache.Invalidate(metric)
	return c.store.DeleteOlderThan(ctx, metric, cutoff, limit)
}

// Stats returns cache statistics.
func (c *CachedObservations) Stats() CacheStats {
	return CacheStats{
		Size:     c.cache.Len(),
		Capacity: c.cache.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

// queryKey hashes the query parameters. Map keys are sorted so equal
// filters hash equally.
func queryKey(metric string, start, end time.Time, f Filter) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(metric)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(start.UnixNano(), 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(end.UnixNano(), 10))

	labels := make([]string, 0, len(f.Labels))
	for k := range f.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		_, _ = d.WriteString("\x00l" + k + "=" + f.Labels[k])
	}

	attrs := types.NormalizeAttributes(f.Context)
	ctxKeys := make([]string, 0, len(attrs))
	for k := range attrs {
		ctxKeys = append(ctxKeys, k)
	}
	sort.Strings(ctxKeys)
	for _, k := range ctxKeys {
		_, _ = d.WriteString("\x00c" + k + "=" + attributeString(attrs[k]))
	}
	return d.Sum64()
}

func attributeString(v any) string {
	switch v := v.(type) {
	case string:
		return "s" + v
	case bool:
		return "b" + strconv.FormatBool(v)
	case float64:
		return "f" + strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "?"
}

func cloneObservations(obs []types.Observation) []types.Observation {
	if obs == nil {
		return nil
	}
	return append([]types.Observation(nil), obs...)
}
