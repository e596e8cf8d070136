package collector

import (
	"sync"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Buffer is the bounded in-memory queue of observations awaiting flush.
//
// When full, the oldest observation is dropped to make room.
type Buffer struct {
	mu    sync.Mutex
	items []types.Observation
	max   int
}

// NewBuffer creates a buffer holding at most max observations; max <= 0
// means unbounded.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Append adds o, reporting whether an older observation was dropped.
func (b *Buffer) Append(o types.Observation) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max > 0 && len(b.items) >= b.max {
		b.items = b.items[1:]
		dropped = true
	}
	b.items = append(b.items, o)
	return dropped
}

// Drain removes and returns every buffered observation.
func (b *Buffer) Drain() []types.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.items
	b.items = nil
	return out
}

// Requeue puts obs back ahead of anything appended since they were
// drained. If that exceeds the capacity, the oldest are dropped and their
// number returned.
func (b *Buffer) Requeue(obs []types.Observation) (dropped int) {
	if len(obs) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]types.Observation, 0, len(obs)+len(b.items))
	merged = append(merged, obs...)
	merged = append(merged, b.items...)
	if b.max > 0 && len(merged) > b.max {
		dropped = len(merged) - b.max
		merged = merged[dropped:]
	}
	b.items = merged
	return dropped
}

// Len returns the number of buffered observations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.max }
