package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"go.uber.org/atomic"

	"github.com/vjranagit/metricpipe/pkg/types"
)

const (
	observationsTable = "observations"
	rollupsTable      = "rollups"

	idIndex         = "id"
	metricTimeIndex = "metric_time"
)

// obsRecord is the memdb row of an observation.
type obsRecord struct {
	ID      string
	Metric  string
	TimeKey string
	Obs     types.Observation
}

// rollupRecord is the memdb row of an aggregated point.
type rollupRecord struct {
	Key     string
	Metric  string
	TimeKey string
	Point   types.AggregatedPoint
}

// Memory is an in-process Backend over go-memdb.
type Memory struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, errors.Wrap(err, "create memdb")
	}
	return &Memory{db: db}, nil
}

// Observations returns the observation side of the backend.
func (m *Memory) Observations() ObservationStore { return memoryObservations{m} }

// Rollups returns the roll-up side of the backend.
func (m *Memory) Rollups() RollupStore { return memoryRollups{m} }

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

type memoryObservations struct{ m *Memory }

func (s memoryObservations) AppendBatch(ctx context.Context, metric string, obs []types.Observation) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreError(types.OpAppend, metric, err)
	}

	txn := s.m.db.Txn(true)
	defer txn.Abort()

	for _, o := range obs {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		rec := &obsRecord{
			ID:      o.ID,
			Metric:  metric,
			TimeKey: timeKey(o.Timestamp) + fmt.Sprintf("%020d", s.m.seq.Inc()),
			Obs:     o,
		}
		if err := txn.Insert(observationsTable, rec); err != nil {
			return types.NewStoreError(types.OpAppend, metric, err)
		}
	}
	txn.Commit()
	return nil
}

func (s memoryObservations) QueryRange(ctx context.Context, metric string, start, end time.Time, f Filter) ([]types.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}

	txn := s.m.db.Txn(false)
	it, err := txn.LowerBound(observationsTable, metricTimeIndex, metric, timeKey(start))
	if err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}

	var out []types.Observation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*obsRecord)
		if rec.Metric != metric || !rec.Obs.Timestamp.Before(end) {
			break
		}
		if f.Match(rec.Obs) {
			out = append(out, rec.Obs)
		}
	}
	return out, nil
}

func (s memoryObservations) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.NewStoreError(types.OpDelete, metric, err)
	}

	txn := s.m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.LowerBound(observationsTable, metricTimeIndex, metric, "")
	if err != nil {
		return 0, types.NewStoreError(types.OpDelete, metric, err)
	}
	// Collect first: memdb iterators must not observe their own deletes.
	var victims []*obsRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*obsRecord)
		if rec.Metric != metric || !rec.Obs.Timestamp.Before(cutoff) {
			break
		}
		victims = append(victims, rec)
		if limit > 0 && len(victims) >= limit {
			break
		}
	}
	for _, rec := range victims {
		if err := txn.Delete(observationsTable, rec); err != nil {
			return 0, types.NewStoreError(types.OpDelete, metric, err)
		}
	}
	txn.Commit()
	return len(victims), nil
}

type memoryRollups struct{ m *Memory }

func (s memoryRollups) Put(ctx context.Context, p types.AggregatedPoint) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreError(types.OpPut, p.MetricName, err)
	}

	txn := s.m.db.Txn(true)
	defer txn.Abort()

	rec := &rollupRecord{
		Key:     rollupKey(p),
		Metric:  p.MetricName,
		TimeKey: timeKey(p.WindowStart),
		Point:   p,
	}
	if err := txn.Insert(rollupsTable, rec); err != nil {
		return types.NewStoreError(types.OpPut, p.MetricName, err)
	}
	txn.Commit()
	return nil
}

func (s memoryRollups) QueryRange(ctx context.Context, metric string, method types.AggregationMethod, window time.Duration, start, end time.Time) ([]types.AggregatedPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}

	txn := s.m.db.Txn(false)
	it, err := txn.LowerBound(rollupsTable, metricTimeIndex, metric, timeKey(start))
	if err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}

	var out []types.AggregatedPoint
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*rollupRecord)
		if rec.Metric != metric || !rec.Point.WindowStart.Before(end) {
			break
		}
		if rec.Point.Method == method && rec.Point.WindowSize == window {
			out = append(out, rec.Point)
		}
	}
	return out, nil
}

func (s memoryRollups) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.NewStoreError(types.OpDelete, metric, err)
	}

	txn := s.m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.LowerBound(rollupsTable, metricTimeIndex, metric, "")
	if err != nil {
		return 0, types.NewStoreError(types.OpDelete, metric, err)
	}
	var victims []*rollupRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*rollupRecord)
		if rec.Metric != metric || !rec.Point.WindowStart.Before(cutoff) {
			break
		}
		victims = append(victims, rec)
		if limit > 0 && len(victims) >= limit {
			break
		}
	}
	for _, rec := range victims {
		if err := txn.Delete(rollupsTable, rec); err != nil {
			return 0, types.NewStoreError(types.OpDelete, metric, err)
		}
	}
	txn.Commit()
	return len(victims), nil
}

// timeKey encodes t as a fixed-width decimal string whose byte order
// matches chronological order.
func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", encodeTime(t))
}

func rollupKey(p types.AggregatedPoint) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d", p.MetricName, p.Method, int64(p.WindowSize), p.WindowStart.UnixNano())
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			observationsTable: {
				Name: observationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					metricTimeIndex: {
						Name:   metricTimeIndex,
						Unique: false,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Metric"},
								&memdb.StringFieldIndex{Field: "TimeKey"},
							},
						},
					},
				},
			},
			rollupsTable: {
				Name: rollupsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					metricTimeIndex: {
						Name:   metricTimeIndex,
						Unique: false,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Metric"},
								&memdb.StringFieldIndex{Field: "TimeKey"},
							},
						},
					},
				},
			},
		},
	}
}
