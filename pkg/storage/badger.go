package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Key prefixes of the badger keyspace.
const (
	observationPrefix = "o/"
	rollupPrefix      = "r/"
)

// Badger is a Backend persisting to BadgerDB.
//
// Observation keys are o/<metric>\x00<time><id> and roll-up keys are
// r/<metric>\x00<window start><method>\x00<window size>, so a range scan
// over a metric prefix yields records in time order. Values are JSON
// compressed with zstd.
type Badger struct {
	db         *badger.DB
	compressor *Compressor
	lg         *zap.Logger
}

var _ Backend = (*Badger)(nil)

// NewBadger opens (or creates) a badger database under cfg.Path.
func NewBadger(cfg *Config, lg *zap.Logger) (*Badger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	lg = lg.Named("badger")

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = badgerLogger{lg.Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open BadgerDB")
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create compressor")
	}

	return &Badger{
		db:         db,
		compressor: compressor,
		lg:         lg,
	}, nil
}

// Observations returns the observation side of the backend.
func (b *Badger) Observations() ObservationStore { return badgerObservations{b} }

// Rollups returns the roll-up side of the backend.
func (b *Badger) Rollups() RollupStore { return badgerRollups{b} }

// Close implements io.Closer.
func (b *Badger) Close() error {
	b.compressor.Close()
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

type badgerObservations struct{ b *Badger }

func (s badgerObservations) AppendBatch(ctx context.Context, metric string, obs []types.Observation) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreError(types.OpAppend, metric, err)
	}

	// Keys are derived from the observation, so a retried batch overwrites
	// what a failed attempt managed to write.
	wb := s.b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, o := range obs {
		payload, err := s.b.compressor.Marshal(o)
		if err != nil {
			return types.NewStoreError(types.OpAppend, metric, err)
		}
		if err := wb.Set(observationKey(metric, o.Timestamp, o.ID), payload); err != nil {
			return types.NewStoreError(types.OpAppend, metric, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return types.NewStoreError(types.OpAppend, metric, err)
	}
	return nil
}

func (s badgerObservations) QueryRange(ctx context.Context, metric string, start, end time.Time, f Filter) ([]types.Observation, error) {
	prefix := metricPrefix(observationPrefix, metric)

	var out []types.Observation
	err := s.b.scan(ctx, prefix, timeBound(prefix, start), timeBound(prefix, end), func(_ []byte, val []byte) error {
		var o types.Observation
		if err := s.b.compressor.Unmarshal(val, &o); err != nil {
			return err
		}
		if f.Match(o) {
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}
	return out, nil
}

func (s badgerObservations) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	n, err := s.b.deleteRange(ctx, metricPrefix(observationPrefix, metric), cutoff, limit)
	if err != nil {
		return n, types.NewStoreError(types.OpDelete, metric, err)
	}
	return n, nil
}

type badgerRollups struct{ b *Badger }

func (s badgerRollups) Put(ctx context.Context, p types.AggregatedPoint) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreError(types.OpPut, p.MetricName, err)
	}

	payload, err := s.b.compressor.Marshal(p)
	if err != nil {
		return types.NewStoreError(types.OpPut, p.MetricName, err)
	}
	err = s.b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rollupStorageKey(p), payload)
	})
	return types.NewStoreError(types.OpPut, p.MetricName, err)
}

func (s badgerRollups) QueryRange(ctx context.Context, metric string, method types.AggregationMethod, window time.Duration, start, end time.Time) ([]types.AggregatedPoint, error) {
	prefix := metricPrefix(rollupPrefix, metric)

	var out []types.AggregatedPoint
	err := s.b.scan(ctx, prefix, timeBound(prefix, start), timeBound(prefix, end), func(_ []byte, val []byte) error {
		var p types.AggregatedPoint
		if err := s.b.compressor.Unmarshal(val, &p); err != nil {
			return err
		}
		if p.Method == method && p.WindowSize == window {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}
	return out, nil
}

func (s badgerRollups) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	n, err := s.b.deleteRange(ctx, metricPrefix(rollupPrefix, metric), cutoff, limit)
	if err != nil {
		return n, types.NewStoreError(types.OpDelete, metric, err)
	}
	return n, nil
}

// scan calls fn for every key in [from, to) under prefix.
func (b *Badger) scan(ctx context.Context, prefix, from, to []byte, fn func(key, val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(from); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if bytes.Compare(item.Key(), to) >= 0 {
				break
			}
			err := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteRange removes at most limit keys under prefix older than cutoff.
func (b *Badger) deleteRange(ctx context.Context, prefix []byte, cutoff time.Time, limit int) (int, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		to := timeBound(prefix, cutoff)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if bytes.Compare(key, to) >= 0 {
				break
			}
			keys = append(keys, key)
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func metricPrefix(kind, metric string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(kind)
	buf.WriteString(metric)
	buf.WriteByte(0)
	return buf.Bytes()
}

// timeBound returns prefix followed by the order-preserving encoding of t.
func timeBound(prefix []byte, t time.Time) []byte {
	buf := bytes.NewBuffer(append([]byte(nil), prefix...))
	_ = binary.Write(buf, binary.BigEndian, encodeTime(t))
	return buf.Bytes()
}

func observationKey(metric string, ts time.Time, id string) []byte {
	key := timeBound(metricPrefix(observationPrefix, metric), ts)
	return append(key, id...)
}

func rollupStorageKey(p types.AggregatedPoint) []byte {
	buf := bytes.NewBuffer(timeBound(metricPrefix(rollupPrefix, p.MetricName), p.WindowStart))
	buf.WriteString(string(p.Method))
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, int64(p.WindowSize))
	return buf.Bytes()
}

// encodeTime flips the sign bit so that big-endian byte order matches
// chronological order for negative Unix times too.
func encodeTime(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

// badgerLogger routes badger's logs to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
