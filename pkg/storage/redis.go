package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Redis is a Backend over Redis sorted sets.
//
// Members are JSON records scored by Unix microseconds. Scores only narrow
// the scan; exact half-open bounds are applied to decoded timestamps.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Backend = (*Redis)(nil)

// NewRedis connects to the configured server and verifies it answers.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return NewRedisFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "metricpipe"
	}
	return &Redis{client: client, prefix: prefix}
}

// Observations returns the observation side of the backend.
func (r *Redis) Observations() ObservationStore { return redisObservations{r} }

// Rollups returns the roll-up side of the backend.
func (r *Redis) Rollups() RollupStore { return redisRollups{r} }

// Close implements io.Closer.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) observationsKey(metric string) string {
	return r.prefix + ":obs:" + metric
}

func (r *Redis) rollupsKey(metric string, method types.AggregationMethod, window time.Duration) string {
	return r.prefix + ":rollup:" + metric + ":" + string(method) + ":" + strconv.FormatInt(int64(window), 10)
}

func (r *Redis) rollupIndexKey(metric string) string {
	return r.prefix + ":rollup-keys:" + metric
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// scoreRange returns a score interval covering [start, end).
func scoreRange(start, end time.Time) *redis.ZRangeBy {
	return &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMicro(), 10),
		Max: strconv.FormatInt(end.UnixMicro()+1, 10),
	}
}

type redisObservations struct{ r *Redis }

func (s redisObservations) AppendBatch(ctx context.Context, metric string, obs []types.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(obs))
	for _, o := range obs {
		data, err := json.Marshal(o)
		if err != nil {
			return types.NewStoreError(types.OpAppend, metric, err)
		}
		members = append(members, redis.Z{Score: score(o.Timestamp), Member: string(data)})
	}
	err := s.r.client.ZAdd(ctx, s.r.observationsKey(metric), members...).Err()
	return types.NewStoreError(types.OpAppend, metric, err)
}

func (s redisObservations) QueryRange(ctx context.Context, metric string, start, end time.Time, f Filter) ([]types.Observation, error) {
	raw, err := s.r.client.ZRangeByScore(ctx, s.r.observationsKey(metric), scoreRange(start, end)).Result()
	if err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}

	var out []types.Observation
	for _, m := range raw {
		var o types.Observation
		if err := json.Unmarshal([]byte(m), &o); err != nil {
			return nil, types.NewStoreError(types.OpQuery, metric, err)
		}
		if inRange(o.Timestamp, start, end) && f.Match(o) {
			out = append(out, o)
		}
	}
	sortObservations(out)
	return out, nil
}

func (s redisObservations) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	n, err := s.r.deleteOlder(ctx, s.r.observationsKey(metric), cutoff, limit, func(m string) (time.Time, error) {
		var o types.Observation
		err := json.Unmarshal([]byte(m), &o)
		return o.Timestamp, err
	})
	return n, types.NewStoreError(types.OpDelete, metric, err)
}

type redisRollups struct{ r *Redis }

func (s redisRollups) Put(ctx context.Context, p types.AggregatedPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return types.NewStoreError(types.OpPut, p.MetricName, err)
	}
	key := s.r.rollupsKey(p.MetricName, p.Method, p.WindowSize)
	at := strconv.FormatInt(p.WindowStart.UnixMicro(), 10)

	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, at, at)
		pipe.ZAdd(ctx, key, redis.Z{Score: score(p.WindowStart), Member: string(data)})
		pipe.SAdd(ctx, s.r.rollupIndexKey(p.MetricName), key)
		return nil
	})
	return types.NewStoreError(types.OpPut, p.MetricName, err)
}

func (s redisRollups) QueryRange(ctx context.Context, metric string, method types.AggregationMethod, window time.Duration, start, end time.Time) ([]types.AggregatedPoint, error) {
	raw, err := s.r.client.ZRangeByScore(ctx, s.r.rollupsKey(metric, method, window), scoreRange(start, end)).Result()
	if err != nil {
		return nil, types.NewStoreError(types.OpQuery, metric, err)
	}

	var out []types.AggregatedPoint
	for _, m := range raw {
		var p types.AggregatedPoint
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			return nil, types.NewStoreError(types.OpQuery, metric, err)
		}
		if inRange(p.WindowStart, start, end) {
			out = append(out, p)
		}
	}
	sortPoints(out)
	return out, nil
}

func (s redisRollups) DeleteOlderThan(ctx context.Context, metric string, cutoff time.Time, limit int) (int, error) {
	keys, err := s.r.client.SMembers(ctx, s.r.rollupIndexKey(metric)).Result()
	if err != nil {
		return 0, types.NewStoreError(types.OpDelete, metric, err)
	}

	decode := func(m string) (time.Time, error) {
		var p types.AggregatedPoint
		err := json.Unmarshal([]byte(m), &p)
		return p.WindowStart, err
	}

	var total int
	for _, key := range keys {
		remaining := 0
		if limit > 0 {
			remaining = limit - total
			if remaining <= 0 {
				break
			}
		}
		n, err := s.r.deleteOlder(ctx, key, cutoff, remaining, decode)
		total += n
		if err != nil {
			return total, types.NewStoreError(types.OpDelete, metric, err)
		}
	}
	return total, nil
}

// deleteOlder removes up to limit members of key whose decoded time is
// before cutoff.
func (r *Redis) deleteOlder(ctx context.Context, key string, cutoff time.Time, limit int, decode func(string) (time.Time, error)) (int, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMicro(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	raw, err := r.client.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return 0, err
	}

	victims := make([]any, 0, len(raw))
	for _, m := range raw {
		ts, err := decode(m)
		if err != nil {
			return 0, err
		}
		if ts.Before(cutoff) {
			victims = append(victims, m)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	n, err := r.client.ZRem(ctx, key, victims...).Result()
	return int(n), err
}
