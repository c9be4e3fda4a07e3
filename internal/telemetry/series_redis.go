package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Interface guard
var _ SeriesStore = (*RedisStore)(nil)

// RedisStore keeps each series in a sorted set scored by unix nanoseconds.
// Members are "<unix_nano>:<value>" so equal values at different times stay distinct.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	maxPoints int
}

func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration, maxPoints int) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, retention: retention, maxPoints: maxPoints}
}

func (r *RedisStore) key(name string) string { return r.prefix + name }
func (r *RedisStore) namesKey() string       { return r.prefix + "__names" }

func (r *RedisStore) Append(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	members := make([]redis.Z, len(points))
	for i, p := range points {
		members[i] = redis.Z{Score: float64(p.Timestamp.UnixNano()), Member: encodePoint(p)}
	}

	key := r.key(name)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, members...)
		pipe.SAdd(ctx, r.namesKey(), name)
		if r.retention > 0 {
			cutoff := time.Now().Add(-r.retention).UnixNano()
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		if r.maxPoints > 0 {
			pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.maxPoints-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis series %s: append: %w", name, err)
	}
	return nil
}

func (r *RedisStore) Range(ctx context.Context, name string, from, to time.Time) ([]Point, error) {
	lo, hi := "-inf", "+inf"
	if !from.IsZero() {
		lo = strconv.FormatInt(from.UnixNano(), 10)
	}
	if !to.IsZero() {
		hi = strconv.FormatInt(to.UnixNano(), 10)
	}

	raw, err := r.client.ZRangeByScore(ctx, r.key(name), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis series %s: range: %w", name, err)
	}
	out := make([]Point, 0, len(raw))
	for _, m := range raw {
		p, err := decodePoint(m)
		if err != nil {
			return nil, fmt.Errorf("redis series %s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis series: names: %w", err)
	}
	return names, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func encodePoint(p Point) string {
	return strconv.FormatInt(p.Timestamp.UnixNano(), 10) + ":" + strconv.FormatFloat(p.Value, 'g', -1, 64)
}

func decodePoint(s string) (Point, error) {
	ts, val, ok := strings.Cut(s, ":")
	if !ok {
		return Point{}, fmt.Errorf("malformed point %q", s)
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("malformed point %q: %w", s, err)
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return Point{}, fmt.Errorf("malformed point %q: %w", s, err)
	}
	return Point{Timestamp: time.Unix(0, ns), Value: v}, nil
}
