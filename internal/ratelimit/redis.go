package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps windows in Redis sorted sets so several gateway
// instances can share one limit budget.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend creates a backend over an existing Redis client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "keygate:rl:"
	}
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (r *RedisBackend) SetClock(now func() time.Time) { r.now = now }

// Hit implements Backend. Each window is a sorted set scored by hit time in
// nanoseconds; expired members are trimmed before counting.
func (r *RedisBackend) Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	fullKey := r.prefix + key
	now := r.now()
	cutoff := now.Add(-window).UnixNano()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	current := int(card.Val())
	if current >= limit {
		return Decision{Allowed: false, Current: current, Limit: limit}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = r.client.Pipeline()
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, fullKey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}
	current++

	return Decision{
		Allowed:   true,
		Current:   current,
		Limit:     limit,
		Remaining: max(0, limit-current),
	}, nil
}
