package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps failures in a sorted set scored by unix milliseconds, so
// every server process sharing the Redis instance sees the same counts.
type RedisWindow struct {
	client    redis.UniversalClient
	keyPrefix string
	max       int
	window    time.Duration
	now       func() time.Time
}

// NewRedisWindow returns a Redis-backed limiter. Keys are stored under keyPrefix.
func NewRedisWindow(client redis.UniversalClient, keyPrefix string, limit int, window time.Duration) *RedisWindow {
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisWindow{
		client:    client,
		keyPrefix: keyPrefix,
		max:       limit,
		window:    window,
		now:       time.Now,
	}
}

func (r *RedisWindow) key(key string) string {
	return r.keyPrefix + key
}

func (r *RedisWindow) cutoff() string {
	return strconv.FormatInt(r.now().Add(-r.window).UnixMilli(), 10)
}

// Exceeded trims expired failures and compares the remaining count to max.
func (r *RedisWindow) Exceeded(ctx context.Context, key string) (bool, error) {
	redisKey := r.key(key)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", r.cutoff())
	card := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("check attempts: %w", err)
	}
	return card.Val() >= int64(r.max), nil
}

// Fail adds a failure and refreshes the key's expiry to the window length.
func (r *RedisWindow) Fail(ctx context.Context, key string) error {
	redisKey := r.key(key)
	now := r.now()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", r.cutoff())
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	pipe.PExpire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Reset deletes the key.
func (r *RedisWindow) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}
