package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps window counters in redis so multiple dispatcher
// instances share one admission budget. Keys expire at the window boundary,
// so garbage collection is redis's problem.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a redis-backed window store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Count returns the current count for a window key.
func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

// Increment adds one to each key in a single pipeline, expiring the keys at
// the window boundary.
func (s *RedisStore) Increment(ctx context.Context, keys []string, expiresAt time.Time) error {
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, expiresAt)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}
