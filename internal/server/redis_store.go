package server

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisCounterStore keeps the shared webhook rate counters in Redis so
// every replica draws from the same per-IP budget.
type redisCounterStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisCounterStore(addr, password string, timeout time.Duration) *redisCounterStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})
	return &redisCounterStore{client: client, timeout: timeout}
}

// Increment bumps the counter for key and returns the new value. The TTL
// is attached on the first increment of each window; a counter that lost
// its TTL gets one reapplied so stale keys cannot pin an IP forever.
func (s *redisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
		return count, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return count, err
	}
	if ttl < 0 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *redisCounterStore) Close() error {
	return s.client.Close()
}
