package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements Counter with INCR plus EXPIRE NX in one
// MULTI/EXEC, so the expiry is set exactly once per key.
type RedisCounter struct {
	client *redis.Client
	owned  bool
}

// NewRedisCounter wraps an existing client. Close does not close it.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// DialRedisCounter connects to the Redis server at url (redis:// form) and
// verifies the connection.
func DialRedisCounter(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &RedisCounter{client: client, owned: true}, nil
}

// Incr increments key and returns the new value.
func (r *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.ExpireNX(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Close closes the client if the counter dialed it.
func (r *RedisCounter) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
