package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/quota-engine/pkg/cache"
)

// RedisStore keeps records in Redis. Expiry is delegated to Redis itself.
type RedisStore struct {
	cache *cache.Cache
}

// NewRedisStore wraps an already connected cache.
func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.cache.GetBytes(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.cache.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Health(ctx context.Context) error {
	return r.cache.Health(ctx)
}

func (r *RedisStore) Close() error {
	return r.cache.Close()
}
