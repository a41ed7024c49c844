package cache

import (
	"context"
	"errors"
	"time"

	redis_db "github.com/courierhq/courier/internal/redis-db"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache provides the shared key/value store used for idempotency markers.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, data interface{}) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

const localCacheSize = 64000

// RedisCache layers a short-lived local TinyLFU tier over Redis. A stale
// local miss is harmless here: the idempotency lock still gates duplicate
// processing, the local tier only short-circuits obvious repeats.
type RedisCache struct {
	cache *cache.Cache
}

// NewCache builds a RedisCache from a Redis connection string.
func NewCache(redisDNS string) (Cache, error) {
	client, err := redis_db.NewRedisClient([]string{redisDNS})
	if err != nil {
		return nil, err
	}
	return NewCacheFromClient(client.Client()), nil
}

// NewCacheFromClient wraps an existing Redis client, so callers sharing one
// connection with the lock and broker do not open another.
func NewCacheFromClient(client redis.UniversalClient) Cache {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localCacheSize, time.Minute),
	})
	return &RedisCache{cache: c}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Exists reports whether key holds a live value.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	var ignored interface{}
	err := r.cache.Get(ctx, key, &ignored)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}
