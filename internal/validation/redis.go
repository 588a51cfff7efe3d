package validation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares validation answers between runs and processes. Entries
// expire after ttl, which bounds how stale a shared answer can be. Keys are
// prefix+key, so prefix carries its own separator ("campaign:mx:").
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) Get(ctx context.Context, key string) (bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrCacheMiss
		}
		return false, err
	}
	return v == "1", nil
}

func (c *RedisCache) Add(ctx context.Context, key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return c.client.SetNX(ctx, c.key(key), v, c.ttl).Err()
}

var _ Cache = (*RedisCache)(nil)
var _ Cache = (*MemoryCache)(nil)
