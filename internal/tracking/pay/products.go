package pay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ProductCache remembers product hashes per plan and price.
type ProductCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, hash string) error
}

func productKey(plan string, amount decimal.Decimal) string {
	return strings.ToLower(strings.TrimSpace(plan)) + ":" + amount.StringFixed(2)
}

// RedisProductCache stores hashes under tribopay:product:{plan}:{amount}.
type RedisProductCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisProductCache(rdb *redis.Client, ttl time.Duration) *RedisProductCache {
	return &RedisProductCache{rdb: rdb, ttl: ttl}
}

func (c *RedisProductCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.rdb.Get(ctx, "tribopay:product:"+key).Result()
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (c *RedisProductCache) Set(ctx context.Context, key, hash string) error {
	return c.rdb.Set(ctx, "tribopay:product:"+key, hash, c.ttl).Err()
}

// MemoryProductCache is an in-process ProductCache.
type MemoryProductCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryProductCache() *MemoryProductCache {
	return &MemoryProductCache{m: make(map[string]string)}
}

func (c *MemoryProductCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *MemoryProductCache) Set(ctx context.Context, key, hash string) error {
	c.mu.Lock()
	c.m[key] = hash
	c.mu.Unlock()
	return nil
}
