package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the key-value store shared by the nonce guard, the rate limiter
// fallback and the ledger snapshot. ConsumeOnce is the atomic
// set-if-not-exists-with-TTL primitive.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	ConsumeOnce(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// RedisCache is atomic across every process that shares the Redis instance.
type RedisCache struct{ client *redis.Client }

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisCache) ConsumeOnce(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// MemoryCache is an in-process TTL map. ConsumeOnce is atomic only within
// this process: two instances behind a load balancer each keep their own map,
// so it is only correct for single-instance or dev deployments.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) ConsumeOnce(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

// Len reports live entries; used by tests and the dev status endpoint.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	return len(m.items)
}

func (m *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryCache) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache uses Redis when the client answers a ping, otherwise falls back to
// the process-local map.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client)
		}
		log.Printf("redis ping failed, using in-memory cache")
	}
	return NewMemoryCache()
}

// IsShared reports whether c gives cross-instance guarantees.
func IsShared(c Cache) bool {
	_, ok := c.(*RedisCache)
	return ok
}
