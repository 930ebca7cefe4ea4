package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across every syncd instance. When Redis is
// unreachable it degrades to Fallback, or allows the request when Fallback is nil.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
	}
}

// New returns a Redis-backed limiter when client is set and the in-memory
// limiter otherwise.
func New(client *redis.Client, window time.Duration) Limiter {
	if client == nil {
		return NewInMemory(window)
	}
	return NewRedis(client, window)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	limit = floorLimit(limit)
	if l.Client == nil {
		return l.degraded(ctx, key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.degraded(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degraded(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) degraded(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
