package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// AddressKey scopes a counter to one signed-request intent and the
// authenticated address. Addresses compare case-insensitively.
func AddressKey(scope, address string) string {
	return strings.TrimSpace(scope) + ":" + strings.ToLower(strings.TrimSpace(address))
}

// WriteHeaders exposes the decision to clients.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		retry := time.Until(d.ResetAt).Round(time.Second)
		if retry < time.Second {
			retry = time.Second
		}
		h.Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
	}
}

// InMemoryLimiter is process-local. It backs the Redis limiter during outages
// and single-instance deployments.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	limit = floorLimit(limit)
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func floorLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
