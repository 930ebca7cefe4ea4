// Package chaincache keeps a TTL snapshot of every order the ledger knows
// about. Concurrent misses share one fetch, and a failed refresh serves the
// previous snapshot instead of an error.
package chaincache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"ledgersync/pkg/models"
	"ledgersync/pkg/store"
	"ledgersync/pkg/telemetry"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultFetchTimeout = 20 * time.Second
	DefaultKey          = "orders"

	FreshWindow = 30 * time.Second
	ExpireAfter = 300 * time.Second
)

// Freshness labels.
const (
	FreshnessFresh   = "fresh"
	FreshnessStale   = "stale"
	FreshnessExpired = "expired"
	FreshnessEmpty   = "empty"
)

// Lookup outcomes reported to the Observer.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupShared   = "shared"
	LookupFallback = "fallback"
)

// Lister is the ledger read behind the cache.
type Lister interface {
	ListOrders(ctx context.Context) ([]models.ChainOrderRecord, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]models.ChainOrderRecord, error)

func (f ListerFunc) ListOrders(ctx context.Context) ([]models.ChainOrderRecord, error) { return f(ctx) }

// Observer receives cache metrics. *metrics.Registry satisfies it.
type Observer interface {
	IncCacheLookup(outcome string)
	IncCacheFetch(ok bool)
	SetCacheOrders(n int)
}

type nopObserver struct{}

func (nopObserver) IncCacheLookup(string) {}
func (nopObserver) IncCacheFetch(bool)    {}
func (nopObserver) SetCacheOrders(int)    {}

type Config struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Key          string
	// Shared, when set, receives a best-effort copy of every fetched
	// snapshot and seeds a process that has none yet.
	Shared   store.Cache
	Observer Observer
	Now      func() time.Time
}

// Result describes how a Get was served.
type Result struct {
	Hit       bool      `json:"hit"`
	Stale     bool      `json:"stale"`
	Fallback  bool      `json:"fallback"`
	Shared    bool      `json:"shared,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type Stats struct {
	OrderCount  int        `json:"orderCount"`
	CacheAgeMs  *int64     `json:"cacheAgeMs"`
	LastFetch   *time.Time `json:"lastFetch"`
	Hits        uint64     `json:"hits"`
	Misses      uint64     `json:"misses"`
	HitRate     float64    `json:"hitRate"`
	Fetches     uint64     `json:"fetches"`
	FetchErrors uint64     `json:"fetchErrors"`
	Freshness   string     `json:"freshness"`
	LastError   string     `json:"lastError,omitempty"`
}

type Cache struct {
	lister   Lister
	ttl      time.Duration
	timeout  time.Duration
	key      string
	shared   store.Cache
	observer Observer
	now      func() time.Time
	group    singleflight.Group

	mu          sync.Mutex
	value       []models.ChainOrderRecord
	has         bool
	fetchedAt   time.Time
	generation  uint64
	hits        uint64
	misses      uint64
	fetches     uint64
	fetchErrors uint64
	lastErr     string
}

func New(lister Lister, cfg Config) *Cache {
	c := &Cache{
		lister:   lister,
		ttl:      cfg.TTL,
		timeout:  cfg.FetchTimeout,
		key:      cfg.Key,
		shared:   cfg.Shared,
		observer: cfg.Observer,
		now:      cfg.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultFetchTimeout
	}
	if c.key == "" {
		c.key = DefaultKey
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// TTL reports the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the snapshot. With force=false a value younger than the TTL is
// served as a hit. Otherwise the caller joins, or starts, the single in-flight
// fetch for the cache key. A failed fetch falls back to the previous value.
func (c *Cache) Get(ctx context.Context, force bool) ([]models.ChainOrderRecord, Result, error) {
	c.mu.Lock()
	if c.has && !force && c.now().Sub(c.fetchedAt) < c.ttl {
		c.hits++
		out, res := c.snapshotLocked(), Result{Hit: true, FetchedAt: c.fetchedAt}
		c.mu.Unlock()
		c.observer.IncCacheLookup(LookupHit)
		return out, res, nil
	}
	c.misses++
	has := c.has
	c.mu.Unlock()

	if !has && !force {
		if out, res, ok := c.loadShared(ctx); ok {
			c.observer.IncCacheLookup(LookupShared)
			return out, res, nil
		}
	}
	c.observer.IncCacheLookup(LookupMiss)

	// The fetch outlives the caller that started it so joined waiters are
	// not cancelled with it.
	ch := c.group.DoChan(c.key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, Result{}, ctx.Err()
	case r = <-ch:
	}

	if r.Err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.has {
			return nil, Result{}, r.Err
		}
		log.Printf("chaincache: refresh failed, serving snapshot from %s: %v", c.fetchedAt.UTC().Format(time.RFC3339), r.Err)
		c.observer.IncCacheLookup(LookupFallback)
		return c.snapshotLocked(), Result{Stale: true, Fallback: true, FetchedAt: c.fetchedAt}, nil
	}
	f := r.Val.(fetched)
	out := make([]models.ChainOrderRecord, len(f.orders))
	copy(out, f.orders)
	return out, Result{FetchedAt: f.at}, nil
}

type fetched struct {
	orders []models.ChainOrderRecord
	at     time.Time
}

func (c *Cache) fetch(ctx context.Context) (_ fetched, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chaincache.fetch", attribute.String("cache.key", c.key))
	defer func() { telemetry.EndSpan(span, err) }()

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	orders, err := c.lister.ListOrders(ctx)
	c.observer.IncCacheFetch(err == nil)
	c.mu.Lock()
	c.fetches++
	if err != nil {
		c.fetchErrors++
		c.lastErr = err.Error()
		c.mu.Unlock()
		return fetched{}, fmt.Errorf("fetch ledger orders: %w", err)
	}
	at := c.now()
	if gen == c.generation {
		c.value, c.has, c.fetchedAt, c.lastErr = orders, true, at, ""
	}
	c.mu.Unlock()
	c.observer.SetCacheOrders(len(orders))
	span.SetAttributes(attribute.Int("orders", len(orders)))
	c.storeShared(ctx, orders, at)
	return fetched{orders: orders, at: at}, nil
}

// Clear drops the snapshot. A fetch already in flight when Clear runs does
// not repopulate the cache.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.value, c.has, c.fetchedAt = nil, false, time.Time{}
	c.generation++
	c.mu.Unlock()
	c.observer.SetCacheOrders(0)
	if c.shared != nil {
		if err := c.shared.Del(ctx, c.sharedKey()); err != nil {
			log.Printf("chaincache: clear shared snapshot: %v", err)
		}
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		OrderCount:  len(c.value),
		Hits:        c.hits,
		Misses:      c.misses,
		Fetches:     c.fetches,
		FetchErrors: c.fetchErrors,
		LastError:   c.lastErr,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.has {
		age := c.now().Sub(c.fetchedAt)
		ms := age.Milliseconds()
		at := c.fetchedAt
		s.CacheAgeMs, s.LastFetch = &ms, &at
		s.Freshness = Freshness(age, true)
	} else {
		s.Freshness = Freshness(0, false)
	}
	return s
}

// Freshness classifies a snapshot age: below 30s fresh, below 300s stale,
// otherwise expired. Without a value it is empty.
func Freshness(age time.Duration, has bool) string {
	switch {
	case !has:
		return FreshnessEmpty
	case age < FreshWindow:
		return FreshnessFresh
	case age < ExpireAfter:
		return FreshnessStale
	default:
		return FreshnessExpired
	}
}

// CountByStatus breaks a snapshot down by lifecycle name.
func CountByStatus(orders []models.ChainOrderRecord) map[string]int {
	out := map[string]int{}
	for _, o := range orders {
		out[models.ChainStatusName(o.Status)]++
	}
	return out
}

func (c *Cache) snapshotLocked() []models.ChainOrderRecord {
	out := make([]models.ChainOrderRecord, len(c.value))
	copy(out, c.value)
	return out
}

type sharedSnapshot struct {
	FetchedAtMs int64                     `json:"fetchedAtMs"`
	Orders      []models.ChainOrderRecord `json:"orders"`
}

func (c *Cache) sharedKey() string { return "chaincache:" + c.key }

func (c *Cache) storeShared(ctx context.Context, orders []models.ChainOrderRecord, at time.Time) {
	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(sharedSnapshot{FetchedAtMs: at.UnixMilli(), Orders: orders})
	if err == nil {
		err = c.shared.Set(ctx, c.sharedKey(), string(raw), ExpireAfter)
	}
	if err != nil {
		log.Printf("chaincache: write shared snapshot: %v", err)
	}
}

// loadShared adopts a snapshot another instance wrote if it is still within
// the TTL.
func (c *Cache) loadShared(ctx context.Context) ([]models.ChainOrderRecord, Result, bool) {
	if c.shared == nil {
		return nil, Result{}, false
	}
	raw, err := c.shared.Get(ctx, c.sharedKey())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("chaincache: read shared snapshot: %v", err)
		}
		return nil, Result{}, false
	}
	var snap sharedSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("chaincache: decode shared snapshot: %v", err)
		return nil, Result{}, false
	}
	at := time.UnixMilli(snap.FetchedAtMs)
	if c.now().Sub(at) >= c.ttl {
		return nil, Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		c.value, c.has, c.fetchedAt = snap.Orders, true, at
	}
	return c.snapshotLocked(), Result{Hit: true, Shared: true, FetchedAt: c.fetchedAt}, true
}
