package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const DefaultNonceTTL = 10 * time.Minute

// NonceStore records (address, nonce) pairs exactly once. A record is never
// updated; it disappears only when its TTL lapses.
type NonceStore struct {
	Cache  Cache
	TTL    time.Duration
	Prefix string
	Now    func() time.Time
}

func NewNonceStore(cache Cache, ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceStore{Cache: cache, TTL: ttl, Prefix: "nonce:", Now: time.Now}
}

// Consume returns true for the first caller presenting (address, nonce)
// within the TTL window and false for every later one.
func (n *NonceStore) Consume(ctx context.Context, address, nonce string) (bool, error) {
	if n == nil || n.Cache == nil {
		return false, errors.New("nonce store not configured")
	}
	address = strings.ToLower(strings.TrimSpace(address))
	nonce = strings.TrimSpace(nonce)
	if address == "" || nonce == "" {
		return false, errors.New("address and nonce required")
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return n.Cache.ConsumeOnce(ctx, n.key(address, nonce), strconv.FormatInt(now().UnixMilli(), 10), n.TTL)
}

func (n *NonceStore) key(address, nonce string) string {
	prefix := n.Prefix
	if prefix == "" {
		prefix = "nonce:"
	}
	return prefix + address + ":" + nonce
}
