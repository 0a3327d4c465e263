package conn

import (
	"context"
	"sync"
	"time"
)

// FedAuthTokenCache wraps a raw TokenProvider so that many connections
// (and many Dial retries on the same connection) can share one Azure AD
// token acquisition instead of calling the provider on every handshake.
// Invalidate discards the cached value; the next call through Provider
// acquires a fresh token.
type FedAuthTokenCache struct {
	mu       sync.Mutex
	acquire  TokenProvider
	token    string
	cachedAt time.Time
	valid    bool
}

// NewFedAuthTokenCache wraps acquire with a cache. acquire is only called
// when the cache is empty or has been invalidated.
func NewFedAuthTokenCache(acquire TokenProvider) *FedAuthTokenCache {
	return &FedAuthTokenCache{acquire: acquire}
}

// Provider returns a TokenProvider suitable for Config.TokenProvider that
// reads from (and fills) this cache.
func (c *FedAuthTokenCache) Provider() TokenProvider {
	return func(ctx context.Context) (string, error) {
		c.mu.Lock()
		if c.valid {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()

		tok, err := c.acquire(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = tok
		c.cachedAt = time.Now()
		c.valid = true
		c.mu.Unlock()
		return tok, nil
	}
}

// Invalidate discards the cached token. Config.InvalidateToken should be
// set to this method when FedAuthTokenCache is in use, so a rejected
// token can be evicted before the one allowed retry.
func (c *FedAuthTokenCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.token = ""
	c.mu.Unlock()
}
