package mpesa

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/wallet-core/internal/clock"
)

// FetchFunc obtains a fresh access token and its lifetime.
type FetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenCache holds one bearer token until it is within margin of expiry.
// Concurrent callers that find the cache stale share a single fetch.
type TokenCache struct {
	clock  clock.Clock
	margin time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func NewTokenCache(clk clock.Clock, margin time.Duration) *TokenCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TokenCache{clock: clk, margin: margin}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", false
	}
	if !c.clock.Now().Before(c.expiresAt.Add(-c.margin)) {
		return "", false
	}
	return c.token, true
}

// GetOrRefresh returns the cached token or calls fetch to replace it.
func (c *TokenCache) GetOrRefresh(ctx context.Context, fetch FetchFunc) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		tok, ttl, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiresAt = c.clock.Now().Add(ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
