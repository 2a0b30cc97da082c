// Package auth caches Azure OAuth2 access tokens for the ingestion sink.
// In-memory; restart clears state.
package auth

import (
	"context"
	"sync"
	"time"
)

// expiryMargin is subtracted from the server-reported expiry so a token is
// never presented within a minute of dying.
const expiryMargin = 60 * time.Second

// Token is an access token and the instant it stops being usable.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Fetcher performs one token acquisition against the identity provider.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

// Cache hands out a valid token, refreshing on miss or expiry. Concurrent
// callers during a refresh coalesce onto the single in-flight request.
type Cache struct {
	fetcher Fetcher
	now     func() time.Time

	mu      sync.Mutex
	tok     Token
	pending chan struct{} // non-nil while a refresh is in flight
	lastErr error
}

// NewCache builds a Cache over the given fetcher.
func NewCache(fetcher Fetcher) *Cache {
	return &Cache{fetcher: fetcher, now: time.Now}
}

// Token returns a valid access token, fetching one when the cached token is
// missing or expired. The refresh runs outside the lock; waiters block on
// the shared in-flight channel or their own context.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.tok.Value != "" && c.now().Before(c.tok.ExpiresAt) {
		tok := c.tok.Value
		c.mu.Unlock()
		return tok, nil
	}
	if c.pending == nil {
		done := make(chan struct{})
		c.pending = done
		go c.refresh(done)
	}
	wait := c.pending
	c.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != nil {
		return "", c.lastErr
	}
	// A freshly fetched token is returned even when the server reported an
	// expiry of zero; it is simply not cached past this call, so the next
	// request refreshes again.
	return c.tok.Value, nil
}

// refresh runs detached from any caller so a canceled waiter does not kill
// the fetch for everyone else.
func (c *Cache) refresh(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, err := c.fetcher.Fetch(ctx)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
	} else {
		c.lastErr = nil
		c.tok = tok
	}
	c.pending = nil
	c.mu.Unlock()
	close(done)
}

// Invalidate discards the cached token; the next Token call refreshes.
// The sink calls this on a 401 response.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tok = Token{}
	c.mu.Unlock()
}
