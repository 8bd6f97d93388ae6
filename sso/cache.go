package sso

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultIdentityCacheSize is the capacity bound of the identity cache;
	// least-recently-used entries are evicted beyond it.
	DefaultIdentityCacheSize = 1000

	// DefaultIdentityCacheTTL bounds how long an exchanged identity stays
	// redeemable.  It must comfortably cover a user completing a secondary
	// authentication factor.
	DefaultIdentityCacheTTL = 10 * time.Minute
)

// identityCache holds exchanged identities keyed by authorization code until
// they are redeemed or expire.  Entries carry live provider secrets, so
// eviction (TTL, capacity or Take) is the only way out; nothing is ever
// persisted.
type identityCache struct {
	// mu serializes Take's lookup-and-remove; the underlying LRU is itself
	// safe for concurrent use
	mu      sync.Mutex
	entries *lru.LRU[string, *AuthenticatedUser]
}

func newIdentityCache(size int, ttl time.Duration) *identityCache {
	return &identityCache{
		entries: lru.NewLRU[string, *AuthenticatedUser](size, nil, ttl),
	}
}

// Get peeks at the identity cached under code without consuming it.
func (c *identityCache) Get(code string) (*AuthenticatedUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(code)
}

// Put caches the identity under code.
func (c *identityCache) Put(code string, user *AuthenticatedUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(code, user)
}

// Take atomically removes and returns the identity cached under code.  When
// two callers race on the same code at most one of them observes the
// identity.
func (c *identityCache) Take(code string) (*AuthenticatedUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.entries.Get(code)
	if !ok {
		return nil, false
	}
	c.entries.Remove(code)
	return user, true
}
