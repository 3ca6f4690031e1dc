package devserver

import (
	"sync"
	"time"
)

// RevokedTokenCache remembers logged out bearer tokens by jti until they
// would have expired anyway.
type RevokedTokenCache interface {
	Add(jti string, exp time.Time) error
	IsRevoked(jti string) bool
	Cleanup(now time.Time)
}

var _ RevokedTokenCache = (*InMemoryRevokedTokenCache)(nil)

type InMemoryRevokedTokenCache struct {
	revoked map[string]time.Time
	mu      sync.RWMutex
}

func NewInMemoryRevokedTokenCache() *InMemoryRevokedTokenCache {
	return &InMemoryRevokedTokenCache{
		revoked: make(map[string]time.Time),
	}
}

func (c *InMemoryRevokedTokenCache) Add(jti string, exp time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[jti] = exp
	return nil
}

func (c *InMemoryRevokedTokenCache) IsRevoked(jti string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.revoked[jti]
	return exists
}

// Cleanup removes entries whose token has expired.
func (c *InMemoryRevokedTokenCache) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for jti, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, jti)
		}
	}
}

// resetToken is an outstanding password reset.
type resetToken struct {
	token     string
	expiresAt time.Time
}

// resetTokens holds at most one outstanding reset per label.
type resetTokens struct {
	tokens map[string]resetToken
	mu     sync.Mutex
}

func newResetTokens() *resetTokens {
	return &resetTokens{tokens: make(map[string]resetToken)}
}

func (r *resetTokens) issue(label, token string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[label] = resetToken{token: token, expiresAt: expiresAt}
}

// consume reports whether token is the live reset token for label and
// invalidates it when it is.
func (r *resetTokens) consume(label, token string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[label]
	if !ok || t.token != token || !now.Before(t.expiresAt) {
		return false
	}
	delete(r.tokens, label)
	return true
}
