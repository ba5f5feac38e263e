package auth

import (
	"sync"
	"time"
)

// TokenExpiryBuffer is how long before expiry a cached token is refreshed.
const TokenExpiryBuffer = 60 * time.Second

type TokenCache struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (tc *TokenCache) IsValid(now time.Time) bool {
	if tc == nil || tc.Token == "" {
		return false
	}
	return now.Add(TokenExpiryBuffer).Before(tc.ExpiresAt)
}

// memoryTokenCache holds the single service token of a gate agent.
type memoryTokenCache struct {
	mu    sync.Mutex
	entry *TokenCache
}

func (c *memoryTokenCache) get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.entry.IsValid(now) {
		return "", false
	}
	return c.entry.Token, true
}

func (c *memoryTokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &TokenCache{Token: token, ExpiresAt: expiresAt}
}
