package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const (
	// verifierTTL matches the state TTL: a verifier older than the redirect
	// window is useless anyway.
	verifierTTL = 10 * time.Minute

	// verifierBytes is the entropy of a PKCE code verifier (RFC 7636 wants
	// at least 32 bytes).
	verifierBytes = 32

	// verifierGCThreshold bounds the cache before abandoned entries are
	// swept on the next write.
	verifierGCThreshold = 1024
)

type verifierEntry struct {
	verifier  string
	expiresAt time.Time
}

// VerifierCache holds pending PKCE code verifiers keyed by
// (userID, platform). Entries are single use and expire after 10 minutes.
// Process-local by design; see the deployment notes on horizontal scaling.
type VerifierCache struct {
	mu      sync.Mutex
	entries map[string]verifierEntry
	now     func() time.Time
}

// NewVerifierCache creates an empty cache.
func NewVerifierCache() *VerifierCache {
	return &VerifierCache{
		entries: make(map[string]verifierEntry),
		now:     time.Now,
	}
}

// WithClock replaces the cache's clock. Test hook.
func (c *VerifierCache) WithClock(now func() time.Time) *VerifierCache {
	c.now = now
	return c
}

func verifierKey(userID, platform string) string {
	return userID + ":" + platform
}

// Put stores a verifier for (userID, platform), replacing any pending one.
func (c *VerifierCache) Put(userID, platform, verifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[verifierKey(userID, platform)] = verifierEntry{
		verifier:  verifier,
		expiresAt: now.Add(verifierTTL),
	}

	if len(c.entries) > verifierGCThreshold {
		for key, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, key)
			}
		}
	}
}

// Consume returns the stored verifier and removes it, so a second callback
// with the same state finds nothing. Expired entries count as absent.
func (c *VerifierCache) Consume(userID, platform string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := verifierKey(userID, platform)
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	delete(c.entries, key)

	if !c.now().Before(e.expiresAt) {
		return "", false
	}
	return e.verifier, true
}

// newCodeVerifier generates a cryptographically random PKCE verifier.
func newCodeVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// challengeS256 derives the base64url SHA-256 challenge for a verifier.
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
