package token

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process revocation set. Entries are kept until the
// token's natural expiry, then garbage-collected lazily on writes.
type MemoryStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time // jti -> token expiry
	lastGC  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revoked: make(map[string]time.Time),
		lastGC:  time.Now(),
	}
}

func (m *MemoryStore) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revoked[jti] = expiresAt

	// Expired entries refer to tokens that can no longer verify anyway.
	if now := time.Now(); now.Sub(m.lastGC) > time.Minute {
		for id, exp := range m.revoked {
			if now.After(exp) {
				delete(m.revoked, id)
			}
		}
		m.lastGC = now
	}
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[jti]
	return ok, nil
}
