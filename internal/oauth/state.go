package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// StateStore holds pending anti-CSRF state nonces server-side. Nonces are
// single-use: Consume atomically checks and discards.
type StateStore interface {
	Save(ctx context.Context, nonce string, ttl time.Duration) error
	// Consume returns true when the nonce was present (and removes it).
	Consume(ctx context.Context, nonce string) (bool, error)
}

// NewStateNonce generates a cryptographically random nonce for one
// authorization handshake attempt.
func NewStateNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryStateStore is a process-local StateStore for single-instance
// deployments and tests.
type MemoryStateStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{nonces: make(map[string]time.Time)}
}

func (s *MemoryStateStore) Save(ctx context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[nonce] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStateStore) Consume(ctx context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.nonces[nonce]
	if !ok {
		return false, nil
	}
	delete(s.nonces, nonce)
	if time.Now().After(expiry) {
		return false, nil
	}
	return true, nil
}
