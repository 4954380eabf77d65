package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
)

// --- Credential Store Mock ---

// MockCredentialStore is an in-memory credential.Store. Load returns a copy
// so tests can assert the store was (or was not) written back.
type MockCredentialStore struct {
	mu   sync.Mutex
	cred credential.Credential

	LoadFunc  func(ctx context.Context) (*credential.Credential, error)
	SaveFunc  func(ctx context.Context, cred *credential.Credential) error
	ClearFunc func(ctx context.Context) error

	SaveCalls  int
	ClearCalls int
}

func NewMockCredentialStore(cred *credential.Credential) *MockCredentialStore {
	s := &MockCredentialStore{}
	if cred != nil {
		s.cred = *cred
	}
	return s
}

func (m *MockCredentialStore) Load(ctx context.Context) (*credential.Credential, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cred
	return &c, nil
}

func (m *MockCredentialStore) Save(ctx context.Context, cred *credential.Credential) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, cred)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = *cred
	m.SaveCalls++
	return nil
}

func (m *MockCredentialStore) Clear(ctx context.Context) error {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = credential.Credential{}
	m.ClearCalls++
	return nil
}

// Current returns a copy of the stored credential.
func (m *MockCredentialStore) Current() credential.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// --- State Store Mock ---

// MockStateStore is an in-memory oauth.StateStore with single-use consume.
type MockStateStore struct {
	mu     sync.Mutex
	nonces map[string]bool

	SaveFunc    func(ctx context.Context, nonce string, ttl time.Duration) error
	ConsumeFunc func(ctx context.Context, nonce string) (bool, error)
}

func NewMockStateStore() *MockStateStore {
	return &MockStateStore{nonces: make(map[string]bool)}
}

func (m *MockStateStore) Save(ctx context.Context, nonce string, ttl time.Duration) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, nonce, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[nonce] = true
	return nil
}

func (m *MockStateStore) Consume(ctx context.Context, nonce string) (bool, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, nonce)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.nonces[nonce] {
		return false, nil
	}
	delete(m.nonces, nonce)
	return true, nil
}

// Saved returns the nonces currently held (not yet consumed).
func (m *MockStateStore) Saved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nonces))
	for n := range m.nonces {
		out = append(out, n)
	}
	return out
}

// --- Token Source Stub ---

// StubTokenSource is a quickbooks.TokenSource with canned tokens and call
// counters, for exercising the retry-once path without a token manager.
type StubTokenSource struct {
	mu sync.Mutex

	Token        string
	RefreshToken string
	RefreshErr   error

	AccessCalls  int
	RefreshCalls int
	Rejected     []string
}

func (s *StubTokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccessCalls++
	return s.Token, nil
}

func (s *StubTokenSource) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RefreshCalls++
	s.Rejected = append(s.Rejected, rejected)
	if s.RefreshErr != nil {
		return "", s.RefreshErr
	}
	if s.RefreshToken != "" {
		return s.RefreshToken, nil
	}
	return s.Token, nil
}
