package oauth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
	"github.com/opendonate/quickbooks-gateway/internal/domain/errors"
	"github.com/opendonate/quickbooks-gateway/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RefreshLock serializes token refresh across instances sharing one
// credential record. Acquire blocks until the lock is held or ctx is done.
type RefreshLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// tokenResponse is the provider token endpoint body for both grant types.
type tokenResponse struct {
	AccessToken            string `json:"access_token"`
	RefreshToken           string `json:"refresh_token"`
	TokenType              string `json:"token_type"`
	ExpiresIn              int64  `json:"expires_in"`
	XRefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
	Error                  string `json:"error"`
}

// Manager owns the refresh-token exchange and decides when a refresh is due.
// At most one refresh is in flight at any time; concurrent callers awaiting a
// refresh observe the same resulting token. The provider invalidates the old
// refresh token on each use, so duplicate refresh calls lose tokens.
type Manager struct {
	store      credential.Store
	httpClient *http.Client
	tokenURL   string
	margin     time.Duration
	logger     zerolog.Logger
	metrics    *observability.Metrics
	newLock    func() RefreshLock
	now        func() time.Time

	mu sync.Mutex
	sf singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the HTTP client used for the token endpoint.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRefreshLock installs a distributed refresh lock factory for
// multi-instance deployments.
func WithRefreshLock(newLock func() RefreshLock) ManagerOption {
	return func(m *Manager) { m.newLock = newLock }
}

// WithMetrics wires refresh metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a token Manager reading and writing through store.
func NewManager(store credential.Store, tokenURL string, safetyMargin time.Duration, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   tokenURL,
		margin:     safetyMargin,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AccessToken returns a currently valid access token, refreshing first when
// the stored one is inside the safety margin of its expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if !cred.Connected() {
		return "", errors.ErrNotConnected
	}
	if cred.AccessTokenValid(m.now(), m.margin) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.sharedRefresh(ctx, "")
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh exchanges the refresh token even though the stored access
// token may still have lifetime left, as when the provider rejects a token
// mid-payment before its recorded expiry. rejected is the token the provider
// refused; the exchange is skipped only when the store already holds a
// different valid token, meaning another instance refreshed first. The
// returned token is never the rejected one.
func (m *Manager) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	refreshed, err := m.sharedRefresh(ctx, rejected)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new token pair and
// atomically overwrites the credential. Serialized with every other refresh.
func (m *Manager) Refresh(ctx context.Context) (*credential.Credential, error) {
	return m.sharedRefresh(ctx, "")
}

// sharedRefresh collapses concurrent refresh requests into a single token
// endpoint call. The underlying exchange runs detached from any one caller's
// context so a cancelled payment cannot abort a refresh other callers are
// waiting on; the HTTP client timeout still bounds it.
func (m *Manager) sharedRefresh(ctx context.Context, rejected string) (*credential.Credential, error) {
	ch := m.sf.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), rejected)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credential.Credential), nil
	}
}

func (m *Manager) refresh(ctx context.Context, rejected string) (*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.newLock != nil {
		lock := m.newLock()
		if err := lock.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire refresh lock: %w", err)
		}
		defer lock.Release(ctx)
	}

	cred, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if !cred.Connected() {
		return nil, errors.ErrNotConnected
	}
	// Another instance may have refreshed while we waited on the lock. A
	// token the provider just rejected is never handed back, no matter what
	// its stored expiry claims.
	if cred.AccessToken != rejected && cred.AccessTokenValid(m.now(), m.margin) {
		return cred, nil
	}
	if cred.RefreshTokenExpired(m.now()) {
		return nil, errors.ErrReauthorizationRequired
	}

	started := m.now()
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	tok, err := m.exchange(ctx, cred, form)
	if m.metrics != nil {
		m.metrics.TokenRefreshDuration.Observe(m.now().Sub(started).Seconds())
	}
	if err != nil {
		m.countRefresh("error")
		// A timed-out refresh is never retried here; the caller decides.
		return nil, err
	}

	if tok.Error != "" {
		if tok.Error == "invalid_grant" {
			// Stale-but-valid tokens are safer than wiping state.
			m.countRefresh("invalid_grant")
			return nil, errors.ErrReauthorizationRequired
		}
		m.countRefresh("error")
		return nil, errors.NewDomainError("token_error", "token endpoint error: "+tok.Error, errors.ErrProviderError)
	}

	now := m.now()
	if err := cred.ApplyTokenPair(
		tok.AccessToken,
		tok.RefreshToken,
		time.Duration(tok.ExpiresIn)*time.Second,
		time.Duration(tok.XRefreshTokenExpiresIn)*time.Second,
		now,
	); err != nil {
		m.countRefresh("partial")
		return nil, err
	}

	if err := m.store.Save(ctx, cred); err != nil {
		m.countRefresh("error")
		return nil, fmt.Errorf("save credential: %w", err)
	}

	m.countRefresh("success")
	m.logger.Info().
		Time("access_token_expires_at", cred.AccessTokenExpiresAt).
		Msg("access token refreshed")
	return cred, nil
}

// exchange posts a grant to the token endpoint with HTTP Basic auth of the
// client pair and decodes the response. Shared by the refresh and
// authorization-code flows.
func (m *Manager) exchange(ctx context.Context, cred *credential.Credential, form url.Values) (*tokenResponse, error) {
	if !cred.Configured() {
		return nil, errors.NewDomainError("not_configured", "client id and secret are not configured", errors.ErrNotConnected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.NewDomainError("token_timeout", "token endpoint timed out", errors.ErrTimeout)
		}
		return nil, errors.NewDomainError("token_unreachable", "token endpoint unreachable", errors.ErrProviderError)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewDomainError("token_read", "read token response", errors.ErrProviderError)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, errors.NewDomainError("token_malformed", "malformed token response", errors.ErrProviderError)
	}
	if resp.StatusCode != http.StatusOK && tok.Error == "" {
		return nil, errors.NewDomainError(
			"token_status",
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
			errors.ErrProviderError,
		)
	}
	return &tok, nil
}

func (m *Manager) countRefresh(result string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshTotal.WithLabelValues(result).Inc()
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
