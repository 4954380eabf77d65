package oauth

import (
	"context"
	"net/url"
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
	"github.com/opendonate/quickbooks-gateway/internal/domain/errors"
	"github.com/rs/zerolog"
)

// FlowConfig holds the authorization handshake inputs resolved at startup.
type FlowConfig struct {
	AuthorizeURL string
	Scope        string
	RedirectURI  string
	StateTTL     time.Duration
}

// Flow drives the three-legged authorization-code handshake: build the
// authorize URL, validate the provider callback, exchange the one-time code.
type Flow struct {
	store   credential.Store
	states  StateStore
	manager *Manager
	cfg     FlowConfig
	logger  zerolog.Logger
}

// NewFlow creates a connect Flow. The Manager performs the code exchange so
// both grant types share one token endpoint client.
func NewFlow(store credential.Store, states StateStore, manager *Manager, cfg FlowConfig, logger zerolog.Logger) *Flow {
	return &Flow{
		store:   store,
		states:  states,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
	}
}

// AuthorizeURL builds the provider authorize URL with a freshly generated
// state nonce. The nonce is stored server-side and compared exactly on the
// callback, never merely echoed.
func (f *Flow) AuthorizeURL(ctx context.Context) (string, error) {
	cred, err := f.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if !cred.Configured() {
		return "", errors.NewDomainError("not_configured", "client id and secret are not configured", errors.ErrNotConnected)
	}

	nonce, err := NewStateNonce()
	if err != nil {
		return "", err
	}
	if err := f.states.Save(ctx, nonce, f.cfg.StateTTL); err != nil {
		return "", err
	}

	q := url.Values{
		"client_id":     {cred.ClientID},
		"scope":         {f.cfg.Scope},
		"redirect_uri":  {f.cfg.RedirectURI},
		"response_type": {"code"},
		"state":         {nonce},
	}
	return f.cfg.AuthorizeURL + "?" + q.Encode(), nil
}

// HandleCallback validates the provider callback and exchanges the one-time
// code for the first token pair. Any state mismatch fails the whole flow;
// a mismatched callback never produces a partial credential update.
func (f *Flow) HandleCallback(ctx context.Context, query url.Values) error {
	// The provider redirects with an explicit denial indicator when the
	// admin rejects the consent screen.
	if errCode := query.Get("error"); errCode != "" {
		f.logger.Warn().Str("error", errCode).Msg("authorization declined at provider")
		return errors.ErrUserDeclinedAuthorization
	}

	code := query.Get("code")
	realmID := query.Get("realmId")
	if code == "" || realmID == "" {
		return errors.NewDomainError(
			"malformed_callback",
			"callback missing code or realmId",
			errors.ErrProviderError,
		)
	}

	state := query.Get("state")
	ok, err := f.states.Consume(ctx, state)
	if err != nil {
		return err
	}
	if state == "" || !ok {
		return errors.ErrInvalidState
	}

	cred, err := f.store.Load(ctx)
	if err != nil {
		return err
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {f.cfg.RedirectURI},
	}
	tok, err := f.manager.exchange(ctx, cred, form)
	if err != nil {
		return err
	}
	if tok.Error != "" {
		return errors.NewDomainError("code_exchange", "code exchange error: "+tok.Error, errors.ErrProviderError)
	}

	now := time.Now()
	if err := cred.ApplyTokenPair(
		tok.AccessToken,
		tok.RefreshToken,
		time.Duration(tok.ExpiresIn)*time.Second,
		time.Duration(tok.XRefreshTokenExpiresIn)*time.Second,
		now,
	); err != nil {
		return err
	}
	cred.RealmID = realmID
	cred.AuthCode = code
	cred.ConnectedAt = now

	if err := f.store.Save(ctx, cred); err != nil {
		return err
	}

	f.logger.Info().Str("realm_id", realmID).Msg("gateway connected")
	return nil
}
