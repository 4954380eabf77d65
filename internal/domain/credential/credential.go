package credential

import (
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/errors"
)

// AccessTokenLifetime is how long QuickBooks access tokens live from issuance.
const AccessTokenLifetime = time.Hour

// Credential holds the OAuth client pair and the current token pair for the
// single connected merchant account. AccessToken and RefreshToken rotate
// together on every exchange; they are never written independently.
type Credential struct {
	ClientID              string
	ClientSecret          string
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	RealmID               string
	AuthCode              string
	ConnectedAt           time.Time
}

// Configured reports whether the OAuth client pair has been set up.
func (c *Credential) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Connected reports whether a token pair has ever been obtained.
func (c *Credential) Connected() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// AccessTokenValid reports whether the access token is usable at the given
// instant, keeping the safety margin clear of the real expiry.
func (c *Credential) AccessTokenValid(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return now.Before(c.AccessTokenExpiresAt.Add(-margin))
}

// RefreshTokenExpired reports whether the refresh token itself has lapsed,
// which means a fresh authorization-code flow is required.
func (c *Credential) RefreshTokenExpired(now time.Time) bool {
	return !c.RefreshTokenExpiresAt.IsZero() && !now.Before(c.RefreshTokenExpiresAt)
}

// ApplyTokenPair installs a freshly exchanged token pair. Both tokens must be
// present; a response missing either one leaves the credential untouched.
func (c *Credential) ApplyTokenPair(accessToken, refreshToken string, accessTokenTTL, refreshTokenTTL time.Duration, now time.Time) error {
	if accessToken == "" || refreshToken == "" {
		return errors.NewDomainError("partial_token_pair", "token response missing access or refresh token", errors.ErrProviderError)
	}
	if accessTokenTTL <= 0 {
		accessTokenTTL = AccessTokenLifetime
	}
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.AccessTokenExpiresAt = now.Add(accessTokenTTL)
	if refreshTokenTTL > 0 {
		c.RefreshTokenExpiresAt = now.Add(refreshTokenTTL)
	}
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}
	return nil
}
