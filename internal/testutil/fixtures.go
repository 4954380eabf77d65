package testutil

import (
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/charge"
	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
	"github.com/opendonate/quickbooks-gateway/internal/quickbooks"
)

// NewConnectedCredential returns a credential with a live token pair: the
// access token expires one hour from now, the refresh token in 100 days.
func NewConnectedCredential(now time.Time) *credential.Credential {
	return &credential.Credential{
		ClientID:              "test-client-id",
		ClientSecret:          "test-client-secret",
		AccessToken:           "access-token-1",
		RefreshToken:          "refresh-token-1",
		AccessTokenExpiresAt:  now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(100 * 24 * time.Hour),
		RealmID:               "1234567890",
		AuthCode:              "auth-code-1",
		ConnectedAt:           now.Add(-time.Hour),
	}
}

// NewExpiringCredential returns a connected credential whose access token
// expires after the given duration.
func NewExpiringCredential(now time.Time, expiresIn time.Duration) *credential.Credential {
	cred := NewConnectedCredential(now)
	cred.AccessTokenExpiresAt = now.Add(expiresIn)
	return cred
}

// NewTestCard returns a sandbox test card.
func NewTestCard() quickbooks.Card {
	return quickbooks.Card{
		Number:   "4111111111111111",
		ExpMonth: "12",
		ExpYear:  "2030",
		CVC:      "123",
		Name:     "Jane Donor",
	}
}

// NewTestAmount returns an Amount in cents.
func NewTestAmount(cents int64) charge.Amount {
	return charge.Amount{ValueCents: cents, Currency: "USD"}
}
