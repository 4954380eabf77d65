package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
	"github.com/redis/go-redis/v9"
)

const credentialKey = "quickbooks:credential"

// CredentialStore persists the single Credential record as a Redis hash.
// Saves go through a transactional pipeline so the token pair and its expiry
// bookkeeping are written together.
type CredentialStore struct {
	client *redis.Client
}

func NewCredentialStore(client *redis.Client) *CredentialStore {
	return &CredentialStore{client: client}
}

func (s *CredentialStore) Load(ctx context.Context) (*credential.Credential, error) {
	fields, err := s.client.HGetAll(ctx, credentialKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load credential hash: %w", err)
	}

	cred := &credential.Credential{
		ClientID:     fields["client_id"],
		ClientSecret: fields["client_secret"],
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
		RealmID:      fields["realm_id"],
		AuthCode:     fields["auth_code"],
	}
	cred.AccessTokenExpiresAt = parseUnix(fields["access_token_expires_at"])
	cred.RefreshTokenExpiresAt = parseUnix(fields["refresh_token_expires_at"])
	cred.ConnectedAt = parseUnix(fields["connected_at"])
	return cred, nil
}

func (s *CredentialStore) Save(ctx context.Context, cred *credential.Credential) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, credentialKey, map[string]any{
			"client_id":                cred.ClientID,
			"client_secret":            cred.ClientSecret,
			"access_token":             cred.AccessToken,
			"refresh_token":            cred.RefreshToken,
			"realm_id":                 cred.RealmID,
			"auth_code":                cred.AuthCode,
			"access_token_expires_at":  formatUnix(cred.AccessTokenExpiresAt),
			"refresh_token_expires_at": formatUnix(cred.RefreshTokenExpiresAt),
			"connected_at":             formatUnix(cred.ConnectedAt),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save credential hash: %w", err)
	}
	return nil
}

func (s *CredentialStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, credentialKey).Err(); err != nil {
		return fmt.Errorf("clear credential hash: %w", err)
	}
	return nil
}

func parseUnix(v string) time.Time {
	if v == "" || v == "0" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func formatUnix(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}
