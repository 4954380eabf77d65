package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
)

// CredentialStore persists the single Credential record in a one-row table.
// The fixed id keeps the row unique; saves are upserts in one statement so
// the token pair is always written together.
type CredentialStore struct {
	pool *pgxpool.Pool
}

func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func (s *CredentialStore) Load(ctx context.Context) (*credential.Credential, error) {
	query := `
		SELECT client_id, client_secret, access_token, refresh_token,
		       realm_id, auth_code,
		       access_token_expires_at, refresh_token_expires_at, connected_at
		FROM quickbooks_credentials
		WHERE id = 1`

	cred := &credential.Credential{}
	var accessExp, refreshExp, connectedAt sql.NullTime
	err := s.pool.QueryRow(ctx, query).Scan(
		&cred.ClientID, &cred.ClientSecret,
		&cred.AccessToken, &cred.RefreshToken,
		&cred.RealmID, &cred.AuthCode,
		&accessExp, &refreshExp, &connectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &credential.Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential row: %w", err)
	}
	cred.AccessTokenExpiresAt = nullableTime(accessExp)
	cred.RefreshTokenExpiresAt = nullableTime(refreshExp)
	cred.ConnectedAt = nullableTime(connectedAt)
	return cred, nil
}

func (s *CredentialStore) Save(ctx context.Context, cred *credential.Credential) error {
	query := `
		INSERT INTO quickbooks_credentials (
			id, client_id, client_secret, access_token, refresh_token,
			realm_id, auth_code,
			access_token_expires_at, refresh_token_expires_at, connected_at,
			updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			realm_id = EXCLUDED.realm_id,
			auth_code = EXCLUDED.auth_code,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			connected_at = EXCLUDED.connected_at,
			updated_at = now()`

	_, err := s.pool.Exec(ctx, query,
		cred.ClientID, cred.ClientSecret,
		cred.AccessToken, cred.RefreshToken,
		cred.RealmID, cred.AuthCode,
		timeOrNil(cred.AccessTokenExpiresAt),
		timeOrNil(cred.RefreshTokenExpiresAt),
		timeOrNil(cred.ConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("save credential row: %w", err)
	}
	return nil
}

func (s *CredentialStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM quickbooks_credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("clear credential row: %w", err)
	}
	return nil
}

func nullableTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
