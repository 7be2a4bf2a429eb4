package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/veil/internal/services/auth/storage"
)

// PutAccessToken stores an issued access token.
func (s *Store) PutAccessToken(ctx context.Context, token storage.AccessToken) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(token.ID) == "" {
		return fmt.Errorf("token id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO access_tokens (id, client_id, user_id, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.ClientID, token.UserID, toMillis(token.CreatedAt), toMillis(token.ExpiresAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("put access token: %w", err))
	}
	return nil
}

// GetAccessToken fetches a token by id.
func (s *Store) GetAccessToken(ctx context.Context, tokenID string) (storage.AccessToken, error) {
	if err := s.ensure(ctx); err != nil {
		return storage.AccessToken{}, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, client_id, user_id, created_at, expires_at
FROM access_tokens
WHERE id = ?`, tokenID)
	return scanAccessToken(row.Scan)
}

// FindActiveAccessToken fetches the newest unexpired token for a pair.
func (s *Store) FindActiveAccessToken(ctx context.Context, clientID, userID string, now time.Time) (storage.AccessToken, error) {
	if err := s.ensure(ctx); err != nil {
		return storage.AccessToken{}, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, client_id, user_id, created_at, expires_at
FROM access_tokens
WHERE client_id = ? AND user_id = ? AND expires_at > ?
ORDER BY expires_at DESC
LIMIT 1`, clientID, userID, toMillis(now))
	return scanAccessToken(row.Scan)
}

// DeleteAccessTokensForUser revokes every token of a user.
func (s *Store) DeleteAccessTokensForUser(ctx context.Context, userID string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = ?`, userID); err != nil {
		return mapError(fmt.Errorf("delete access tokens: %w", err))
	}
	return nil
}

func scanAccessToken(scan func(dest ...any) error) (storage.AccessToken, error) {
	var token storage.AccessToken
	var createdAt, expiresAt int64
	err := scan(&token.ID, &token.ClientID, &token.UserID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AccessToken{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AccessToken{}, mapError(fmt.Errorf("get access token: %w", err))
	}
	token.CreatedAt = fromMillis(createdAt)
	token.ExpiresAt = fromMillis(expiresAt)
	return token, nil
}
