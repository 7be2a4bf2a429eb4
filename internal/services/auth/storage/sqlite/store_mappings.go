package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
)

// InsertMapping stores a mapping unless one exists for the same tuple.
func (q queries) InsertMapping(ctx context.Context, m storage.Mapping) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(m.FakeID) == "" || strings.TrimSpace(m.RealID) == "" {
		return fmt.Errorf("mapping real id and fake id are required")
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO identifier_mappings (client_id, user_id, real_id, kind, fake_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(client_id, user_id, real_id, kind) DO NOTHING`,
		m.ClientID, m.UserID, m.RealID, string(m.Kind), m.FakeID, toMillis(m.CreatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("insert mapping: %w", err))
	}
	return nil
}

// GetMapping fetches the mapping for a tuple.
func (q queries) GetMapping(ctx context.Context, clientID, userID, realID string, kind scope.Kind) (storage.Mapping, error) {
	if err := q.ensure(ctx); err != nil {
		return storage.Mapping{}, err
	}
	row := q.db.QueryRowContext(ctx, `
SELECT client_id, user_id, real_id, kind, fake_id, created_at
FROM identifier_mappings
WHERE client_id = ? AND user_id = ? AND real_id = ? AND kind = ?`,
		clientID, userID, realID, string(kind))
	return scanMapping(row.Scan, "get mapping")
}

// GetMappingByFakeID fetches the mapping a client knows by fake id.
func (q queries) GetMappingByFakeID(ctx context.Context, clientID, fakeID string) (storage.Mapping, error) {
	if err := q.ensure(ctx); err != nil {
		return storage.Mapping{}, err
	}
	row := q.db.QueryRowContext(ctx, `
SELECT client_id, user_id, real_id, kind, fake_id, created_at
FROM identifier_mappings
WHERE client_id = ? AND fake_id = ?`, clientID, fakeID)
	return scanMapping(row.Scan, "get mapping by fake id")
}

// ListMappings fetches every mapping of a client and user.
func (q queries) ListMappings(ctx context.Context, clientID, userID string) ([]storage.Mapping, error) {
	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT client_id, user_id, real_id, kind, fake_id, created_at
FROM identifier_mappings
WHERE client_id = ? AND user_id = ?
ORDER BY created_at, fake_id`, clientID, userID)
	if err != nil {
		return nil, mapError(fmt.Errorf("list mappings: %w", err))
	}
	defer rows.Close()

	var out []storage.Mapping
	for rows.Next() {
		m, err := scanMapping(rows.Scan, "scan mapping")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("list mappings: %w", err))
	}
	return out, nil
}

// RekeyMapping points an existing fake id at another user and real id.
func (q queries) RekeyMapping(ctx context.Context, clientID, fakeID, userID, realID string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE identifier_mappings
SET user_id = ?, real_id = ?
WHERE client_id = ? AND fake_id = ?`, userID, realID, clientID, fakeID)
	if err != nil {
		return mapError(fmt.Errorf("rekey mapping: %w", err))
	}
	return requireAffected(res, "rekey mapping")
}

// DeleteMappingByFakeID removes one mapping.
func (q queries) DeleteMappingByFakeID(ctx context.Context, clientID, fakeID string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM identifier_mappings WHERE client_id = ? AND fake_id = ?`, clientID, fakeID); err != nil {
		return mapError(fmt.Errorf("delete mapping: %w", err))
	}
	return nil
}

// DeleteMappings removes every kind of mapping a client holds for a real id.
func (q queries) DeleteMappings(ctx context.Context, clientID, userID, realID string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `
DELETE FROM identifier_mappings
WHERE client_id = ? AND user_id = ? AND real_id = ?`, clientID, userID, realID); err != nil {
		return mapError(fmt.Errorf("delete mappings: %w", err))
	}
	return nil
}

// DeleteMappingsForUser removes a user's mappings across clients.
func (q queries) DeleteMappingsForUser(ctx context.Context, userID string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM identifier_mappings WHERE user_id = ?`, userID); err != nil {
		return mapError(fmt.Errorf("delete user mappings: %w", err))
	}
	return nil
}

func scanMapping(scan func(dest ...any) error, op string) (storage.Mapping, error) {
	var m storage.Mapping
	var kind string
	var createdAt int64
	err := scan(&m.ClientID, &m.UserID, &m.RealID, &kind, &m.FakeID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Mapping{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Mapping{}, mapError(fmt.Errorf("%s: %w", op, err))
	}
	m.Kind = scope.Kind(kind)
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}
