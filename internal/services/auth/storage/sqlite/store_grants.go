package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

// GetGrant fetches the grant for a client and user.
func (q queries) GetGrant(ctx context.Context, clientID, userID string) (grant.Grant, error) {
	if err := q.ensure(ctx); err != nil {
		return grant.Grant{}, err
	}
	row := q.db.QueryRowContext(ctx, `
SELECT client_id, user_id, fields, watermark_json, merged_from_test, version, created_at, updated_at
FROM authorizations
WHERE client_id = ? AND user_id = ?`, clientID, userID)
	g, err := scanGrant(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Grant{}, storage.ErrNotFound
	}
	if err != nil {
		return grant.Grant{}, mapError(fmt.Errorf("get grant: %w", err))
	}
	if g.Entries, err = q.listEntries(ctx, clientID, userID); err != nil {
		return grant.Grant{}, err
	}
	return g, nil
}

// ListGrantsByUser fetches every client's grant for a user.
func (q queries) ListGrantsByUser(ctx context.Context, userID string) ([]grant.Grant, error) {
	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT client_id, user_id, fields, watermark_json, merged_from_test, version, created_at, updated_at
FROM authorizations
WHERE user_id = ?
ORDER BY client_id`, userID)
	if err != nil {
		return nil, mapError(fmt.Errorf("list grants: %w", err))
	}
	var grants []grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, mapError(fmt.Errorf("list grants: %w", err))
	}
	_ = rows.Close()

	for i := range grants {
		if grants[i].Entries, err = q.listEntries(ctx, grants[i].ClientID, userID); err != nil {
			return nil, err
		}
	}
	return grants, nil
}

// PutGrant stores a grant with compare-and-swap on its version.
func (q queries) PutGrant(ctx context.Context, g grant.Grant) (grant.Grant, error) {
	if err := q.ensure(ctx); err != nil {
		return grant.Grant{}, err
	}
	if strings.TrimSpace(g.ClientID) == "" || strings.TrimSpace(g.UserID) == "" {
		return grant.Grant{}, fmt.Errorf("grant client id and user id are required")
	}
	watermark, err := json.Marshal(g.Watermark)
	if err != nil {
		return grant.Grant{}, fmt.Errorf("encode watermark: %w", err)
	}
	fields := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		fields[i] = string(f)
	}

	if g.Version == 0 {
		_, err = q.db.ExecContext(ctx, `
INSERT INTO authorizations (client_id, user_id, fields, watermark_json, merged_from_test, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			g.ClientID, g.UserID, strings.Join(fields, ","), string(watermark), g.MergedFromTest,
			toMillis(g.CreatedAt), toMillis(g.UpdatedAt),
		)
		if err != nil {
			err = mapError(fmt.Errorf("insert grant: %w", err))
			if errors.Is(err, storage.ErrDuplicate) {
				return grant.Grant{}, fmt.Errorf("%w: grant %s/%s inserted concurrently", storage.ErrConflict, g.ClientID, g.UserID)
			}
			return grant.Grant{}, err
		}
	} else {
		res, err := q.db.ExecContext(ctx, `
UPDATE authorizations
SET fields = ?, watermark_json = ?, merged_from_test = ?, version = version + 1, updated_at = ?
WHERE client_id = ? AND user_id = ? AND version = ?`,
			strings.Join(fields, ","), string(watermark), g.MergedFromTest, toMillis(g.UpdatedAt),
			g.ClientID, g.UserID, g.Version,
		)
		if err != nil {
			return grant.Grant{}, mapError(fmt.Errorf("update grant: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return grant.Grant{}, fmt.Errorf("update grant: %w", err)
		}
		if n == 0 {
			return grant.Grant{}, fmt.Errorf("%w: grant %s/%s version %d is stale", storage.ErrConflict, g.ClientID, g.UserID, g.Version)
		}
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM authorized_entities WHERE client_id = ? AND user_id = ?`, g.ClientID, g.UserID); err != nil {
		return grant.Grant{}, mapError(fmt.Errorf("clear grant entries: %w", err))
	}
	for i, e := range g.Entries {
		fingerprint, err := json.Marshal(e.Fingerprint)
		if err != nil {
			return grant.Grant{}, fmt.Errorf("encode fingerprint: %w", err)
		}
		if _, err := q.db.ExecContext(ctx, `
INSERT INTO authorized_entities (client_id, user_id, category, real_id, position, tags, seen_tags, fingerprint_json, deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ClientID, g.UserID, string(e.Category), e.RealID, i,
			e.Tags.String(), e.Seen.String(), string(fingerprint), e.Deleted,
		); err != nil {
			return grant.Grant{}, mapError(fmt.Errorf("insert grant entry: %w", err))
		}
	}

	g.Version++
	return g, nil
}

// DeleteGrant removes a grant and its entries.
func (q queries) DeleteGrant(ctx context.Context, clientID, userID string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM authorized_entities WHERE client_id = ? AND user_id = ?`, clientID, userID); err != nil {
		return mapError(fmt.Errorf("delete grant entries: %w", err))
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM authorizations WHERE client_id = ? AND user_id = ?`, clientID, userID)
	if err != nil {
		return mapError(fmt.Errorf("delete grant: %w", err))
	}
	return requireAffected(res, "delete grant")
}

func (q queries) listEntries(ctx context.Context, clientID, userID string) ([]grant.Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT category, real_id, tags, seen_tags, fingerprint_json, deleted
FROM authorized_entities
WHERE client_id = ? AND user_id = ?
ORDER BY position`, clientID, userID)
	if err != nil {
		return nil, mapError(fmt.Errorf("list grant entries: %w", err))
	}
	defer rows.Close()

	var entries []grant.Entry
	for rows.Next() {
		var e grant.Entry
		var category, tags, seen, fingerprint string
		if err := rows.Scan(&category, &e.RealID, &tags, &seen, &fingerprint, &e.Deleted); err != nil {
			return nil, fmt.Errorf("scan grant entry: %w", err)
		}
		e.Category = scope.Category(category)
		if e.Tags, err = scope.ParseTagSet(tags); err != nil {
			return nil, fmt.Errorf("decode grant entry tags: %w", err)
		}
		if e.Seen, err = scope.ParseTagSet(seen); err != nil {
			return nil, fmt.Errorf("decode grant entry seen tags: %w", err)
		}
		e.Fingerprint = user.Fingerprint{}
		if err := json.Unmarshal([]byte(fingerprint), &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("decode grant entry fingerprint: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("list grant entries: %w", err))
	}
	return entries, nil
}

func scanGrant(scan func(dest ...any) error) (grant.Grant, error) {
	var g grant.Grant
	var fields, watermark string
	var createdAt, updatedAt int64
	if err := scan(&g.ClientID, &g.UserID, &fields, &watermark, &g.MergedFromTest, &g.Version, &createdAt, &updatedAt); err != nil {
		return grant.Grant{}, err
	}
	for _, name := range strings.Split(fields, ",") {
		if name != "" {
			g.Fields = append(g.Fields, scope.Field(name))
		}
	}
	if err := json.Unmarshal([]byte(watermark), &g.Watermark); err != nil {
		return grant.Grant{}, fmt.Errorf("decode watermark: %w", err)
	}
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	return g, nil
}
