package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/louisbranch/veil/internal/services/auth/storage"
)

const statisticsQuery = `
SELECT
	(SELECT COUNT(*) FROM users WHERE (?1 IS NULL OR created_at >= ?1)),
	(SELECT COUNT(*) FROM users WHERE test_client_id <> '' AND (?1 IS NULL OR created_at >= ?1)),
	(SELECT COUNT(*) FROM authorizations),
	(SELECT COUNT(*) FROM identifier_mappings);
`

// GetStatistics returns aggregate counts across identity data.
func (s *Store) GetStatistics(ctx context.Context, since *time.Time) (storage.Statistics, error) {
	if err := s.ensure(ctx); err != nil {
		return storage.Statistics{}, err
	}
	var sinceValue sql.NullInt64
	if since != nil {
		sinceValue = sql.NullInt64{Int64: toMillis(*since), Valid: true}
	}
	var stats storage.Statistics
	if err := s.db.QueryRowContext(ctx, statisticsQuery, sinceValue).Scan(
		&stats.UserCount,
		&stats.TestUserCount,
		&stats.GrantCount,
		&stats.MappingCount,
	); err != nil {
		return storage.Statistics{}, fmt.Errorf("get statistics: %w", err)
	}
	return stats, nil
}
