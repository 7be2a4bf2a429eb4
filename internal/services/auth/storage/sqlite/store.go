package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	sqlitemigrate "github.com/louisbranch/veil/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every store operation against a dbtx so the same code
// serves autocommit calls and transactions.
type queries struct {
	db dbtx
}

func (q queries) ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Store implements identity persistence over SQLite.
//
// A single SQLite file backs users, the ledger and identifier mappings so a
// multi-entity authorization write shares one transaction boundary.
type Store struct {
	queries
	sqlDB *sql.DB
}

// DB returns the raw database handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens a SQLite store and applies bundled migrations.
//
// This keeps startup and schema evolution in one place, instead of requiring
// callers to coordinate migrations independently.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := New(sqlDB)
	if _, err := store.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// New wraps an already opened database without migrating it.
func New(sqlDB *sql.DB) *Store {
	return &Store{queries: queries{db: sqlDB}, sqlDB: sqlDB}
}

// Migrate applies pending embedded migrations and returns their names.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return sqlitemigrate.ApplyMigrations(ctx, s.sqlDB, migrations.FS, "")
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AfterCommit runs fn immediately; Store calls autocommit.
func (s *Store) AfterCommit(fn func()) {
	fn()
}

// txStore binds the store operations to one transaction.
type txStore struct {
	queries
	hooks []func()
}

// AfterCommit defers fn until the transaction commits.
func (t *txStore) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// WithinTx runs fn inside a transaction.
//
// Any error from fn rolls back every write fn made. A rollback that itself
// fails leaves the database state unknown, so it is reported as an integrity
// violation rather than the original error.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("start transaction: %w", err))
	}
	scoped := &txStore{queries: queries{db: tx}}

	if err := fn(ctx, scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return apperrors.Wrap(apperrors.CodeIntegrityViolation, "rollback failed", errors.Join(err, rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	for _, hook := range scoped.hooks {
		hook()
	}
	return nil
}

// mapError translates SQLite contention and constraint failures into the
// storage sentinels the engine branches on.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isBusyError(err):
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

var _ storage.Store = (*Store)(nil)
var _ storage.Tx = (*txStore)(nil)
var _ storage.AccessTokenStore = (*Store)(nil)
var _ storage.StatisticsStore = (*Store)(nil)
