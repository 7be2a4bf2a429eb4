package storage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a write lost a compare-and-swap or hit a busy
// database; the whole unit of work may be retried.
var ErrConflict = errors.New(errors.CodeConflict, "concurrent update")

// ErrDuplicate indicates a unique constraint rejected a write.
var ErrDuplicate = stderrors.New("duplicate key")

// EntityStore persists users and their child records.
type EntityStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	// DeleteUser removes the user and every child record it owns.
	DeleteUser(ctx context.Context, userID string) error
	FindUserByEmail(ctx context.Context, address string) (user.User, error)

	// PutEmail fails with ErrDuplicate when another record holds the address.
	PutEmail(ctx context.Context, e user.Email) error
	PutPhoneNumber(ctx context.Context, p user.PhoneNumber) error
	PutAddress(ctx context.Context, a user.Address) error
	DeleteEmail(ctx context.Context, emailID string) error
	DeletePhoneNumber(ctx context.Context, phoneID string) error
	DeleteAddress(ctx context.Context, addressID string) error

	FindByOwner(ctx context.Context, userID string) (user.Entities, error)
	FindByIDs(ctx context.Context, c scope.Category, ids []string) (user.Entities, error)
}

// GrantStore persists authorization grants.
type GrantStore interface {
	GetGrant(ctx context.Context, clientID, userID string) (grant.Grant, error)
	ListGrantsByUser(ctx context.Context, userID string) ([]grant.Grant, error)
	// PutGrant inserts a grant with Version zero or updates one whose stored
	// version still matches, returning the grant with its new version. A lost
	// race yields ErrConflict.
	PutGrant(ctx context.Context, g grant.Grant) (grant.Grant, error)
	DeleteGrant(ctx context.Context, clientID, userID string) error
}

// Mapping ties a real entity seen by a client under a kind to its fake id.
type Mapping struct {
	ClientID  string
	UserID    string
	RealID    string
	Kind      scope.Kind
	FakeID    string
	CreatedAt time.Time
}

// MappingStore persists identifier mappings.
type MappingStore interface {
	// InsertMapping ignores an existing row for the same tuple and fails
	// with ErrDuplicate when the fake id is already taken.
	InsertMapping(ctx context.Context, m Mapping) error
	GetMapping(ctx context.Context, clientID, userID, realID string, kind scope.Kind) (Mapping, error)
	GetMappingByFakeID(ctx context.Context, clientID, fakeID string) (Mapping, error)
	ListMappings(ctx context.Context, clientID, userID string) ([]Mapping, error)
	// RekeyMapping moves a mapping to another user and real id, keeping its
	// fake id.
	RekeyMapping(ctx context.Context, clientID, fakeID, userID, realID string) error
	DeleteMappingByFakeID(ctx context.Context, clientID, fakeID string) error
	DeleteMappings(ctx context.Context, clientID, userID, realID string) error
	DeleteMappingsForUser(ctx context.Context, userID string) error
}

// Tx is the set of stores bound to one unit of work.
type Tx interface {
	EntityStore
	GrantStore
	MappingStore
	// AfterCommit registers fn to run once the unit of work commits. Outside
	// a transaction fn runs immediately.
	AfterCommit(fn func())
}

// Store is the engine's persistence collaborator.
type Store interface {
	Tx
	// WithinTx runs fn in a transaction. fn's error rolls everything back;
	// a failed rollback is reported as an integrity violation.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// AccessToken is the stored half of an issued bearer token.
type AccessToken struct {
	ID        string
	ClientID  string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AccessTokenStore persists issued access tokens.
type AccessTokenStore interface {
	PutAccessToken(ctx context.Context, token AccessToken) error
	GetAccessToken(ctx context.Context, tokenID string) (AccessToken, error)
	// FindActiveAccessToken returns the newest token for the pair still
	// valid at now.
	FindActiveAccessToken(ctx context.Context, clientID, userID string, now time.Time) (AccessToken, error)
	DeleteAccessTokensForUser(ctx context.Context, userID string) error
}

// Statistics contains aggregate counts across identity data.
type Statistics struct {
	UserCount     int64
	TestUserCount int64
	GrantCount    int64
	MappingCount  int64
}

// StatisticsStore provides aggregate statistics.
type StatisticsStore interface {
	// GetStatistics returns aggregate counts.
	// When since is nil, user counts are for all time.
	GetStatistics(ctx context.Context, since *time.Time) (Statistics, error)
}
