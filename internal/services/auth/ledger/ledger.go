// Package ledger maintains authorization grants.
//
// Grants are updated optimistically: a unit of work loads the grant, changes
// it and stores it with a compare-and-swap on its version. When another
// request for the same client and user wins the race, the whole unit of work
// is replayed. Exhausting the retries is an integrity violation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/pseudonym"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"go.uber.org/zap"
)

// DefaultRetryLimit bounds replays of a unit of work after conflicts.
const DefaultRetryLimit = 5

// Service coordinates grant updates.
type Service struct {
	store    storage.Store
	mappings *pseudonym.Service
	retries  int
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithRetryLimit sets how many times a conflicting unit of work runs.
func WithRetryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a ledger over store.
func New(store storage.Store, mappings *pseudonym.Service, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		mappings: mappings,
		retries:  DefaultRetryLimit,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the store the ledger writes through.
func (s *Service) Store() storage.Store {
	return s.store
}

// Mappings returns the identifier service the ledger keeps in sync.
func (s *Service) Mappings() *pseudonym.Service {
	return s.mappings
}

// Transact runs fn in a transaction and replays it on conflicts.
func (s *Service) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.store.WithinTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		if attempt >= s.retries {
			s.logger.Error("grant update retries exhausted", zap.Int("attempts", attempt), zap.Error(err))
			return apperrors.Wrap(apperrors.CodeIntegrityViolation, "grant update retries exhausted", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Debug("replaying unit of work after conflict", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Load returns the stored grant for the pair, or a fresh unsaved one.
func (s *Service) Load(ctx context.Context, tx storage.GrantStore, clientID, userID string) (grant.Grant, error) {
	g, err := tx.GetGrant(ctx, clientID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return grant.New(clientID, userID, s.now().UTC()), nil
	}
	if err != nil {
		return grant.Grant{}, fmt.Errorf("load grant: %w", err)
	}
	return g, nil
}

// Save stores g, failing with storage.ErrConflict when it is stale.
func (s *Service) Save(ctx context.Context, tx storage.GrantStore, g grant.Grant) (grant.Grant, error) {
	g.UpdatedAt = s.now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = g.UpdatedAt
	}
	return tx.PutGrant(ctx, g)
}

// Expose mints the fake ids the client will see for g: the user's own and
// one per live entry and tag.
func (s *Service) Expose(ctx context.Context, tx storage.Tx, g grant.Grant) error {
	if _, err := s.mappings.Resolve(ctx, tx, pseudonym.Key{
		ClientID: g.ClientID, UserID: g.UserID, RealID: g.UserID, Kind: scope.KindUser,
	}); err != nil {
		return err
	}
	for _, e := range g.Entries {
		if e.Deleted {
			continue
		}
		for _, tag := range e.Tags {
			if _, err := s.mappings.Resolve(ctx, tx, pseudonym.Key{
				ClientID: g.ClientID, UserID: g.UserID, RealID: e.RealID, Kind: scope.KindFor(e.Category, tag),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkDeleted tombstones an entity in every grant that references it. A
// client that never observed the entity loses it and its mappings at once.
func (s *Service) MarkDeleted(ctx context.Context, tx storage.Tx, userID string, c scope.Category, realID string) error {
	grants, err := tx.ListGrantsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	for _, g := range grants {
		found, purged := g.Tombstone(c, realID)
		if !found {
			continue
		}
		if purged {
			if err := s.mappings.Purge(ctx, tx, g.ClientID, userID, realID); err != nil {
				return err
			}
		}
		if _, err := s.Save(ctx, tx, g); err != nil {
			return err
		}
	}
	return nil
}

// MergeTestAccount folds the grant a client holds for a test account into
// target, which belongs to the real user. Mappings are re-keyed rather than
// copied: each test fake id moves onto the real entity filling the same
// (category, tag) slot, so the client keeps the ids it knows. Mappings
// without a matching slot, or whose slot already has a real mapping, are
// dropped. The test grant is deleted. Merging twice is a no-op.
func (s *Service) MergeTestAccount(ctx context.Context, tx storage.Tx, testUserID string, target grant.Grant) (grant.Grant, bool, error) {
	test, err := tx.GetGrant(ctx, target.ClientID, testUserID)
	if errors.Is(err, storage.ErrNotFound) {
		return target, false, nil
	}
	if err != nil {
		return grant.Grant{}, false, fmt.Errorf("load test grant: %w", err)
	}

	mappings, err := tx.ListMappings(ctx, target.ClientID, testUserID)
	if err != nil {
		return grant.Grant{}, false, fmt.Errorf("list test mappings: %w", err)
	}
	for _, m := range mappings {
		realID := slotOwner(target, m.Kind)
		if realID == "" {
			if err := s.mappings.Drop(ctx, tx, m); err != nil {
				return grant.Grant{}, false, err
			}
			continue
		}
		_, err := tx.GetMapping(ctx, target.ClientID, target.UserID, realID, m.Kind)
		switch {
		case err == nil:
			if err := s.mappings.Drop(ctx, tx, m); err != nil {
				return grant.Grant{}, false, err
			}
		case errors.Is(err, storage.ErrNotFound):
			if err := s.mappings.Rekey(ctx, tx, m, target.UserID, realID); err != nil {
				return grant.Grant{}, false, err
			}
		default:
			return grant.Grant{}, false, err
		}
	}

	target.Merge(test)
	if err := tx.DeleteGrant(ctx, target.ClientID, testUserID); err != nil {
		return grant.Grant{}, false, fmt.Errorf("delete test grant: %w", err)
	}
	s.logger.Info("merged test account grant",
		zap.String("client_id", target.ClientID),
		zap.Int("mappings", len(mappings)),
	)
	return target, true, nil
}

// slotOwner returns the real id holding kind's slot in g.
func slotOwner(g grant.Grant, kind scope.Kind) string {
	if kind == scope.KindUser {
		return g.UserID
	}
	c, tag, ok := scope.ParseKind(kind)
	if !ok {
		return ""
	}
	for _, e := range g.Active(c) {
		if e.Tags.Has(tag) {
			return e.RealID
		}
	}
	return ""
}
