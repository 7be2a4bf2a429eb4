// Package account implements maintenance of identity data outside the
// authorization flow: profile edits, entity deletion, account deletion and
// test accounts.
//
// Every change runs through the ledger so the grants that reference the
// changed data stay consistent with it. Deleting an entity tombstones it in
// every client's grant within the same transaction.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/ledger"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"go.uber.org/zap"
)

var (
	// ErrUserNotFound indicates the acting user does not exist.
	ErrUserNotFound = apperrors.New(apperrors.CodeNotFound, "user not found")
	// ErrEntityNotFound indicates an entity id that resolves to nothing.
	ErrEntityNotFound = apperrors.New(apperrors.CodeNotFound, "entity not found")
	// ErrNotOwner indicates an entity that belongs to another user.
	ErrNotOwner = apperrors.New(apperrors.CodeAccessDenied, "entity not owned by user")
)

// Service maintains accounts.
type Service struct {
	ledger *ledger.Service
	now    func() time.Time
	newID  func() (string, error)
	logger *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the id generator used for new users.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New builds an account service writing through l.
func New(l *ledger.Service, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{ledger: l, now: time.Now, newID: id.NewID, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateProfile applies update to the user's singular fields.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (user.User, error) {
	var out user.User
	err := s.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		profile, changed, err := ApplyProfileUpdate(u.Profile, update, now)
		if err != nil {
			return err
		}
		if changed {
			u.Profile = profile
			u.UpdatedAt = now
			if err := tx.PutUser(ctx, u); err != nil {
				return fmt.Errorf("put user: %w", err)
			}
		}
		out = u
		return nil
	})
	return out, err
}

// UpdateAddress replaces the content of an address the user owns.
func (s *Service) UpdateAddress(ctx context.Context, userID, addressID string, input user.AddressInput) (user.Address, error) {
	var out user.Address
	err := s.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		entities, err := owned(ctx, tx, userID, scope.Addresses, addressID)
		if err != nil {
			return err
		}
		normalized, err := input.Normalize("address")
		if err != nil {
			return err
		}
		a := entities.Addresses[0]
		a.FullName = normalized.FullName
		a.Line1 = normalized.Line1
		a.Line2 = normalized.Line2
		a.PostalCode = normalized.PostalCode
		a.City = normalized.City
		a.Country = normalized.Country
		a.UpdatedAt = s.now().UTC()
		if err := tx.PutAddress(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// DeleteEmail removes an email. The last email of a real user is its
// sign-in credential and cannot be removed.
func (s *Service) DeleteEmail(ctx context.Context, userID, emailID string) error {
	return s.deleteEntity(ctx, userID, scope.Emails, emailID)
}

// DeletePhoneNumber removes a phone number.
func (s *Service) DeletePhoneNumber(ctx context.Context, userID, phoneID string) error {
	return s.deleteEntity(ctx, userID, scope.PhoneNumbers, phoneID)
}

// DeleteAddress removes an address.
func (s *Service) DeleteAddress(ctx context.Context, userID, addressID string) error {
	return s.deleteEntity(ctx, userID, scope.Addresses, addressID)
}

func (s *Service) deleteEntity(ctx context.Context, userID string, c scope.Category, entityID string) error {
	err := s.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := owned(ctx, tx, userID, c, entityID); err != nil {
			return err
		}
		switch c {
		case scope.Emails:
			if !u.IsTest() {
				all, err := tx.FindByOwner(ctx, userID)
				if err != nil {
					return fmt.Errorf("load entities: %w", err)
				}
				if len(all.Emails) <= 1 {
					var v apperrors.Validation
					v.Add("email", user.ReasonRequired)
					return v.Err()
				}
			}
			err = tx.DeleteEmail(ctx, entityID)
		case scope.PhoneNumbers:
			err = tx.DeletePhoneNumber(ctx, entityID)
		case scope.Addresses:
			err = tx.DeleteAddress(ctx, entityID)
		}
		if err != nil {
			return fmt.Errorf("delete %s: %w", c, err)
		}
		return s.ledger.MarkDeleted(ctx, tx, userID, c, entityID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("entity deleted", zap.String("category", string(c)))
	return nil
}

// DeleteUser removes a user with every record, grant, mapping and token
// attached to it.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	err := s.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.DeleteUser(ctx, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("delete user: %w", err)
		}
		tx.AfterCommit(func() { s.ledger.Mappings().ForgetUser(userID) })
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("user deleted")
	return nil
}

// CreateTestAccount creates a test account usable only through c.
func (s *Service) CreateTestAccount(ctx context.Context, c client.Client) (user.User, error) {
	if !c.AllowTestAccounts {
		return user.User{}, apperrors.New(apperrors.CodeAccessDenied, "client does not allow test accounts")
	}
	u, err := user.NewUser(user.NewUserInput{TestClientID: c.ID}, s.now, s.newID)
	if err != nil {
		return user.User{}, err
	}
	if err := s.ledger.Store().PutUser(ctx, u); err != nil {
		return user.User{}, fmt.Errorf("put user: %w", err)
	}
	s.logger.Info("test account created", zap.String("client_id", c.ID))
	return u, nil
}

func getUser(ctx context.Context, tx storage.EntityStore, userID string) (user.User, error) {
	u, err := tx.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, ErrUserNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// owned loads one entity and checks it belongs to userID.
func owned(ctx context.Context, tx storage.EntityStore, userID string, c scope.Category, entityID string) (user.Entities, error) {
	entities, err := tx.FindByIDs(ctx, c, []string{entityID})
	if err != nil {
		return user.Entities{}, fmt.Errorf("load %s: %w", c, err)
	}
	var owner string
	switch {
	case len(entities.Emails) > 0:
		owner = entities.Emails[0].UserID
	case len(entities.PhoneNumbers) > 0:
		owner = entities.PhoneNumbers[0].UserID
	case len(entities.Addresses) > 0:
		owner = entities.Addresses[0].UserID
	default:
		return user.Entities{}, ErrEntityNotFound
	}
	if owner != userID {
		return user.Entities{}, ErrNotOwner
	}
	return entities, nil
}
