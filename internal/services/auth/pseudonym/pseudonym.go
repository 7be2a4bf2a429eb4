// Package pseudonym virtualizes identifiers per client.
//
// Every entity a client sees is exposed under a fake id minted for the tuple
// (client, user, real id, kind). Fake ids come from the same generator as real
// ids, so they are structurally indistinguishable and carry no information
// about the real id. The same entity seen in two capacities (for example as a
// mobile and as a landline number) gets two fake ids.
//
// Resolution is insert-then-fetch: concurrent first-time resolutions of the
// same tuple race on the store's uniqueness constraint and all converge on
// the row that won. A small LRU cache answers repeat lookups; it is filled
// only after the surrounding transaction commits.
package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"go.uber.org/zap"
)

// DefaultCacheSize is used when no cache size is configured.
const DefaultCacheSize = 4096

const defaultMintAttempts = 3

// Key identifies one mapping.
type Key struct {
	ClientID string
	UserID   string
	RealID   string
	Kind     scope.Kind
}

// Store is the persistence the service needs; storage.Tx satisfies it.
type Store interface {
	storage.MappingStore
	AfterCommit(fn func())
}

// Service resolves and reverses fake ids.
type Service struct {
	cache    *lru.Cache[Key, string]
	newID    func() (string, error)
	now      func() time.Time
	attempts int
	logger   *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithIDGenerator overrides the fake id generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithClock overrides the clock used for mapping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMintAttempts bounds retries after fake id collisions.
func WithMintAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New builds a service with an LRU cache of cacheSize entries.
func New(cacheSize int, logger *zap.Logger, opts ...Option) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[Key, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create mapping cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cache:    cache,
		newID:    id.NewID,
		now:      time.Now,
		attempts: defaultMintAttempts,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolve returns the fake id for key, minting one on first use.
func (s *Service) Resolve(ctx context.Context, store Store, key Key) (string, error) {
	if !key.Kind.Valid() {
		return "", fmt.Errorf("unknown identifier kind %q", key.Kind)
	}
	if key.ClientID == "" || key.UserID == "" || key.RealID == "" {
		return "", fmt.Errorf("mapping key is incomplete")
	}
	if fake, ok := s.cache.Get(key); ok {
		return fake, nil
	}

	m, err := store.GetMapping(ctx, key.ClientID, key.UserID, key.RealID, key.Kind)
	if err == nil {
		s.remember(store, key, m.FakeID)
		return m.FakeID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	for attempt := 1; attempt <= s.attempts; attempt++ {
		fake, err := s.newID()
		if err != nil {
			return "", fmt.Errorf("generate fake id: %w", err)
		}
		err = store.InsertMapping(ctx, storage.Mapping{
			ClientID:  key.ClientID,
			UserID:    key.UserID,
			RealID:    key.RealID,
			Kind:      key.Kind,
			FakeID:    fake,
			CreatedAt: s.now().UTC(),
		})
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Warn("fake id collision", zap.String("client_id", key.ClientID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return "", err
		}
		// A concurrent resolver may have inserted the tuple first; the stored
		// row is authoritative.
		m, err := store.GetMapping(ctx, key.ClientID, key.UserID, key.RealID, key.Kind)
		if err != nil {
			return "", err
		}
		s.remember(store, key, m.FakeID)
		return m.FakeID, nil
	}

	s.logger.Error("fake id collisions exhausted", zap.String("client_id", key.ClientID), zap.String("kind", string(key.Kind)))
	return "", apperrors.WithMetadata(apperrors.CodeIntegrityViolation, "fake id collision", map[string]string{
		"client_id": key.ClientID,
		"kind":      string(key.Kind),
	})
}

// Reverse maps a client's fake id back to its key. It is for internal
// lookups only and must never be exposed to clients.
func (s *Service) Reverse(ctx context.Context, store storage.MappingStore, clientID, fakeID string) (Key, error) {
	m, err := store.GetMappingByFakeID(ctx, clientID, fakeID)
	if errors.Is(err, storage.ErrNotFound) {
		return Key{}, apperrors.New(apperrors.CodeNotFound, "unknown identifier")
	}
	if err != nil {
		return Key{}, err
	}
	return Key{ClientID: m.ClientID, UserID: m.UserID, RealID: m.RealID, Kind: m.Kind}, nil
}

// Purge removes every mapping a client holds for a real id.
func (s *Service) Purge(ctx context.Context, store Store, clientID, userID, realID string) error {
	if err := store.DeleteMappings(ctx, clientID, userID, realID); err != nil {
		return err
	}
	s.forget(store, clientID, userID, realID)
	return nil
}

// Rekey moves a mapping onto another user and real id while keeping its
// fake id, so a client keeps addressing the entity it already knows.
func (s *Service) Rekey(ctx context.Context, store Store, m storage.Mapping, userID, realID string) error {
	if err := store.RekeyMapping(ctx, m.ClientID, m.FakeID, userID, realID); err != nil {
		return err
	}
	old := Key{ClientID: m.ClientID, UserID: m.UserID, RealID: m.RealID, Kind: m.Kind}
	s.cache.Remove(old)
	store.AfterCommit(func() {
		s.cache.Remove(old)
		s.cache.Add(Key{ClientID: m.ClientID, UserID: userID, RealID: realID, Kind: m.Kind}, m.FakeID)
	})
	return nil
}

// Drop removes one mapping by fake id.
func (s *Service) Drop(ctx context.Context, store Store, m storage.Mapping) error {
	if err := store.DeleteMappingByFakeID(ctx, m.ClientID, m.FakeID); err != nil {
		return err
	}
	key := Key{ClientID: m.ClientID, UserID: m.UserID, RealID: m.RealID, Kind: m.Kind}
	s.cache.Remove(key)
	store.AfterCommit(func() { s.cache.Remove(key) })
	return nil
}

// ForgetUser evicts every cached mapping of a user.
func (s *Service) ForgetUser(userID string) {
	for _, key := range s.cache.Keys() {
		if key.UserID == userID {
			s.cache.Remove(key)
		}
	}
}

func (s *Service) remember(store Store, key Key, fake string) {
	store.AfterCommit(func() { s.cache.Add(key, fake) })
}

func (s *Service) forget(store Store, clientID, userID, realID string) {
	keys := make([]Key, 0, len(scope.Kinds()))
	for _, kind := range scope.Kinds() {
		keys = append(keys, Key{ClientID: clientID, UserID: userID, RealID: realID, Kind: kind})
	}
	evict := func() {
		for _, key := range keys {
			s.cache.Remove(key)
		}
	}
	evict()
	store.AfterCommit(evict)
}
