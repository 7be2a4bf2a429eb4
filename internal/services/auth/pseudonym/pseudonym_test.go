package pseudonym

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/storage/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "veil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := New(16, zap.NewNop(), opts...)
	require.NoError(t, err)
	return svc
}

func TestResolveIsStable(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t)

	key := Key{ClientID: "shop", UserID: "user-1", RealID: "addr-1", Kind: scope.KindFor(scope.Addresses, scope.TagShipping)}
	first, err := svc.Resolve(ctx, store, key)
	require.NoError(t, err)
	require.True(t, id.Valid(first), "fake ids share the real id format")
	require.NotEqual(t, key.RealID, first)

	second, err := svc.Resolve(ctx, store, key)
	require.NoError(t, err)
	require.Equal(t, first, second)

	fresh := newService(t)
	third, err := fresh.Resolve(ctx, store, key)
	require.NoError(t, err)
	require.Equal(t, first, third, "stability does not depend on the cache")
}

func TestResolveSeparatesClientsAndKinds(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t)

	base := Key{ClientID: "shop", UserID: "user-1", RealID: "phone-1", Kind: scope.KindFor(scope.PhoneNumbers, scope.TagMobile)}
	otherClient := base
	otherClient.ClientID = "blog"
	otherKind := base
	otherKind.Kind = scope.KindFor(scope.PhoneNumbers, scope.TagLandline)

	seen := map[string]Key{}
	for _, key := range []Key{base, otherClient, otherKind} {
		fake, err := svc.Resolve(ctx, store, key)
		require.NoError(t, err)
		_, dup := seen[fake]
		require.False(t, dup, "fake id reused for %+v", key)
		seen[fake] = key
	}
}

func TestResolveRejectsBadKeys(t *testing.T) {
	store := openStore(t)
	svc := newService(t)
	_, err := svc.Resolve(context.Background(), store, Key{ClientID: "shop", UserID: "u", RealID: "r", Kind: "mobile_addresses"})
	require.Error(t, err)
	_, err = svc.Resolve(context.Background(), store, Key{ClientID: "shop", Kind: scope.KindUser})
	require.Error(t, err)
}

func TestResolveRetriesCollisions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	taken := newService(t)
	existing, err := taken.Resolve(ctx, store, Key{ClientID: "blog", UserID: "user-9", RealID: "user-9", Kind: scope.KindUser})
	require.NoError(t, err)

	ids := []string{existing, existing, "fresh-fake-id"}
	svc := newService(t, WithIDGenerator(func() (string, error) {
		next := ids[0]
		ids = ids[1:]
		return next, nil
	}))
	fake, err := svc.Resolve(ctx, store, Key{ClientID: "shop", UserID: "user-1", RealID: "user-1", Kind: scope.KindUser})
	require.NoError(t, err)
	require.Equal(t, "fresh-fake-id", fake)
}

func TestResolveCollisionExhaustionIsIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	existing, err := newService(t).Resolve(ctx, store, Key{ClientID: "blog", UserID: "user-9", RealID: "user-9", Kind: scope.KindUser})
	require.NoError(t, err)

	svc := newService(t, WithMintAttempts(2), WithIDGenerator(func() (string, error) { return existing, nil }))
	_, err = svc.Resolve(ctx, store, Key{ClientID: "shop", UserID: "user-1", RealID: "user-1", Kind: scope.KindUser})
	require.True(t, apperrors.HasCode(err, apperrors.CodeIntegrityViolation), "got %v", err)
}

func TestResolveConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t)
	key := Key{ClientID: "shop", UserID: "user-1", RealID: "email-1", Kind: scope.KindFor(scope.Emails, scope.TagUnknown)}

	const workers = 8
	results := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Resolve(ctx, store, key)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	list, err := store.ListMappings(ctx, "shop", "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t)
	key := Key{ClientID: "shop", UserID: "user-1", RealID: "addr-1", Kind: scope.KindFor(scope.Addresses, scope.TagBilling)}
	fake, err := svc.Resolve(ctx, store, key)
	require.NoError(t, err)

	got, err := svc.Reverse(ctx, store, "shop", fake)
	require.NoError(t, err)
	require.Equal(t, key, got)

	_, err = svc.Reverse(ctx, store, "blog", fake)
	require.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestPurgeAndRekeyEvictCache(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t)

	key := Key{ClientID: "shop", UserID: "user-1", RealID: "addr-1", Kind: scope.KindFor(scope.Addresses, scope.TagUnknown)}
	first, err := svc.Resolve(ctx, store, key)
	require.NoError(t, err)

	require.NoError(t, svc.Purge(ctx, store, "shop", "user-1", "addr-1"))
	second, err := svc.Resolve(ctx, store, key)
	require.NoError(t, err)
	require.NotEqual(t, first, second, "purged mappings are minted afresh")

	m, err := store.GetMapping(ctx, "shop", "user-1", "addr-1", key.Kind)
	require.NoError(t, err)
	require.NoError(t, svc.Rekey(ctx, store, m, "user-2", "addr-9"))

	moved := Key{ClientID: "shop", UserID: "user-2", RealID: "addr-9", Kind: key.Kind}
	got, err := svc.Resolve(ctx, store, moved)
	require.NoError(t, err)
	require.Equal(t, second, got)

	third, err := svc.Resolve(ctx, store, key)
	require.NoError(t, err)
	require.NotEqual(t, second, third)

	m, err = store.GetMapping(ctx, "shop", "user-1", "addr-1", key.Kind)
	require.NoError(t, err)
	require.NoError(t, svc.Drop(ctx, store, m))
	_, err = store.GetMappingByFakeID(ctx, "shop", third)
	require.ErrorIs(t, err, storage.ErrNotFound)

	svc.ForgetUser("user-2")
	require.Zero(t, svc.cache.Len())
}

func TestCacheFilledOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t)
	key := Key{ClientID: "shop", UserID: "user-1", RealID: "user-1", Kind: scope.KindUser}

	rollback := apperrors.New(apperrors.CodeValidationFailed, "abort")
	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := svc.Resolve(ctx, tx, key); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	require.Zero(t, svc.cache.Len())

	_, err = store.GetMapping(ctx, "shop", "user-1", "user-1", scope.KindUser)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
