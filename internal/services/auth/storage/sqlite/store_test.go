package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

var created = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTempStore(t)
	applied, err := store.Migrate(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no pending migrations, got %v", applied)
	}
}

func TestPutGetUserRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	input := user.User{
		ID:           "user-1",
		PasswordHash: "hash",
		Profile:      user.Profile{scope.FirstName: "Ada", scope.Locale: "pt-BR"},
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Hour),
	}
	if err := store.PutUser(ctx, input); err != nil {
		t.Fatalf("put user: %v", err)
	}

	got, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.PasswordHash != "hash" || got.Profile.Get(scope.FirstName) != "Ada" || got.Profile.Get(scope.Locale) != "pt-BR" {
		t.Fatalf("unexpected user %+v", got)
	}
	if got.Profile.Has(scope.LastName) {
		t.Fatal("expected unset fields to stay unset")
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps %v %v", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEntitiesByOwnerAndIDs(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedUser(t, store, "user-1")

	if err := store.PutEmail(ctx, user.Email{ID: "e1", UserID: "user-1", Address: "ada@example.com", CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("put email: %v", err)
	}
	if err := store.PutPhoneNumber(ctx, user.PhoneNumber{ID: "p1", UserID: "user-1", Number: "+33612345678", Country: "FR", Type: phone.TypeMobile, CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("put phone: %v", err)
	}
	for i, id := range []string{"a1", "a2"} {
		at := created.Add(time.Duration(i) * time.Minute)
		if err := store.PutAddress(ctx, user.Address{ID: id, UserID: "user-1", FullName: "Ada", Line1: "1 rue", PostalCode: "75001", City: "Paris", Country: "FR", CreatedAt: at, UpdatedAt: at}); err != nil {
			t.Fatalf("put address: %v", err)
		}
	}

	owned, err := store.FindByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("find by owner: %v", err)
	}
	if len(owned.Emails) != 1 || len(owned.PhoneNumbers) != 1 || len(owned.Addresses) != 2 {
		t.Fatalf("unexpected entities %+v", owned)
	}
	if owned.PhoneNumbers[0].Type != phone.TypeMobile {
		t.Fatalf("expected mobile phone, got %q", owned.PhoneNumbers[0].Type)
	}

	byID, err := store.FindByIDs(ctx, scope.Addresses, []string{"a2", "missing"})
	if err != nil {
		t.Fatalf("find by ids: %v", err)
	}
	if len(byID.Addresses) != 1 || byID.Addresses[0].ID != "a2" {
		t.Fatalf("unexpected addresses %+v", byID.Addresses)
	}

	found, err := store.FindUserByEmail(ctx, " ADA@example.com ")
	if err != nil || found.ID != "user-1" {
		t.Fatalf("find by email = %+v, %v", found, err)
	}
}

func TestPutEmailRejectsDuplicateAddress(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedUser(t, store, "user-1")
	seedUser(t, store, "user-2")

	if err := store.PutEmail(ctx, user.Email{ID: "e1", UserID: "user-1", Address: "ada@example.com", CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("put email: %v", err)
	}
	err := store.PutEmail(ctx, user.Email{ID: "e2", UserID: "user-2", Address: "ada@example.com", CreatedAt: created, UpdatedAt: created})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedUser(t, store, "user-1")
	if err := store.PutEmail(ctx, user.Email{ID: "e1", UserID: "user-1", Address: "ada@example.com", CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("put email: %v", err)
	}
	if _, err := store.PutGrant(ctx, grant.New("shop", "user-1", created)); err != nil {
		t.Fatalf("put grant: %v", err)
	}
	if err := store.InsertMapping(ctx, storage.Mapping{ClientID: "shop", UserID: "user-1", RealID: "user-1", Kind: scope.KindUser, FakeID: "fake-1", CreatedAt: created}); err != nil {
		t.Fatalf("insert mapping: %v", err)
	}

	if err := store.DeleteUser(ctx, "user-1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := store.FindUserByEmail(ctx, "ada@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected email gone, got %v", err)
	}
	if _, err := store.GetGrant(ctx, "shop", "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected grant gone, got %v", err)
	}
	if _, err := store.GetMappingByFakeID(ctx, "shop", "fake-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected mapping gone, got %v", err)
	}
	if err := store.DeleteUser(ctx, "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestPutGrantCompareAndSwap(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	g := grant.New("shop", "user-1", created)
	g.GrantField(scope.FirstName)
	g.GrantEntity(scope.Addresses, "a1", scope.TagShipping)
	g.GrantEntity(scope.Addresses, "a1", scope.TagBilling)
	g.GrantEntity(scope.Emails, "e1", scope.TagUnknown)
	g.Watermark = grant.Watermark{Observed: true, Fields: map[scope.Field]string{scope.FirstName: "h1"}}

	stored, err := store.PutGrant(ctx, g)
	if err != nil {
		t.Fatalf("put grant: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
	if _, err := store.PutGrant(ctx, g); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on second insert, got %v", err)
	}

	got, err := store.GetGrant(ctx, "shop", "user-1")
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if got.Version != 1 || !got.HasField(scope.FirstName) || !got.Watermark.Observed || got.Watermark.Fields[scope.FirstName] != "h1" {
		t.Fatalf("unexpected grant %+v", got)
	}
	if len(got.Entries) != 2 || got.Entries[0].RealID != "a1" || !got.Entries[0].Tags.Equal(scope.NewTagSet(scope.TagShipping, scope.TagBilling)) {
		t.Fatalf("unexpected entries %+v", got.Entries)
	}

	got.Observe(nil, nil)
	updated, err := store.PutGrant(ctx, got)
	if err != nil {
		t.Fatalf("update grant: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if _, err := store.PutGrant(ctx, got); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	reloaded, err := store.GetGrant(ctx, "shop", "user-1")
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if !reloaded.Entries[1].Seen.Has(scope.TagUnknown) {
		t.Fatalf("expected seen tags to persist, got %+v", reloaded.Entries[1])
	}

	list, err := store.ListGrantsByUser(ctx, "user-1")
	if err != nil || len(list) != 1 || len(list[0].Entries) != 2 {
		t.Fatalf("list grants = %+v, %v", list, err)
	}

	if err := store.DeleteGrant(ctx, "shop", "user-1"); err != nil {
		t.Fatalf("delete grant: %v", err)
	}
	if _, err := store.GetGrant(ctx, "shop", "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMappings(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	m := storage.Mapping{ClientID: "shop", UserID: "user-1", RealID: "a1", Kind: "shipping_addresses", FakeID: "fake-1", CreatedAt: created}
	if err := store.InsertMapping(ctx, m); err != nil {
		t.Fatalf("insert mapping: %v", err)
	}

	again := m
	again.FakeID = "fake-2"
	if err := store.InsertMapping(ctx, again); err != nil {
		t.Fatalf("insert existing tuple: %v", err)
	}
	got, err := store.GetMapping(ctx, "shop", "user-1", "a1", "shipping_addresses")
	if err != nil || got.FakeID != "fake-1" {
		t.Fatalf("expected first fake id to win, got %+v, %v", got, err)
	}

	collision := storage.Mapping{ClientID: "blog", UserID: "user-1", RealID: "a1", Kind: "unknown_addresses", FakeID: "fake-1", CreatedAt: created}
	if err := store.InsertMapping(ctx, collision); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate fake id, got %v", err)
	}

	if err := store.RekeyMapping(ctx, "shop", "fake-1", "user-2", "a9"); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	moved, err := store.GetMappingByFakeID(ctx, "shop", "fake-1")
	if err != nil || moved.UserID != "user-2" || moved.RealID != "a9" {
		t.Fatalf("unexpected rekeyed mapping %+v, %v", moved, err)
	}
	if _, err := store.GetMappingByFakeID(ctx, "blog", "fake-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected other client lookup to miss, got %v", err)
	}

	if err := store.DeleteMappings(ctx, "shop", "user-2", "a9"); err != nil {
		t.Fatalf("delete mappings: %v", err)
	}
	list, err := store.ListMappings(ctx, "shop", "user-2")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no mappings, got %v, %v", list, err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	hookRan := false

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutUser(ctx, user.User{ID: "user-1", PasswordHash: "h", CreatedAt: created, UpdatedAt: created}); err != nil {
			return err
		}
		tx.AfterCommit(func() { hookRan = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if hookRan {
		t.Fatal("expected after-commit hook to be skipped on rollback")
	}
	if _, err := store.GetUser(ctx, "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected rolled back user, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tx.AfterCommit(func() { hookRan = true })
		return tx.PutUser(ctx, user.User{ID: "user-1", PasswordHash: "h", CreatedAt: created, UpdatedAt: created})
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if !hookRan {
		t.Fatal("expected after-commit hook to run")
	}
}

func TestAccessTokens(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for i, id := range []string{"t1", "t2"} {
		token := storage.AccessToken{ID: id, ClientID: "shop", UserID: "user-1", CreatedAt: created, ExpiresAt: created.Add(time.Duration(i+1) * time.Hour)}
		if err := store.PutAccessToken(ctx, token); err != nil {
			t.Fatalf("put token: %v", err)
		}
	}
	active, err := store.FindActiveAccessToken(ctx, "shop", "user-1", created.Add(30*time.Minute))
	if err != nil || active.ID != "t2" {
		t.Fatalf("expected newest token, got %+v, %v", active, err)
	}
	if _, err := store.FindActiveAccessToken(ctx, "shop", "user-1", created.Add(3*time.Hour)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no active token, got %v", err)
	}
	if err := store.DeleteAccessTokensForUser(ctx, "user-1"); err != nil {
		t.Fatalf("delete tokens: %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected token gone, got %v", err)
	}
}

func TestGetStatistics(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedUser(t, store, "user-1")
	if err := store.PutUser(ctx, user.User{ID: "test-1", TestClientID: "shop", CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("put test user: %v", err)
	}
	if _, err := store.PutGrant(ctx, grant.New("shop", "user-1", created)); err != nil {
		t.Fatalf("put grant: %v", err)
	}

	stats, err := store.GetStatistics(ctx, nil)
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if stats.UserCount != 2 || stats.TestUserCount != 1 || stats.GrantCount != 1 || stats.MappingCount != 0 {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	later := created.Add(time.Hour)
	stats, err = store.GetStatistics(ctx, &later)
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if stats.UserCount != 0 {
		t.Fatalf("expected no users since later, got %d", stats.UserCount)
	}
}

func seedUser(t *testing.T, store *Store, userID string) {
	t.Helper()
	if err := store.PutUser(context.Background(), user.User{ID: userID, PasswordHash: "h", CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veil.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
