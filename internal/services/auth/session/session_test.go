package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/louisbranch/veil/internal/services/auth/authorize"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewStore(client, ttl)
}

func TestCreateAndGet(t *testing.T) {
	_, store := setupStore(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	want := authorize.Session{UserID: "user-1", TestAccountID: "test-1"}
	sessionID, err := store.Create(ctx, want)
	require.NoError(t, err)

	got, err := store.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, want, got)

	want.ActingAsTest = true
	require.NoError(t, store.Save(ctx, sessionID, want))
	got, err = store.Get(ctx, sessionID)
	require.NoError(t, err)
	require.True(t, got.ActingAsTest)
}

func TestSessionsExpire(t *testing.T) {
	mr, store := setupStore(t, time.Minute)
	ctx := context.Background()

	sessionID, err := store.Create(ctx, authorize.Session{UserID: "user-1"})
	require.NoError(t, err)

	mr.FastForward(45 * time.Second)
	_, err = store.Get(ctx, sessionID)
	require.NoError(t, err, "a read slides the expiry")

	mr.FastForward(45 * time.Second)
	_, err = store.Get(ctx, sessionID)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, sessionID)
	require.ErrorIs(t, err, ErrMiss)
}

func TestGetRejectsUnknownIDs(t *testing.T) {
	_, store := setupStore(t, 0)
	ctx := context.Background()

	_, err := store.Get(ctx, "not a session id")
	require.ErrorIs(t, err, ErrMiss)

	sessionID, err := store.Create(ctx, authorize.Session{UserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, sessionID))
	require.NoError(t, store.Delete(ctx, sessionID))
	_, err = store.Get(ctx, sessionID)
	require.ErrorIs(t, err, ErrMiss)
}
