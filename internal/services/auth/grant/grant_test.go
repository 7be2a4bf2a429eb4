package grant

import (
	"testing"
	"time"

	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"github.com/stretchr/testify/require"
)

func TestGrantEntityIsIdempotent(t *testing.T) {
	g := New("shop", "user-1", time.Unix(0, 0))

	require.True(t, g.GrantEntity(scope.Addresses, "addr-1", scope.TagShipping))
	require.False(t, g.GrantEntity(scope.Addresses, "addr-1", scope.TagShipping))
	require.Len(t, g.Entries, 1)

	require.True(t, g.GrantEntity(scope.Addresses, "addr-1", scope.TagBilling))
	require.Len(t, g.Entries, 1)
	require.Equal(t, scope.NewTagSet(scope.TagShipping, scope.TagBilling), g.Entries[0].Tags)
	require.True(t, g.Holds(scope.Addresses, scope.TagBilling))
	require.False(t, g.Holds(scope.Addresses, scope.TagUnknown))
}

func TestGrantFieldKeepsCanonicalOrder(t *testing.T) {
	var g Grant
	g.GrantField(scope.Timezone)
	g.GrantField(scope.FirstName)
	g.GrantField(scope.Timezone)
	require.Equal(t, []scope.Field{scope.FirstName, scope.Timezone}, g.Fields)
	require.True(t, g.HasField(scope.FirstName))
}

func TestRetag(t *testing.T) {
	var g Grant
	g.GrantEntity(scope.PhoneNumbers, "p1", scope.TagUnknown)
	require.True(t, g.Retag(scope.PhoneNumbers, "p1", scope.NewTagSet(scope.TagMobile)))
	e, ok := g.Entry(scope.PhoneNumbers, "p1")
	require.True(t, ok)
	require.Equal(t, scope.TagSet{scope.TagMobile}, e.Tags)

	require.False(t, g.Retag(scope.PhoneNumbers, "missing", scope.NewTagSet(scope.TagMobile)))
	require.False(t, g.Retag(scope.PhoneNumbers, "p1", nil))
}

func TestTombstoneLifecycle(t *testing.T) {
	var g Grant
	g.GrantEntity(scope.Addresses, "seen", scope.TagUnknown)
	g.GrantEntity(scope.Addresses, "other", scope.TagUnknown)
	g.Observe(nil, map[string]user.Fingerprint{"seen": {"city": "x"}})
	g.GrantEntity(scope.Addresses, "fresh", scope.TagUnknown)

	found, purged := g.Tombstone(scope.Addresses, "fresh")
	require.True(t, found)
	require.True(t, purged, "never observed entries are dropped immediately")

	found, purged = g.Tombstone(scope.Addresses, "seen")
	require.True(t, found)
	require.False(t, purged)
	require.Len(t, g.Active(scope.Addresses), 1)

	consumed := g.Observe(nil, nil)
	require.Equal(t, []string{"seen"}, consumed)
	_, ok := g.Entry(scope.Addresses, "seen")
	require.False(t, ok)

	found, _ = g.Tombstone(scope.Addresses, "missing")
	require.False(t, found)
}

func TestGrantEntityRevivesTombstone(t *testing.T) {
	var g Grant
	g.GrantEntity(scope.Emails, "e1", scope.TagUnknown)
	g.Observe(nil, nil)
	g.Tombstone(scope.Emails, "e1")

	require.True(t, g.GrantEntity(scope.Emails, "e1", scope.TagUnknown))
	e, _ := g.Entry(scope.Emails, "e1")
	require.False(t, e.Deleted)
	require.False(t, e.Observed())
}

func TestObserveRecordsWatermark(t *testing.T) {
	g := Grant{MergedFromTest: true}
	g.GrantEntity(scope.Emails, "e1", scope.TagUnknown)
	fp := user.FingerprintOf(map[string]string{"address": "a@example.com"})
	g.Observe(map[scope.Field]string{scope.FirstName: "h"}, map[string]user.Fingerprint{"e1": fp})

	require.True(t, g.Watermark.Observed)
	require.False(t, g.MergedFromTest)
	require.Equal(t, "h", g.Watermark.Fields[scope.FirstName])
	e, _ := g.Entry(scope.Emails, "e1")
	require.Equal(t, fp, e.Fingerprint)
	require.True(t, e.Seen.Has(scope.TagUnknown))
}

func TestMerge(t *testing.T) {
	target := Grant{Fields: []scope.Field{scope.LastName}}
	test := Grant{Fields: []scope.Field{scope.FirstName}, Watermark: Watermark{Observed: true}}
	target.Merge(test)
	require.Equal(t, []scope.Field{scope.FirstName, scope.LastName}, target.Fields)
	require.True(t, target.MergedFromTest)
	require.True(t, target.Watermark.Observed)
}
