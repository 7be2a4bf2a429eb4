package resolver

import (
	"testing"
	"time"

	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func testClient(names []string, flags ...string) client.Client {
	return client.Client{
		ID:    "shop",
		Scope: scope.MustParse(names...),
		Flags: scope.MustParseFlags(flags...),
	}
}

func TestFieldsSplitIntoShowAndAuthorize(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantField(scope.Nickname)

	req := Resolve(Input{
		Client:  testClient([]string{"first_name", "last_name", "nickname"}),
		Profile: user.Profile{scope.FirstName: "Ada", scope.Nickname: "ada"},
		Grant:   g,
	})
	require.Equal(t, []scope.Slot{scope.FieldSlot(scope.LastName)}, req.Show)
	require.Equal(t, []Candidate{{Slot: scope.FieldSlot(scope.FirstName)}}, req.Authorize)
	require.False(t, req.Complete())
}

func TestCompleteWhenGrantCoversScope(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantField(scope.FirstName)
	g.GrantEntity(scope.Emails, "email-1", scope.TagUnknown)

	req := Resolve(Input{
		Client:   testClient([]string{"first_name", "emails"}),
		Profile:  user.Profile{scope.FirstName: "Ada"},
		Entities: user.Entities{Emails: []user.Email{{ID: "email-1"}}},
		Grant:    g,
	})
	require.True(t, req.Complete())
}

func TestProfilePhotoPlaceholder(t *testing.T) {
	c := testClient([]string{"first_name", "profile_photo"})

	req := Resolve(Input{Client: c, Grant: grant.New("shop", "user-1", now)})
	require.Equal(t, []scope.Slot{scope.FieldSlot(scope.FirstName)}, req.Show)
	require.True(t, req.PlaceholderPhoto)

	g := grant.New("shop", "user-1", now)
	g.GrantField(scope.FirstName)
	req = Resolve(Input{Client: c, Profile: user.Profile{scope.FirstName: "Ada"}, Grant: g})
	require.Equal(t, []scope.Slot{scope.FieldSlot(scope.ProfilePhoto)}, req.Show)
	require.False(t, req.PlaceholderPhoto)
}

func TestPluralSlotsOfferExistingEntities(t *testing.T) {
	entities := user.Entities{
		Emails: []user.Email{{ID: "email-1"}, {ID: "email-2"}},
		PhoneNumbers: []user.PhoneNumber{
			{ID: "phone-m", Type: phone.TypeMobile},
			{ID: "phone-u", Type: phone.TypeUnknown},
		},
	}
	req := Resolve(Input{
		Client:   testClient([]string{"emails", "phone_numbers"}, "mobile_phone_number", "landline_phone_number"),
		Entities: entities,
		Grant:    grant.New("shop", "user-1", now),
	})
	require.Empty(t, req.Show)
	require.Equal(t, []Candidate{
		{Slot: scope.EntitySlot(scope.Emails, scope.TagUnknown), Options: []string{"email-1", "email-2"}},
		{Slot: scope.EntitySlot(scope.PhoneNumbers, scope.TagMobile), Options: []string{"phone-m", "phone-u"}},
		{Slot: scope.EntitySlot(scope.PhoneNumbers, scope.TagLandline), Options: []string{"phone-u"}},
	}, req.Authorize)
}

func TestPhoneFlagsUpgradeReclassifiesUnknownNumber(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.PhoneNumbers, "phone-1", scope.TagUnknown)
	g.Observe(nil, nil)

	req := Resolve(Input{
		Client:   testClient([]string{"phone_numbers"}, "mobile_phone_number", "landline_phone_number"),
		Entities: user.Entities{PhoneNumbers: []user.PhoneNumber{{ID: "phone-1", Type: phone.TypeMobile}}},
		Grant:    g,
	})
	require.Equal(t, []scope.Slot{scope.EntitySlot(scope.PhoneNumbers, scope.TagLandline)}, req.Show)
	require.Empty(t, req.Authorize)
	require.Equal(t, []Retag{{Category: scope.PhoneNumbers, RealID: "phone-1", Tags: scope.TagSet{scope.TagMobile}}}, req.Retag)
	require.Empty(t, req.Revoke)
}

func TestPhoneOfUnknownTypeFillsFirstTypedSlot(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.PhoneNumbers, "phone-1", scope.TagUnknown)

	req := Resolve(Input{
		Client:   testClient([]string{"phone_numbers"}, "mobile_phone_number", "landline_phone_number"),
		Entities: user.Entities{PhoneNumbers: []user.PhoneNumber{{ID: "phone-1", Type: phone.TypeUnknown}}},
		Grant:    g,
	})
	require.Equal(t, []Retag{{Category: scope.PhoneNumbers, RealID: "phone-1", Tags: scope.TagSet{scope.TagMobile}}}, req.Retag)
	require.Equal(t, []scope.Slot{scope.EntitySlot(scope.PhoneNumbers, scope.TagLandline)}, req.Show)
	require.Empty(t, req.Authorize)
}

func TestGrantedPhoneIsNotOfferedForSecondSlot(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.PhoneNumbers, "phone-1", scope.TagMobile)

	req := Resolve(Input{
		Client: testClient([]string{"phone_numbers"}, "mobile_phone_number", "landline_phone_number"),
		Entities: user.Entities{PhoneNumbers: []user.PhoneNumber{
			{ID: "phone-1", Type: phone.TypeUnknown},
			{ID: "phone-2", Type: phone.TypeUnknown},
		}},
		Grant: g,
	})
	require.Empty(t, req.Show)
	require.Equal(t, []Candidate{{
		Slot:    scope.EntitySlot(scope.PhoneNumbers, scope.TagLandline),
		Options: []string{"phone-2"},
	}}, req.Authorize)
}

func TestDroppingPhoneFlagsCollapsesToPriorUnknown(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.PhoneNumbers, "phone-m", scope.TagMobile)
	g.GrantEntity(scope.PhoneNumbers, "phone-l", scope.TagLandline)
	in := Input{
		Client: testClient([]string{"phone_numbers"}),
		Entities: user.Entities{PhoneNumbers: []user.PhoneNumber{
			{ID: "phone-m", Type: phone.TypeMobile},
			{ID: "phone-l", Type: phone.TypeLandline},
		}},
		Grant: g,
	}

	req := Resolve(in)
	require.Equal(t, []Retag{{Category: scope.PhoneNumbers, RealID: "phone-m", Tags: scope.TagSet{scope.TagUnknown}}}, req.Retag)
	require.Equal(t, []Revoke{{Category: scope.PhoneNumbers, RealID: "phone-l"}}, req.Revoke)

	in.PriorUnknown = map[string]bool{"phone-l": true}
	req = Resolve(in)
	require.Equal(t, []Retag{{Category: scope.PhoneNumbers, RealID: "phone-l", Tags: scope.TagSet{scope.TagUnknown}}}, req.Retag)
	require.Equal(t, []Revoke{{Category: scope.PhoneNumbers, RealID: "phone-m"}}, req.Revoke)
	require.Empty(t, req.Show)
	require.Empty(t, req.Authorize)
}

func TestSplitAddressesReuseUnknownEntry(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.Addresses, "addr-1", scope.TagUnknown)

	req := Resolve(Input{
		Client:   testClient([]string{"addresses"}, "separate_shipping_billing_address"),
		Entities: user.Entities{Addresses: []user.Address{{ID: "addr-1"}}},
		Grant:    g,
	})
	require.Equal(t, []Retag{{Category: scope.Addresses, RealID: "addr-1", Tags: scope.TagSet{scope.TagShipping}}}, req.Retag)
	require.Equal(t, []Candidate{{
		Slot:    scope.EntitySlot(scope.Addresses, scope.TagBilling),
		Options: []string{"addr-1"},
	}}, req.Authorize)
}

func TestOneAddressHoldingBothRolesCollapses(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.Addresses, "addr-1", scope.TagShipping)
	g.GrantEntity(scope.Addresses, "addr-1", scope.TagBilling)

	req := Resolve(Input{
		Client:   testClient([]string{"addresses"}),
		Entities: user.Entities{Addresses: []user.Address{{ID: "addr-1"}}},
		Grant:    g,
	})
	require.Equal(t, []Retag{{Category: scope.Addresses, RealID: "addr-1", Tags: scope.TagSet{scope.TagUnknown}}}, req.Retag)
	require.Empty(t, req.Revoke)
}

func TestTombstonedEntriesAreIgnored(t *testing.T) {
	g := grant.New("shop", "user-1", now)
	g.GrantEntity(scope.Addresses, "addr-1", scope.TagUnknown)
	g.Observe(nil, nil)
	g.Tombstone(scope.Addresses, "addr-1")

	req := Resolve(Input{Client: testClient([]string{"addresses"}), Grant: g})
	require.Equal(t, []scope.Slot{scope.EntitySlot(scope.Addresses, scope.TagUnknown)}, req.Show)
	require.Empty(t, req.Revoke)
}

func TestFitsPhone(t *testing.T) {
	require.True(t, FitsPhone(phone.TypeLandline, scope.TagUnknown))
	require.True(t, FitsPhone(phone.TypeUnknown, scope.TagMobile))
	require.True(t, FitsPhone(phone.TypeMobile, scope.TagMobile))
	require.False(t, FitsPhone(phone.TypeMobile, scope.TagLandline))
}
