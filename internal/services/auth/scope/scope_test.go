package scope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOrdersAndDeduplicates(t *testing.T) {
	s, err := Parse([]string{"addresses", "last_name", " first_name ", "emails", "last_name", ""})
	require.NoError(t, err)
	require.Equal(t, []Field{FirstName, LastName}, s.Fields())
	require.Equal(t, []Category{Emails, Addresses}, s.Categories())
	require.True(t, s.HasField(LastName))
	require.False(t, s.HasCategory(PhoneNumbers))
	require.Equal(t, "first_name last_name emails addresses", s.String())
}

func TestParseRejectsUnknownNames(t *testing.T) {
	_, err := Parse([]string{"first_name", "shoe_size"})
	require.Error(t, err)

	_, err = ParseFlags([]string{"mobile_phone_number", "fax"})
	require.Error(t, err)
}

func TestSlotsExpandFlags(t *testing.T) {
	s := MustParse("first_name", "phone_numbers", "addresses")

	plain := Slots(s, Flags{})
	require.Equal(t, []Slot{
		FieldSlot(FirstName),
		EntitySlot(PhoneNumbers, TagUnknown),
		EntitySlot(Addresses, TagUnknown),
	}, plain)

	split := Slots(s, MustParseFlags("landline_phone_number", "mobile_phone_number", "separate_shipping_billing_address"))
	require.Equal(t, []Slot{
		FieldSlot(FirstName),
		EntitySlot(PhoneNumbers, TagMobile),
		EntitySlot(PhoneNumbers, TagLandline),
		EntitySlot(Addresses, TagShipping),
		EntitySlot(Addresses, TagBilling),
	}, split)
}

func TestSlotKeys(t *testing.T) {
	cases := map[Slot]string{
		FieldSlot(Gender):                     "gender",
		EntitySlot(Emails, TagUnknown):        "email",
		EntitySlot(PhoneNumbers, TagUnknown):  "phone_number",
		EntitySlot(PhoneNumbers, TagMobile):   "mobile_phone_number",
		EntitySlot(PhoneNumbers, TagLandline): "landline_phone_number",
		EntitySlot(Addresses, TagUnknown):     "address",
		EntitySlot(Addresses, TagShipping):    "shipping_address",
		EntitySlot(Addresses, TagBilling):     "billing_address",
	}
	for slot, want := range cases {
		require.Equal(t, want, slot.Key())
	}
}

func TestKindFor(t *testing.T) {
	require.Equal(t, Kind("emails"), KindFor(Emails, TagUnknown))
	require.Equal(t, Kind("mobile_phone_numbers"), KindFor(PhoneNumbers, TagMobile))
	require.Equal(t, Kind("unknown_phone_numbers"), KindFor(PhoneNumbers, TagUnknown))
	require.Equal(t, Kind("shipping_addresses"), KindFor(Addresses, TagShipping))
	require.True(t, KindFor(Addresses, TagBilling).Valid())
	require.True(t, KindUser.Valid())
	require.False(t, Kind("mobile_addresses").Valid())
	require.Len(t, Kinds(), 8)
	require.Equal(t, KindUser, Kinds()[0])

	c, tag, ok := ParseKind("billing_addresses")
	require.True(t, ok)
	require.Equal(t, Addresses, c)
	require.Equal(t, TagBilling, tag)
	c, tag, ok = ParseKind(Kind(Emails))
	require.True(t, ok)
	require.Equal(t, Emails, c)
	require.Equal(t, TagUnknown, tag)
	_, _, ok = ParseKind(KindUser)
	require.False(t, ok)
}

func TestTagSet(t *testing.T) {
	set := NewTagSet(TagBilling, TagShipping, TagBilling)
	require.Equal(t, TagSet{TagShipping, TagBilling}, set)
	require.Equal(t, "shipping,billing", set.String())

	parsed, err := ParseTagSet("billing, shipping")
	require.NoError(t, err)
	require.True(t, parsed.Equal(set))

	require.Equal(t, TagSet{TagBilling}, set.Without(TagShipping))
	require.True(t, set.With(TagUnknown).Has(TagUnknown))
	require.False(t, set.Has(TagUnknown), "With must not mutate the receiver")

	_, err = ParseTagSet("shipping,fax")
	require.Error(t, err)
}

func TestValidTag(t *testing.T) {
	require.True(t, ValidTag(PhoneNumbers, TagLandline))
	require.False(t, ValidTag(PhoneNumbers, TagShipping))
	require.False(t, ValidTag(Emails, TagMobile))
}
