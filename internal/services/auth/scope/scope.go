package scope

import (
	"fmt"
	"slices"
	"strings"
)

// Field is a singular profile attribute.
type Field string

const (
	FirstName    Field = "first_name"
	LastName     Field = "last_name"
	Nickname     Field = "nickname"
	Gender       Field = "gender"
	DateOfBirth  Field = "date_of_birth"
	PlaceOfBirth Field = "place_of_birth"
	Nationality  Field = "nationality"
	Timezone     Field = "timezone"
	Locale       Field = "locale"
	ProfilePhoto Field = "profile_photo"
)

// Fields lists every singular field in canonical order.
var Fields = []Field{
	FirstName, LastName, Nickname, Gender, DateOfBirth,
	PlaceOfBirth, Nationality, Timezone, Locale, ProfilePhoto,
}

// Category is a plural entity collection owned by a user.
type Category string

const (
	Emails       Category = "emails"
	PhoneNumbers Category = "phone_numbers"
	Addresses    Category = "addresses"
)

// Categories lists every plural category in canonical order.
var Categories = []Category{Emails, PhoneNumbers, Addresses}

// Flag refines how a plural category is requested.
type Flag string

const (
	MobilePhoneNumber              Flag = "mobile_phone_number"
	LandlinePhoneNumber            Flag = "landline_phone_number"
	SeparateShippingBillingAddress Flag = "separate_shipping_billing_address"
)

var allFlags = []Flag{MobilePhoneNumber, LandlinePhoneNumber, SeparateShippingBillingAddress}

// Scope is the set of fields and categories a client requests.
type Scope struct {
	fields     []Field
	categories []Category
}

// Parse builds a scope from raw names. Unknown names are rejected.
func Parse(names []string) (Scope, error) {
	var s Scope
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		switch {
		case slices.Contains(Fields, Field(name)):
			if !slices.Contains(s.fields, Field(name)) {
				s.fields = append(s.fields, Field(name))
			}
		case slices.Contains(Categories, Category(name)):
			if !slices.Contains(s.categories, Category(name)) {
				s.categories = append(s.categories, Category(name))
			}
		default:
			return Scope{}, fmt.Errorf("unknown scope %q", name)
		}
	}
	s.sort()
	return s, nil
}

// MustParse is Parse for literals; it panics on unknown names.
func MustParse(names ...string) Scope {
	s, err := Parse(names)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Scope) sort() {
	slices.SortFunc(s.fields, func(a, b Field) int {
		return slices.Index(Fields, a) - slices.Index(Fields, b)
	})
	slices.SortFunc(s.categories, func(a, b Category) int {
		return slices.Index(Categories, a) - slices.Index(Categories, b)
	})
}

// Fields returns the requested singular fields in canonical order.
func (s Scope) Fields() []Field {
	return slices.Clone(s.fields)
}

// Categories returns the requested plural categories in canonical order.
func (s Scope) Categories() []Category {
	return slices.Clone(s.categories)
}

// HasField reports whether the scope requests f.
func (s Scope) HasField(f Field) bool {
	return slices.Contains(s.fields, f)
}

// HasCategory reports whether the scope requests c.
func (s Scope) HasCategory(c Category) bool {
	return slices.Contains(s.categories, c)
}

// String renders the scope as space separated names.
func (s Scope) String() string {
	names := make([]string, 0, len(s.fields)+len(s.categories))
	for _, f := range s.fields {
		names = append(names, string(f))
	}
	for _, c := range s.categories {
		names = append(names, string(c))
	}
	return strings.Join(names, " ")
}

// Flags is the set of flags a client sets.
type Flags struct {
	values []Flag
}

// ParseFlags builds a flag set from raw names. Unknown names are rejected.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, raw := range names {
		name := Flag(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if !slices.Contains(allFlags, name) {
			return Flags{}, fmt.Errorf("unknown scope flag %q", name)
		}
		if !slices.Contains(f.values, name) {
			f.values = append(f.values, name)
		}
	}
	slices.SortFunc(f.values, func(a, b Flag) int {
		return slices.Index(allFlags, a) - slices.Index(allFlags, b)
	})
	return f, nil
}

// MustParseFlags is ParseFlags for literals; it panics on unknown names.
func MustParseFlags(names ...string) Flags {
	f, err := ParseFlags(names)
	if err != nil {
		panic(err)
	}
	return f
}

// Has reports whether flag is set.
func (f Flags) Has(flag Flag) bool {
	return slices.Contains(f.values, flag)
}

// Values returns the set flags in canonical order.
func (f Flags) Values() []Flag {
	return slices.Clone(f.values)
}
