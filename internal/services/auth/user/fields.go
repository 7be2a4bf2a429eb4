package user

import (
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"github.com/louisbranch/veil/internal/services/auth/scope"
	"golang.org/x/text/language"
)

// Reasons reported in field errors.
const (
	ReasonRequired     = "required"
	ReasonInvalid      = "invalid"
	ReasonTooLong      = "too_long"
	ReasonInFuture     = "in_future"
	ReasonTaken        = "taken"
	ReasonTypeMismatch = "type_mismatch"
	ReasonDuplicate    = "duplicate"
	ReasonUnknownField = "unknown_field"
)

const maxTextLength = 100

// Genders accepted by the gender field.
var Genders = []string{"female", "male", "other"}

// NormalizeField trims and validates one singular field value. It returns a
// non-empty reason when the value is rejected.
func NormalizeField(f scope.Field, value string, now time.Time) (string, string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ReasonRequired
	}
	switch f {
	case scope.FirstName, scope.LastName, scope.Nickname, scope.PlaceOfBirth:
		if utf8.RuneCountInString(value) > maxTextLength {
			return "", ReasonTooLong
		}
		return value, ""
	case scope.Gender:
		value = strings.ToLower(value)
		for _, g := range Genders {
			if g == value {
				return value, ""
			}
		}
		return "", ReasonInvalid
	case scope.DateOfBirth:
		born, err := time.Parse(time.DateOnly, value)
		if err != nil {
			return "", ReasonInvalid
		}
		if born.After(now) {
			return "", ReasonInFuture
		}
		return born.Format(time.DateOnly), ""
	case scope.Nationality:
		return NormalizeCountry(value)
	case scope.Timezone:
		if _, err := time.LoadLocation(value); err != nil || value == "Local" {
			return "", ReasonInvalid
		}
		return value, ""
	case scope.Locale:
		tag, err := language.Parse(value)
		if err != nil {
			return "", ReasonInvalid
		}
		return tag.String(), ""
	case scope.ProfilePhoto:
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", ReasonInvalid
		}
		return u.String(), ""
	default:
		return "", ReasonUnknownField
	}
}

// NormalizeCountry validates an ISO 3166-1 alpha-2 country code.
func NormalizeCountry(value string) (string, string) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return "", ReasonRequired
	}
	if len(value) != 2 {
		return "", ReasonInvalid
	}
	region, err := language.ParseRegion(value)
	if err != nil || !region.IsCountry() {
		return "", ReasonInvalid
	}
	return region.String(), ""
}
