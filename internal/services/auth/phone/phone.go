// Package phone normalizes phone numbers and classifies them as mobile or
// landline.
//
// Classification is country dependent and heuristic. The engine only sees
// the Classifier interface; PrefixClassifier is a table-driven default that
// answers TypeUnknown whenever the numbering plan does not separate the two.
package phone

import (
	"errors"
	"strings"

	"github.com/louisbranch/veil/internal/services/auth/scope"
)

// Type is the line type of a phone number.
type Type string

const (
	TypeUnknown  Type = "unknown"
	TypeMobile   Type = "mobile"
	TypeLandline Type = "landline"
)

// ParseType maps stored values back to a Type, defaulting to unknown.
func ParseType(value string) Type {
	switch Type(strings.TrimSpace(value)) {
	case TypeMobile:
		return TypeMobile
	case TypeLandline:
		return TypeLandline
	default:
		return TypeUnknown
	}
}

// Tag returns the grant tag matching the type.
func (t Type) Tag() scope.Tag {
	switch t {
	case TypeMobile:
		return scope.TagMobile
	case TypeLandline:
		return scope.TagLandline
	default:
		return scope.TagUnknown
	}
}

// TypeForTag returns the type a phone slot tag demands.
func TypeForTag(tag scope.Tag) Type {
	switch tag {
	case scope.TagMobile:
		return TypeMobile
	case scope.TagLandline:
		return TypeLandline
	default:
		return TypeUnknown
	}
}

// Classifier infers the line type of a number.
type Classifier interface {
	Classify(number, country string) Type
}

var (
	// ErrInvalidNumber reports a number that cannot be normalized.
	ErrInvalidNumber = errors.New("invalid phone number")
	// ErrUnknownCountry reports a national number without a known country.
	ErrUnknownCountry = errors.New("unknown phone country")
)

type plan struct {
	callingCode string
	mobile      []string
	landline    []string
}

// plans holds national significant number prefixes per ISO country.
var plans = map[string]plan{
	"FR": {callingCode: "33", mobile: []string{"6", "7"}, landline: []string{"1", "2", "3", "4", "5"}},
	"GB": {callingCode: "44", mobile: []string{"7"}, landline: []string{"1", "2"}},
	"DE": {callingCode: "49", mobile: []string{"15", "16", "17"}, landline: []string{"2", "3", "4", "5", "6", "7", "8", "9"}},
	"ES": {callingCode: "34", mobile: []string{"6", "7"}, landline: []string{"8", "9"}},
	"IT": {callingCode: "39", mobile: []string{"3"}, landline: []string{"0"}},
	"BE": {callingCode: "32", mobile: []string{"4"}, landline: []string{"1", "2", "3", "5", "6", "7", "8", "9"}},
	"US": {callingCode: "1"},
	"CA": {callingCode: "1"},
}

// Normalize converts a number into E.164 form. National numbers (leading 0
// or no prefix) need a known country.
func Normalize(number, country string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalidNumber
		}
	}
	cleaned := b.String()

	var e164 string
	switch {
	case strings.HasPrefix(cleaned, "+"):
		e164 = cleaned
	case strings.HasPrefix(cleaned, "00"):
		e164 = "+" + cleaned[2:]
	default:
		p, ok := plans[strings.ToUpper(strings.TrimSpace(country))]
		if !ok {
			return "", ErrUnknownCountry
		}
		e164 = "+" + p.callingCode + strings.TrimPrefix(cleaned, "0")
	}

	digits := len(e164) - 1
	if digits < 8 || digits > 15 {
		return "", ErrInvalidNumber
	}
	return e164, nil
}

// PrefixClassifier classifies numbers from per-country prefix tables.
type PrefixClassifier struct{}

// Classify implements Classifier.
func (PrefixClassifier) Classify(number, country string) Type {
	e164, err := Normalize(number, country)
	if err != nil {
		return TypeUnknown
	}
	national, p, ok := splitCallingCode(e164, country)
	if !ok {
		return TypeUnknown
	}
	for _, prefix := range p.mobile {
		if strings.HasPrefix(national, prefix) {
			return TypeMobile
		}
	}
	for _, prefix := range p.landline {
		if strings.HasPrefix(national, prefix) {
			return TypeLandline
		}
	}
	return TypeUnknown
}

// splitCallingCode finds the plan for an E.164 number, preferring the
// caller's country when several share a calling code.
func splitCallingCode(e164, country string) (string, plan, bool) {
	digits := strings.TrimPrefix(e164, "+")
	if p, ok := plans[strings.ToUpper(strings.TrimSpace(country))]; ok && strings.HasPrefix(digits, p.callingCode) {
		return digits[len(p.callingCode):], p, true
	}
	for _, p := range plans {
		if strings.HasPrefix(digits, p.callingCode) && len(p.mobile)+len(p.landline) > 0 {
			return digits[len(p.callingCode):], p, true
		}
	}
	return "", plan{}, false
}
