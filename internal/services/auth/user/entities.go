package user

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/scope"
)

// Email is an email address owned by a user.
type Email struct {
	ID        string
	UserID    string
	Address   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attributes returns the client-visible attributes of the email.
func (e Email) Attributes() map[string]string {
	return map[string]string{"address": e.Address}
}

// PhoneNumber is a phone number owned by a user, stored in E.164 form.
type PhoneNumber struct {
	ID        string
	UserID    string
	Number    string
	Country   string
	Type      phone.Type
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attributes returns the client-visible attributes of the phone number.
func (p PhoneNumber) Attributes() map[string]string {
	return map[string]string{"number": p.Number, "country": p.Country}
}

// Address is a postal address owned by a user. Shipping and billing roles
// are not stored here; they depend on the client that sees the address.
type Address struct {
	ID         string
	UserID     string
	FullName   string
	Line1      string
	Line2      string
	PostalCode string
	City       string
	Country    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Attributes returns the client-visible attributes of the address.
func (a Address) Attributes() map[string]string {
	return map[string]string{
		"full_name":   a.FullName,
		"line1":       a.Line1,
		"line2":       a.Line2,
		"postal_code": a.PostalCode,
		"city":        a.City,
		"country":     a.Country,
	}
}

// SameContent reports whether two addresses hold the same postal data.
func (a Address) SameContent(other Address) bool {
	return a.FullName == other.FullName && a.Line1 == other.Line1 && a.Line2 == other.Line2 &&
		a.PostalCode == other.PostalCode && a.City == other.City && a.Country == other.Country
}

// NormalizeEmail lowercases and validates an address.
func NormalizeEmail(value string) (string, string) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", ReasonRequired
	}
	parsed, err := mail.ParseAddress(value)
	if err != nil || parsed.Address != value {
		return "", ReasonInvalid
	}
	return value, ""
}

// NewEmail creates an email for userID. field names the form key reported
// on failure.
func NewEmail(userID, field, address string, now func() time.Time, idGenerator func() (string, error)) (Email, error) {
	normalized, reason := NormalizeEmail(address)
	if reason != "" {
		var v apperrors.Validation
		v.Add(field, reason)
		return Email{}, v.Err()
	}
	emailID, createdAt, err := stamp(now, idGenerator)
	if err != nil {
		return Email{}, err
	}
	return Email{ID: emailID, UserID: userID, Address: normalized, CreatedAt: createdAt, UpdatedAt: createdAt}, nil
}

// PhoneInput is the raw form data for a phone number.
type PhoneInput struct {
	Number  string
	Country string
	// Type is the slot's demanded type; unknown lets the classifier decide.
	Type phone.Type
}

// NewPhoneNumber normalizes and classifies a phone number. A number whose
// inferred type contradicts the demanded type is rejected.
func NewPhoneNumber(userID, field string, input PhoneInput, classifier phone.Classifier, now func() time.Time, idGenerator func() (string, error)) (PhoneNumber, error) {
	var v apperrors.Validation
	country, reason := NormalizeCountry(input.Country)
	if reason != "" {
		v.Add(field+"_country", reason)
		return PhoneNumber{}, v.Err()
	}
	if strings.TrimSpace(input.Number) == "" {
		v.Add(field, ReasonRequired)
		return PhoneNumber{}, v.Err()
	}
	number, err := phone.Normalize(input.Number, country)
	if err != nil {
		v.Add(field, ReasonInvalid)
		return PhoneNumber{}, v.Err()
	}
	kind := phone.TypeUnknown
	if classifier != nil {
		kind = classifier.Classify(number, country)
	}
	if input.Type != "" && input.Type != phone.TypeUnknown {
		if kind != phone.TypeUnknown && kind != input.Type {
			v.Add(field, ReasonTypeMismatch)
			return PhoneNumber{}, v.Err()
		}
		kind = input.Type
	}
	phoneID, createdAt, err := stamp(now, idGenerator)
	if err != nil {
		return PhoneNumber{}, err
	}
	return PhoneNumber{
		ID:        phoneID,
		UserID:    userID,
		Number:    number,
		Country:   country,
		Type:      kind,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// AddressInput is the raw form data for an address.
type AddressInput struct {
	FullName   string
	Line1      string
	Line2      string
	PostalCode string
	City       string
	Country    string
}

// Normalize validates the address, reporting sub-fields as prefix.name.
func (in AddressInput) Normalize(prefix string) (AddressInput, error) {
	var v apperrors.Validation
	text := func(name, value string, required bool) string {
		value = strings.TrimSpace(value)
		switch {
		case value == "" && required:
			v.Add(prefix+"."+name, ReasonRequired)
		case utf8.RuneCountInString(value) > maxTextLength:
			v.Add(prefix+"."+name, ReasonTooLong)
		}
		return value
	}
	out := AddressInput{
		FullName:   text("full_name", in.FullName, true),
		Line1:      text("line1", in.Line1, true),
		Line2:      text("line2", in.Line2, false),
		PostalCode: text("postal_code", in.PostalCode, true),
		City:       text("city", in.City, true),
	}
	country, reason := NormalizeCountry(in.Country)
	if reason != "" {
		v.Add(prefix+".country", reason)
	}
	out.Country = country
	if err := v.Err(); err != nil {
		return AddressInput{}, err
	}
	return out, nil
}

// NewAddress creates an address for userID from validated input.
func NewAddress(userID, prefix string, input AddressInput, now func() time.Time, idGenerator func() (string, error)) (Address, error) {
	normalized, err := input.Normalize(prefix)
	if err != nil {
		return Address{}, err
	}
	addressID, createdAt, err := stamp(now, idGenerator)
	if err != nil {
		return Address{}, err
	}
	return Address{
		ID:         addressID,
		UserID:     userID,
		FullName:   normalized.FullName,
		Line1:      normalized.Line1,
		Line2:      normalized.Line2,
		PostalCode: normalized.PostalCode,
		City:       normalized.City,
		Country:    normalized.Country,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}, nil
}

func stamp(now func() time.Time, idGenerator func() (string, error)) (string, time.Time, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	value, err := idGenerator()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate id: %w", err)
	}
	return value, now().UTC(), nil
}

// Entities bundles the child records of one user.
type Entities struct {
	Emails       []Email
	PhoneNumbers []PhoneNumber
	Addresses    []Address
}

// Attributes returns the visible attributes of the entity id in category c.
func (e Entities) Attributes(c scope.Category, entityID string) (map[string]string, bool) {
	switch c {
	case scope.Emails:
		for _, v := range e.Emails {
			if v.ID == entityID {
				return v.Attributes(), true
			}
		}
	case scope.PhoneNumbers:
		for _, v := range e.PhoneNumbers {
			if v.ID == entityID {
				return v.Attributes(), true
			}
		}
	case scope.Addresses:
		for _, v := range e.Addresses {
			if v.ID == entityID {
				return v.Attributes(), true
			}
		}
	}
	return nil, false
}

// IDs lists the entity ids of category c in stored order.
func (e Entities) IDs(c scope.Category) []string {
	var ids []string
	switch c {
	case scope.Emails:
		for _, v := range e.Emails {
			ids = append(ids, v.ID)
		}
	case scope.PhoneNumbers:
		for _, v := range e.PhoneNumbers {
			ids = append(ids, v.ID)
		}
	case scope.Addresses:
		for _, v := range e.Addresses {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// Phone returns the phone number with id.
func (e Entities) Phone(phoneID string) (PhoneNumber, bool) {
	for _, v := range e.PhoneNumbers {
		if v.ID == phoneID {
			return v, true
		}
	}
	return PhoneNumber{}, false
}

// Fingerprint returns the attribute fingerprint of an entity.
func (e Entities) Fingerprint(c scope.Category, entityID string) (Fingerprint, bool) {
	attrs, ok := e.Attributes(c, entityID)
	if !ok {
		return nil, false
	}
	return FingerprintOf(attrs), true
}
