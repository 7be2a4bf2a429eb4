package user

import (
	"fmt"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/scope"
)

// User represents an identity record.
type User struct {
	ID           string
	PasswordHash string
	Profile      Profile
	// TestClientID marks a test account usable only through that client.
	TestClientID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsTest reports whether the user is a test account.
func (u User) IsTest() bool {
	return u.TestClientID != ""
}

// Profile holds the singular fields a user has set.
type Profile map[scope.Field]string

// Get returns the value of f, or "" when unset.
func (p Profile) Get(f scope.Field) string {
	if p == nil {
		return ""
	}
	return p[f]
}

// Has reports whether f is set.
func (p Profile) Has(f scope.Field) bool {
	return p.Get(f) != ""
}

// With returns a copy of the profile with f set to value; an empty value
// clears the field.
func (p Profile) With(f scope.Field, value string) Profile {
	out := make(Profile, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	if value == "" {
		delete(out, f)
	} else {
		out[f] = value
	}
	return out
}

// NewUserInput describes the data needed to create a user.
type NewUserInput struct {
	PasswordHash string
	Profile      Profile
	TestClientID string
}

// NewUser creates a user from validated input.
//
// Profile values are normalized here; a failing field is reported under its
// own name so callers can merge it with other form errors.
func NewUser(input NewUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	createdAt := now().UTC()

	profile, err := NormalizeProfile(input.Profile, createdAt)
	if err != nil {
		return User{}, err
	}
	if input.PasswordHash == "" && input.TestClientID == "" {
		return User{}, apperrors.New(apperrors.CodeValidationFailed, "password is required")
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}
	return User{
		ID:           userID,
		PasswordHash: input.PasswordHash,
		Profile:      profile,
		TestClientID: input.TestClientID,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// NormalizeProfile validates every set field of p.
func NormalizeProfile(p Profile, now time.Time) (Profile, error) {
	var v apperrors.Validation
	out := make(Profile, len(p))
	for field, value := range p {
		normalized, reason := NormalizeField(field, value, now)
		if reason != "" {
			v.Add(string(field), reason)
			continue
		}
		if normalized != "" {
			out[field] = normalized
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FieldHash fingerprints a singular field value.
func FieldHash(value string) string {
	if value == "" {
		return ""
	}
	return hashValue(value)
}
