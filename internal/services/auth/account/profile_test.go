package account

import (
	"testing"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

func TestApplyProfileUpdate_NormalizesAndClears(t *testing.T) {
	now := time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC)
	current := user.Profile{scope.FirstName: "Ada", scope.Nickname: "ada"}

	updated, changed, err := ApplyProfileUpdate(current, ProfileUpdate{
		scope.FirstName: " Ada ",
		scope.Gender:    "Female",
		scope.Nickname:  "",
	}, now)
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if !changed {
		t.Fatal("expected profile to change")
	}
	if got := updated.Get(scope.Gender); got != "female" {
		t.Fatalf("gender = %q, want female", got)
	}
	if updated.Has(scope.Nickname) {
		t.Fatal("expected nickname to be cleared")
	}
	if current.Get(scope.Nickname) != "ada" {
		t.Fatal("expected input profile to stay untouched")
	}
}

func TestApplyProfileUpdate_UnchangedValues(t *testing.T) {
	current := user.Profile{scope.FirstName: "Ada"}
	_, changed, err := ApplyProfileUpdate(current, ProfileUpdate{scope.FirstName: "Ada"}, time.Now())
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if changed {
		t.Fatal("expected no change")
	}
}

func TestApplyProfileUpdate_ReportsEveryField(t *testing.T) {
	now := time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC)
	_, _, err := ApplyProfileUpdate(nil, ProfileUpdate{
		scope.DateOfBirth: "2030-01-01",
		scope.Timezone:    "Mars/Olympus",
		"favorite_color":  "blue",
	}, now)
	fields := apperrors.FieldsOf(err)
	want := []apperrors.FieldError{
		{Field: "date_of_birth", Reason: user.ReasonInFuture},
		{Field: "favorite_color", Reason: user.ReasonUnknownField},
		{Field: "timezone", Reason: user.ReasonInvalid},
	}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("fields[%d] = %v, want %v", i, fields[i], want[i])
		}
	}
}
