package account

import (
	"slices"
	"strings"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

// ProfileUpdate holds new values for singular fields. An empty value clears
// the field.
type ProfileUpdate map[scope.Field]string

// ApplyProfileUpdate validates update and returns the resulting profile and
// whether anything changed. Every rejected field is reported.
func ApplyProfileUpdate(p user.Profile, update ProfileUpdate, now time.Time) (user.Profile, bool, error) {
	var v apperrors.Validation
	out := p
	changed := false
	for field, value := range update {
		if !knownField(field) {
			v.Add(string(field), user.ReasonUnknownField)
			continue
		}
		normalized := ""
		if strings.TrimSpace(value) != "" {
			var reason string
			normalized, reason = user.NormalizeField(field, value, now)
			if reason != "" {
				v.Add(string(field), reason)
				continue
			}
		}
		if out.Get(field) == normalized {
			continue
		}
		out = out.With(field, normalized)
		changed = true
	}
	if err := v.Err(); err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func knownField(f scope.Field) bool {
	return slices.Contains(scope.Fields, f)
}
