package scope

import (
	"fmt"
	"slices"
)

// Kind scopes a fake id: the same real entity receives a distinct fake id
// for every capacity a client sees it in.
type Kind string

// KindUser is the kind of the user's own fake id.
const KindUser Kind = "users"

// KindFor returns the identifier kind for an entity granted under tag.
func KindFor(c Category, t Tag) Kind {
	switch c {
	case Emails:
		return Kind(Emails)
	case PhoneNumbers, Addresses:
		return Kind(fmt.Sprintf("%s_%s", t, c))
	default:
		return Kind(c)
	}
}

// Valid reports whether k is a kind the engine mints.
func (k Kind) Valid() bool {
	if k == KindUser {
		return true
	}
	for _, c := range Categories {
		for _, t := range TagsFor(c) {
			if KindFor(c, t) == k {
				return true
			}
		}
	}
	return false
}

// Kinds lists every kind the engine mints, user first.
func Kinds() []Kind {
	kinds := []Kind{KindUser}
	for _, c := range Categories {
		for _, t := range TagsFor(c) {
			if k := KindFor(c, t); !slices.Contains(kinds, k) {
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

// ParseKind returns the category and tag an entity kind stands for.
func ParseKind(k Kind) (Category, Tag, bool) {
	for _, c := range Categories {
		for _, t := range TagsFor(c) {
			if KindFor(c, t) == k {
				return c, t, true
			}
		}
	}
	return "", "", false
}
