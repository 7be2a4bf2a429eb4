package scope

import (
	"fmt"
	"slices"
	"strings"
)

// Tag records the capacity in which an entity was granted.
type Tag string

const (
	TagUnknown  Tag = "unknown"
	TagMobile   Tag = "mobile"
	TagLandline Tag = "landline"
	TagShipping Tag = "shipping"
	TagBilling  Tag = "billing"
)

var allTags = []Tag{TagUnknown, TagMobile, TagLandline, TagShipping, TagBilling}

// ParseTag validates a raw tag name.
func ParseTag(value string) (Tag, error) {
	tag := Tag(strings.TrimSpace(value))
	if !slices.Contains(allTags, tag) {
		return "", fmt.Errorf("unknown tag %q", value)
	}
	return tag, nil
}

// TagsFor lists the tags valid for a category.
func TagsFor(c Category) []Tag {
	switch c {
	case Emails:
		return []Tag{TagUnknown}
	case PhoneNumbers:
		return []Tag{TagUnknown, TagMobile, TagLandline}
	case Addresses:
		return []Tag{TagUnknown, TagShipping, TagBilling}
	default:
		return nil
	}
}

// ValidTag reports whether t can be granted for c.
func ValidTag(c Category, t Tag) bool {
	return slices.Contains(TagsFor(c), t)
}

// TagSet is a small ordered set of tags.
type TagSet []Tag

// NewTagSet builds a set from tags, dropping duplicates.
func NewTagSet(tags ...Tag) TagSet {
	var set TagSet
	for _, t := range tags {
		set = set.With(t)
	}
	return set
}

// Has reports whether t is in the set.
func (s TagSet) Has(t Tag) bool {
	return slices.Contains(s, t)
}

// With returns a copy of the set including t.
func (s TagSet) With(t Tag) TagSet {
	if s.Has(t) {
		return slices.Clone(s)
	}
	out := append(slices.Clone(s), t)
	slices.SortFunc(out, func(a, b Tag) int {
		return slices.Index(allTags, a) - slices.Index(allTags, b)
	})
	return out
}

// Without returns a copy of the set excluding t.
func (s TagSet) Without(t Tag) TagSet {
	out := make(TagSet, 0, len(s))
	for _, v := range s {
		if v != t {
			out = append(out, v)
		}
	}
	return out
}

// Equal reports whether both sets hold the same tags.
func (s TagSet) Equal(other TagSet) bool {
	return slices.Equal(NewTagSet(s...), NewTagSet(other...))
}

// String renders the set as a comma separated list.
func (s TagSet) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// ParseTagSet parses the comma separated form produced by String.
func ParseTagSet(value string) (TagSet, error) {
	var set TagSet
	for _, part := range strings.Split(value, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tag, err := ParseTag(part)
		if err != nil {
			return nil, err
		}
		set = set.With(tag)
	}
	return set, nil
}
