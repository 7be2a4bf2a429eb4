// Package resolver computes what an authorization still needs.
//
// Given a client's requested slots, the user's profile and entities, and the
// grant the client already holds, Resolve splits the outstanding slots into
// data to collect (Show) and data the user already has and only needs to
// confirm (Authorize). When the client's flags changed since the grant was
// written, existing entries are reclassified rather than asked for again:
// an unknown phone number moves to the typed slot its line type fits, an
// unknown address becomes the shipping address, and typed entries collapse
// back to a single unknown entry when the flags are dropped.
//
// Resolve is pure. Applying the result is the caller's job.
package resolver

import (
	"slices"

	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

// Input is everything Resolve looks at.
type Input struct {
	Client   client.Client
	Profile  user.Profile
	Entities user.Entities
	Grant    grant.Grant
	// PriorUnknown holds the real ids the client already knows under an
	// unknown kind. Collapsing typed entries prefers them so the fake id the
	// client saw before the split comes back.
	PriorUnknown map[string]bool
}

// Candidate is a slot the user can fill with data already on file. Options
// lists the fitting real ids in stored order; it is empty for fields.
type Candidate struct {
	Slot    scope.Slot
	Options []string
}

// Retag replaces the tags of an existing grant entry.
type Retag struct {
	Category scope.Category
	RealID   string
	Tags     scope.TagSet
}

// Revoke removes a grant entry whose slot is no longer requested.
type Revoke struct {
	Category scope.Category
	RealID   string
}

// Requirements is the outcome of a resolution.
type Requirements struct {
	Show      []scope.Slot
	Authorize []Candidate
	Retag     []Retag
	Revoke    []Revoke
	// PlaceholderPhoto is set when profile_photo is missing alongside other
	// data; it resolves to the default picture instead of being asked for.
	PlaceholderPhoto bool
}

// Complete reports whether the grant already covers everything.
func (r Requirements) Complete() bool {
	return len(r.Show) == 0 && len(r.Authorize) == 0 && len(r.Retag) == 0 && len(r.Revoke) == 0 && !r.PlaceholderPhoto
}

// Collects reports whether any data must be entered or confirmed.
func (r Requirements) Collects() bool {
	return len(r.Show) > 0 || len(r.Authorize) > 0
}

// Shows reports whether slot must be collected.
func (r Requirements) Shows(slot scope.Slot) bool {
	return slices.Contains(r.Show, slot)
}

// Candidate returns the authorize candidate for slot.
func (r Requirements) Candidate(slot scope.Slot) (Candidate, bool) {
	for _, c := range r.Authorize {
		if c.Slot == slot {
			return c, true
		}
	}
	return Candidate{}, false
}

// Resolve computes the requirements for in.
func Resolve(in Input) Requirements {
	var req Requirements
	for _, f := range in.Client.Scope.Fields() {
		switch {
		case in.Grant.HasField(f):
		case in.Profile.Has(f):
			req.Authorize = append(req.Authorize, Candidate{Slot: scope.FieldSlot(f)})
		default:
			req.Show = append(req.Show, scope.FieldSlot(f))
		}
	}
	for _, c := range in.Client.Scope.Categories() {
		resolveCategory(in, c, scope.RequestedTags(c, in.Client.Flags), &req)
	}

	photo := scope.FieldSlot(scope.ProfilePhoto)
	if len(req.Show) > 1 && req.Shows(photo) {
		req.Show = slices.DeleteFunc(req.Show, func(s scope.Slot) bool { return s == photo })
		req.PlaceholderPhoto = true
	}
	return req
}

func resolveCategory(in Input, c scope.Category, requested []scope.Tag, req *Requirements) {
	entries := in.Grant.Active(c)
	tags := make([]scope.TagSet, len(entries))
	filled := map[scope.Tag]bool{}
	var stale []int
	for i, e := range entries {
		for _, t := range e.Tags {
			if slices.Contains(requested, t) {
				tags[i] = tags[i].With(t)
				filled[t] = true
			}
		}
		if len(tags[i]) == 0 {
			stale = append(stale, i)
		}
	}

	for _, t := range requested {
		if filled[t] {
			continue
		}
		pick := reclassify(in, c, t, entries, stale)
		if pick < 0 {
			continue
		}
		tags[pick] = tags[pick].With(t)
		filled[t] = true
		stale = slices.DeleteFunc(stale, func(i int) bool { return i == pick })
	}

	for _, t := range requested {
		if filled[t] {
			continue
		}
		slot := scope.EntitySlot(c, t)
		options := fitting(in.Entities, c, t)
		if c == scope.PhoneNumbers {
			// One number never fills two phone slots.
			options = slices.DeleteFunc(options, func(id string) bool {
				i := slices.IndexFunc(entries, func(e grant.Entry) bool { return e.RealID == id })
				return i >= 0 && len(tags[i]) > 0
			})
		}
		if len(options) > 0 {
			req.Authorize = append(req.Authorize, Candidate{Slot: slot, Options: options})
			continue
		}
		req.Show = append(req.Show, slot)
	}

	for i, e := range entries {
		switch {
		case len(tags[i]) == 0:
			req.Revoke = append(req.Revoke, Revoke{Category: c, RealID: e.RealID})
		case !tags[i].Equal(e.Tags):
			req.Retag = append(req.Retag, Retag{Category: c, RealID: e.RealID, Tags: tags[i]})
		}
	}
}

// reclassify picks the stale entry that moves into slot t, or -1.
func reclassify(in Input, c scope.Category, t scope.Tag, entries []grant.Entry, stale []int) int {
	if len(stale) == 0 {
		return -1
	}
	if t == scope.TagUnknown {
		for _, i := range stale {
			if in.PriorUnknown[entries[i].RealID] {
				return i
			}
		}
		return stale[0]
	}
	if c != scope.PhoneNumbers {
		return stale[0]
	}
	want := phone.TypeForTag(t)
	for _, i := range stale {
		if p, ok := in.Entities.Phone(entries[i].RealID); ok && p.Type == want {
			return i
		}
	}
	for _, i := range stale {
		if p, ok := in.Entities.Phone(entries[i].RealID); ok && p.Type == phone.TypeUnknown {
			return i
		}
	}
	return -1
}

// fitting lists the user's entities that can fill slot (c, t).
func fitting(entities user.Entities, c scope.Category, t scope.Tag) []string {
	if c != scope.PhoneNumbers || t == scope.TagUnknown {
		return entities.IDs(c)
	}
	var ids []string
	for _, p := range entities.PhoneNumbers {
		if FitsPhone(p.Type, t) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// FitsPhone reports whether a phone of type pt may fill a slot tagged t.
func FitsPhone(pt phone.Type, t scope.Tag) bool {
	return t == scope.TagUnknown || pt == phone.TypeUnknown || pt == phone.TypeForTag(t)
}
