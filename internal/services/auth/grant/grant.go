// Package grant models the authorization ledger record kept per client and
// user: which singular fields the user confirmed, which entities the client
// may see and under which tags, and the watermark of what the client last
// observed.
//
// Methods are pure; persistence and concurrency live in the ledger and
// storage packages.
package grant

import (
	"slices"
	"time"

	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

// Grant is the authorization record for one (client, user) pair.
type Grant struct {
	ClientID string
	UserID   string
	Fields   []scope.Field
	Entries  []Entry
	// Watermark is the state the client saw on its last read.
	Watermark Watermark
	// MergedFromTest is set when a test account's grant was folded into this
	// one and cleared by the next read.
	MergedFromTest bool
	// Version is the compare-and-swap token; zero means not yet stored.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry grants visibility into one real entity.
type Entry struct {
	Category scope.Category
	RealID   string
	Tags     scope.TagSet
	// Seen lists the tags under which the client has observed the entity.
	Seen scope.TagSet
	// Fingerprint is the entity content as of the client's last read.
	Fingerprint user.Fingerprint
	// Deleted marks a tombstone awaiting its one deleted report.
	Deleted bool
}

// Observed reports whether the client has seen the entity at all.
func (e Entry) Observed() bool {
	return len(e.Seen) > 0
}

// Watermark is the last observed state of the singular fields.
type Watermark struct {
	Observed bool                   `json:"observed"`
	Fields   map[scope.Field]string `json:"fields,omitempty"`
}

// New returns an empty grant for the pair.
func New(clientID, userID string, now time.Time) Grant {
	return Grant{ClientID: clientID, UserID: userID, CreatedAt: now, UpdatedAt: now}
}

// Stored reports whether the grant exists in the ledger.
func (g Grant) Stored() bool {
	return g.Version > 0
}

// HasField reports whether f was confirmed.
func (g Grant) HasField(f scope.Field) bool {
	return slices.Contains(g.Fields, f)
}

// GrantField confirms f. Granting twice is a no-op.
func (g *Grant) GrantField(f scope.Field) {
	if g.HasField(f) {
		return
	}
	g.Fields = append(g.Fields, f)
	slices.SortFunc(g.Fields, func(a, b scope.Field) int {
		return slices.Index(scope.Fields, a) - slices.Index(scope.Fields, b)
	})
}

// Entry returns the entry for a real id in category c.
func (g Grant) Entry(c scope.Category, realID string) (Entry, bool) {
	if i := g.index(c, realID); i >= 0 {
		return g.Entries[i], true
	}
	return Entry{}, false
}

func (g Grant) index(c scope.Category, realID string) int {
	return slices.IndexFunc(g.Entries, func(e Entry) bool {
		return e.Category == c && e.RealID == realID
	})
}

// Active returns the live entries of category c in grant order.
func (g Grant) Active(c scope.Category) []Entry {
	var out []Entry
	for _, e := range g.Entries {
		if e.Category == c && !e.Deleted {
			out = append(out, e)
		}
	}
	return out
}

// Holds reports whether a live entry of c carries tag.
func (g Grant) Holds(c scope.Category, tag scope.Tag) bool {
	for _, e := range g.Active(c) {
		if e.Tags.Has(tag) {
			return true
		}
	}
	return false
}

// GrantEntity adds tag to the entry for realID, creating it if needed. A
// real id appears at most once per category, so re-granting under another
// tag extends the existing entry. It reports whether the grant changed.
func (g *Grant) GrantEntity(c scope.Category, realID string, tag scope.Tag) bool {
	if i := g.index(c, realID); i >= 0 {
		e := &g.Entries[i]
		if e.Deleted {
			*e = Entry{Category: c, RealID: realID}
		}
		if e.Tags.Has(tag) {
			return false
		}
		e.Tags = e.Tags.With(tag)
		return true
	}
	g.Entries = append(g.Entries, Entry{Category: c, RealID: realID, Tags: scope.NewTagSet(tag)})
	return true
}

// Retag replaces the tags of a live entry.
func (g *Grant) Retag(c scope.Category, realID string, tags scope.TagSet) bool {
	i := g.index(c, realID)
	if i < 0 || g.Entries[i].Deleted || len(tags) == 0 {
		return false
	}
	g.Entries[i].Tags = scope.NewTagSet(tags...)
	return true
}

// Tombstone marks the entry for realID deleted. An entry the client never
// observed is dropped outright and reported as purged so the caller can
// remove its mappings immediately.
func (g *Grant) Tombstone(c scope.Category, realID string) (found, purged bool) {
	i := g.index(c, realID)
	if i < 0 {
		return false, false
	}
	if !g.Entries[i].Observed() {
		g.Entries = slices.Delete(g.Entries, i, i+1)
		return true, true
	}
	g.Entries[i].Deleted = true
	return true, false
}

// Drop removes the entry for realID without a tombstone.
func (g *Grant) Drop(c scope.Category, realID string) {
	if i := g.index(c, realID); i >= 0 {
		g.Entries = slices.Delete(g.Entries, i, i+1)
	}
}

// Observe advances the watermark to the given field hashes and entity
// fingerprints, dropping tombstones. It returns the real ids whose
// tombstones were consumed.
func (g *Grant) Observe(fields map[scope.Field]string, fingerprints map[string]user.Fingerprint) []string {
	g.Watermark = Watermark{Observed: true, Fields: fields}
	g.MergedFromTest = false
	var purged []string
	kept := g.Entries[:0]
	for _, e := range g.Entries {
		if e.Deleted {
			purged = append(purged, e.RealID)
			continue
		}
		e.Seen = scope.NewTagSet(e.Tags...)
		if fp, ok := fingerprints[e.RealID]; ok {
			e.Fingerprint = fp
		}
		kept = append(kept, e)
	}
	g.Entries = kept
	return purged
}

// Merge folds a test account's grant into g: fields are unioned and the
// grant is flagged so the next read reports everything as updated.
func (g *Grant) Merge(test Grant) {
	for _, f := range test.Fields {
		g.GrantField(f)
	}
	if test.Watermark.Observed {
		g.Watermark.Observed = true
	}
	g.MergedFromTest = true
}
