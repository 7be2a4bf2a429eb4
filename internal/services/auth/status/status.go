// Package status reports a user to a client and what changed since the
// client last looked.
//
// Every read compares the user's current data with the watermark stored on
// the client's grant, then advances the watermark in the same unit of work.
// The grant is saved with a compare-and-swap, so two concurrent reads by the
// same client cannot both consume one change: the loser is replayed and sees
// the baseline the winner wrote.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/otel"
	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/ledger"
	"github.com/louisbranch/veil/internal/services/auth/pseudonym"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultPlaceholderPhoto is served for profile_photo when the user has none.
const DefaultPlaceholderPhoto = "https://static.veil.invalid/profile/placeholder.png"

// UserStatus summarizes what changed for the user as a whole.
type UserStatus string

const (
	NewUser                 UserStatus = "new_user"
	ExistingUser            UserStatus = "existing_user"
	ExistingUserAfterUpdate UserStatus = "existing_user_after_update"
	ExistingUserAfterTest   UserStatus = "existing_user_after_test"
)

// EntityStatus is the change state of one reported entity.
type EntityStatus string

const (
	EntityNew     EntityStatus = "new"
	EntityOld     EntityStatus = "old"
	EntityUpdated EntityStatus = "updated"
	EntityDeleted EntityStatus = "deleted"
)

// ErrNotAuthorized is returned when the client holds no grant for the user.
var ErrNotAuthorized = apperrors.New(apperrors.CodeNotFound, "user has not authorized this client")

// Entity is one entity as a client sees it. Deleted entities carry no
// attributes.
type Entity struct {
	ID            string
	Status        EntityStatus
	UpdatedFields []string
	Attributes    map[string]string
}

// MarshalJSON flattens the attributes next to id and status.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Attributes)+3)
	for name, value := range e.Attributes {
		out[name] = value
	}
	out["id"] = e.ID
	out["status"] = e.Status
	out["updated_fields"] = nonNil(e.UpdatedFields)
	return json.Marshal(out)
}

// Report is the user resource returned to a client.
type Report struct {
	ID            string
	Status        UserStatus
	UpdatedFields []string
	Fields        map[scope.Field]string
	// Entities holds one list per requested category, possibly empty.
	Entities map[scope.Category][]Entity
}

// MarshalJSON flattens fields and category lists into one object.
func (r Report) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+len(r.Entities)+3)
	for f, value := range r.Fields {
		out[string(f)] = value
	}
	for c, list := range r.Entities {
		if list == nil {
			list = []Entity{}
		}
		out[string(c)] = list
	}
	out["id"] = r.ID
	out["status"] = r.Status
	out["updated_fields"] = nonNil(r.UpdatedFields)
	return json.Marshal(out)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Service computes reports.
type Service struct {
	ledger      *ledger.Service
	placeholder string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithPlaceholderPhoto overrides the default profile photo URL.
func WithPlaceholderPhoto(url string) Option {
	return func(s *Service) {
		if url != "" {
			s.placeholder = url
		}
	}
}

// New builds a status service over the ledger.
func New(l *ledger.Service, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		ledger:      l,
		placeholder: DefaultPlaceholderPhoto,
		logger:      logger,
		tracer:      otel.Tracer("github.com/louisbranch/veil/status"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceholderPhoto returns the URL served for users without a photo.
func (s *Service) PlaceholderPhoto() string {
	return s.placeholder
}

// ReadUser reports userID to c and resets the client's baseline.
func (s *Service) ReadUser(ctx context.Context, c client.Client, userID string) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "status.read_user",
		trace.WithAttributes(attribute.String("client_id", c.ID)))
	defer span.End()

	var report Report
	err := s.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := s.readUser(ctx, tx, c, userID)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Report{}, err
	}
	span.SetAttributes(attribute.String("status", string(report.Status)))
	return report, nil
}

func (s *Service) readUser(ctx context.Context, tx storage.Tx, c client.Client, userID string) (Report, error) {
	g, err := tx.GetGrant(ctx, c.ID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Report{}, ErrNotAuthorized
	}
	if err != nil {
		return Report{}, fmt.Errorf("load grant: %w", err)
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("load user: %w", err)
	}
	entities, err := tx.FindByOwner(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("load entities: %w", err)
	}

	mappings := s.ledger.Mappings()
	fakeUserID, err := mappings.Resolve(ctx, tx, pseudonym.Key{
		ClientID: c.ID, UserID: userID, RealID: userID, Kind: scope.KindUser,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{
		ID:            fakeUserID,
		UpdatedFields: []string{},
		Fields:        map[scope.Field]string{},
		Entities:      map[scope.Category][]Entity{},
	}
	hashes := map[scope.Field]string{}
	for _, f := range c.Scope.Fields() {
		if !g.HasField(f) {
			continue
		}
		value := s.fieldValue(u.Profile, f)
		report.Fields[f] = value
		hashes[f] = user.FieldHash(value)
		if g.MergedFromTest || (g.Watermark.Observed && g.Watermark.Fields[f] != hashes[f]) {
			report.UpdatedFields = append(report.UpdatedFields, string(f))
		}
	}

	changed := len(report.UpdatedFields) > 0
	fingerprints := map[string]user.Fingerprint{}
	for _, cat := range c.Scope.Categories() {
		list := []Entity{}
		for _, e := range g.Entries {
			if e.Category != cat {
				continue
			}
			reported, fp, err := s.reportEntry(ctx, tx, g, e, entities)
			if err != nil {
				return Report{}, err
			}
			if fp != nil {
				fingerprints[e.RealID] = fp
			}
			for _, r := range reported {
				if r.Status != EntityOld {
					changed = true
				}
			}
			list = append(list, reported...)
		}
		report.Entities[cat] = list
	}

	switch {
	case g.MergedFromTest:
		report.Status = ExistingUserAfterTest
	case !g.Watermark.Observed:
		report.Status = NewUser
		report.UpdatedFields = []string{}
	case changed:
		report.Status = ExistingUserAfterUpdate
	default:
		report.Status = ExistingUser
	}

	purged := g.Observe(hashes, fingerprints)
	for _, realID := range purged {
		if err := mappings.Purge(ctx, tx, c.ID, userID, realID); err != nil {
			return Report{}, err
		}
	}
	if _, err := s.ledger.Save(ctx, tx, g); err != nil {
		return Report{}, err
	}
	s.logger.Debug("user read",
		zap.String("client_id", c.ID),
		zap.String("status", string(report.Status)),
		zap.Int("purged", len(purged)),
	)
	return report, nil
}

// reportEntry renders one grant entry, once per tag it is visible under.
func (s *Service) reportEntry(ctx context.Context, tx storage.Tx, g grant.Grant, e grant.Entry, entities user.Entities) ([]Entity, user.Fingerprint, error) {
	mappings := s.ledger.Mappings()
	if e.Deleted {
		var out []Entity
		for _, tag := range e.Seen {
			fake, err := mappings.Resolve(ctx, tx, pseudonym.Key{
				ClientID: g.ClientID, UserID: g.UserID, RealID: e.RealID, Kind: scope.KindFor(e.Category, tag),
			})
			if err != nil {
				return nil, nil, err
			}
			out = append(out, Entity{ID: fake, Status: EntityDeleted, UpdatedFields: []string{}})
		}
		return out, nil, nil
	}

	attrs, ok := entities.Attributes(e.Category, e.RealID)
	if !ok {
		s.logger.Warn("granted entity missing from store",
			zap.String("client_id", g.ClientID),
			zap.String("category", string(e.Category)),
		)
		return nil, nil, nil
	}
	fp := user.FingerprintOf(attrs)
	out := make([]Entity, 0, len(e.Tags))
	for _, tag := range e.Tags {
		fake, err := mappings.Resolve(ctx, tx, pseudonym.Key{
			ClientID: g.ClientID, UserID: g.UserID, RealID: e.RealID, Kind: scope.KindFor(e.Category, tag),
		})
		if err != nil {
			return nil, nil, err
		}
		entity := Entity{ID: fake, Attributes: withRole(attrs, e.Category, tag)}
		entity.Status, entity.UpdatedFields = entryStatus(g, e, tag, fp)
		out = append(out, entity)
	}
	// A retag hides the fake id of every tag the client saw and lost.
	for _, tag := range e.Seen {
		if e.Tags.Has(tag) {
			continue
		}
		fake, err := mappings.Resolve(ctx, tx, pseudonym.Key{
			ClientID: g.ClientID, UserID: g.UserID, RealID: e.RealID, Kind: scope.KindFor(e.Category, tag),
		})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, Entity{ID: fake, Status: EntityDeleted, UpdatedFields: []string{}})
	}
	return out, fp, nil
}

func entryStatus(g grant.Grant, e grant.Entry, tag scope.Tag, fp user.Fingerprint) (EntityStatus, []string) {
	switch {
	case g.MergedFromTest:
		names := make([]string, 0, len(fp))
		for name := range fp {
			names = append(names, name)
		}
		sort.Strings(names)
		return EntityUpdated, names
	case !e.Seen.Has(tag):
		return EntityNew, []string{}
	}
	if diff := e.Fingerprint.Diff(fp); len(diff) > 0 {
		return EntityUpdated, diff
	}
	return EntityOld, []string{}
}

// withRole adds the phone type or address role a tag stands for.
func withRole(attrs map[string]string, c scope.Category, tag scope.Tag) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	switch c {
	case scope.PhoneNumbers:
		out["type"] = string(tag)
	case scope.Addresses:
		out["role"] = string(tag)
	}
	return out
}

func (s *Service) fieldValue(p user.Profile, f scope.Field) string {
	value := p.Get(f)
	if f == scope.ProfilePhoto && value == "" {
		return s.placeholder
	}
	return value
}

// ReadEntity returns one entity a client knows by fake id without moving
// the baseline. Ids of other users, unknown ids and ids of entities no
// longer granted all read as not found.
func (s *Service) ReadEntity(ctx context.Context, c client.Client, userID, fakeID string) (Entity, error) {
	var out Entity
	err := s.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		key, err := s.ledger.Mappings().Reverse(ctx, tx, c.ID, fakeID)
		if err != nil {
			return err
		}
		if key.UserID != userID || key.Kind == scope.KindUser {
			return apperrors.New(apperrors.CodeNotFound, "entity not found")
		}
		cat, tag, ok := scope.ParseKind(key.Kind)
		if !ok || !c.Scope.HasCategory(cat) {
			return apperrors.New(apperrors.CodeNotFound, "entity not found")
		}
		g, err := tx.GetGrant(ctx, c.ID, userID)
		if err != nil {
			return err
		}
		e, ok := g.Entry(cat, key.RealID)
		if !ok || !(e.Tags.Has(tag) || e.Seen.Has(tag)) {
			return apperrors.New(apperrors.CodeNotFound, "entity not found")
		}
		if e.Deleted {
			out = Entity{ID: fakeID, Status: EntityDeleted, UpdatedFields: []string{}}
			return nil
		}
		found, err := tx.FindByIDs(ctx, cat, []string{key.RealID})
		if err != nil {
			return err
		}
		attrs, ok := found.Attributes(cat, key.RealID)
		if !ok {
			return apperrors.New(apperrors.CodeNotFound, "entity not found")
		}
		fp := user.FingerprintOf(attrs)
		out = Entity{ID: fakeID, Attributes: withRole(attrs, cat, tag)}
		out.Status, out.UpdatedFields = entryStatus(g, e, tag, fp)
		return nil
	})
	if err != nil {
		return Entity{}, err
	}
	return out, nil
}
