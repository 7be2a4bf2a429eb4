package authorize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/resolver"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

// stage is one step of a submission. The first error stops the pipeline and
// rolls the transaction back.
type stage func(ctx context.Context, st *submission) error

func (e *Engine) run(ctx context.Context, st *submission, stages ...stage) error {
	for _, next := range stages {
		if err := next(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// slotGrant records which real entity fills a slot.
type slotGrant struct {
	slot   scope.Slot
	realID string
}

// submission is the state of one POST inside its transaction. It is rebuilt
// whenever the transaction is replayed.
type submission struct {
	tx  storage.Tx
	req Request
	now time.Time

	user           user.User
	isNew          bool
	profileChanged bool
	entities       user.Entities
	grant          grant.Grant
	requirements   resolver.Requirements

	invalid   apperrors.Validation
	numbers   map[string]string
	fields    []scope.Field
	emails    []user.Email
	phones    []user.PhoneNumber
	addresses []user.Address
	grants    []slotGrant
	merged    bool
}

func (e *Engine) newSubmission(tx storage.Tx, req Request) *submission {
	return &submission{tx: tx, req: req, now: e.now().UTC(), numbers: map[string]string{}}
}

func (st *submission) clock() time.Time {
	return st.now
}

// reject folds a validation failure into the submission and passes any
// other error through.
func (st *submission) reject(err error) error {
	if apperrors.HasCode(err, apperrors.CodeValidationFailed) {
		st.invalid.Merge(err)
		return nil
	}
	return err
}

func (st *submission) fill(slot scope.Slot, realID string) {
	st.grants = append(st.grants, slotGrant{slot: slot, realID: realID})
}

// shippingAddress returns the real id this submission leaves in the
// shipping slot.
func (st *submission) shippingAddress() string {
	shipping := scope.EntitySlot(scope.Addresses, scope.TagShipping)
	for _, g := range st.grants {
		if g.slot == shipping {
			return g.realID
		}
	}
	for _, r := range st.requirements.Retag {
		if r.Category == scope.Addresses && r.Tags.Has(scope.TagShipping) {
			return r.RealID
		}
	}
	for _, entry := range st.grant.Active(scope.Addresses) {
		if entry.Tags.Has(scope.TagShipping) {
			return entry.RealID
		}
	}
	return ""
}

// keepsPhone reports whether realID still fills a phone slot of the grant
// once pending revocations apply.
func (st *submission) keepsPhone(realID string) bool {
	for _, r := range st.requirements.Revoke {
		if r.Category == scope.PhoneNumbers && r.RealID == realID {
			return false
		}
	}
	for _, entry := range st.grant.Active(scope.PhoneNumbers) {
		if entry.RealID == realID {
			return true
		}
	}
	return false
}

// prepareRegistration validates the credentials and stages the new user
// with the credential email as their first email.
func (e *Engine) prepareRegistration(ctx context.Context, st *submission) error {
	form := st.req.Form
	address, reason := user.NormalizeEmail(form.Get(KeyEmail))
	if reason != "" {
		st.invalid.Add(KeyEmail, reason)
	} else {
		_, err := st.tx.FindUserByEmail(ctx, address)
		switch {
		case err == nil:
			return errFlowMismatch{step: StepRedirectToLoginFlow, flow: FlowLogin}
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("find user by email: %w", err)
		}
	}

	var hash string
	if reason := user.ValidatePassword(form.Get(KeyPassword)); reason != "" {
		st.invalid.Add(KeyPassword, reason)
	} else {
		var err error
		if hash, err = e.hasher.Hash(form.Get(KeyPassword)); err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	}

	st.isNew = true
	st.user = user.User{Profile: user.Profile{}}
	if hash != "" {
		u, err := user.NewUser(user.NewUserInput{PasswordHash: hash}, st.clock, e.newID)
		if err != nil {
			return err
		}
		st.user = u
	}
	if address != "" {
		email, err := user.NewEmail(st.user.ID, KeyEmail, address, st.clock, e.newID)
		if err != nil {
			return st.reject(err)
		}
		st.emails = append(st.emails, email)
		st.entities.Emails = append(st.entities.Emails, email)
	}
	st.grant = grant.New(st.req.Client.ID, st.user.ID, st.now)
	st.requirements = resolver.Resolve(resolver.Input{
		Client:   st.req.Client,
		Profile:  st.user.Profile,
		Entities: st.entities,
		Grant:    st.grant,
	})
	return nil
}

// load reads the signed-in user's state.
func (e *Engine) load(ctx context.Context, st *submission) error {
	v, err := e.loadView(ctx, st.tx, st.req)
	if err != nil {
		return err
	}
	if v == nil {
		return apperrors.New(apperrors.CodeNotFound, "signed-in user no longer exists")
	}
	st.user = v.user
	st.entities = v.entities
	st.grant = v.grant
	st.requirements = v.requirements
	return nil
}

// collect validates every outstanding slot against the form. It writes
// nothing; all field failures are reported together.
func (e *Engine) collect(ctx context.Context, st *submission) error {
	for _, slot := range st.requirements.Show {
		if err := e.collectSlot(ctx, st, slot); err != nil {
			return err
		}
	}
	for _, c := range st.requirements.Authorize {
		if err := e.confirm(ctx, st, c); err != nil {
			return err
		}
	}
	return st.invalid.Err()
}

func (e *Engine) collectSlot(ctx context.Context, st *submission, slot scope.Slot) error {
	if slot.IsField() {
		e.collectField(st, slot)
		return nil
	}
	switch slot.Category {
	case scope.Emails:
		return e.collectEmail(ctx, st, slot)
	case scope.PhoneNumbers:
		return e.collectPhone(st, slot)
	case scope.Addresses:
		return e.collectAddress(st, slot)
	}
	return nil
}

func (e *Engine) collectField(st *submission, slot scope.Slot) {
	key := slot.Key()
	value := st.req.Form.Get(key)
	if slot.Field == scope.ProfilePhoto && strings.TrimSpace(value) == "" {
		st.fields = append(st.fields, slot.Field)
		return
	}
	normalized, reason := user.NormalizeField(slot.Field, value, st.now)
	if reason != "" {
		st.invalid.Add(key, reason)
		return
	}
	st.user.Profile = st.user.Profile.With(slot.Field, normalized)
	st.profileChanged = true
	st.fields = append(st.fields, slot.Field)
}

func (e *Engine) collectEmail(ctx context.Context, st *submission, slot scope.Slot) error {
	key := slot.Key()
	email, err := user.NewEmail(st.user.ID, key, st.req.Form.Get(key), st.clock, e.newID)
	if err != nil {
		return st.reject(err)
	}
	for _, existing := range st.entities.Emails {
		if existing.Address == email.Address {
			st.fill(slot, existing.ID)
			return nil
		}
	}
	_, err = st.tx.FindUserByEmail(ctx, email.Address)
	switch {
	case err == nil:
		st.invalid.Add(key, user.ReasonTaken)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("find user by email: %w", err)
	}
	st.emails = append(st.emails, email)
	st.fill(slot, email.ID)
	return nil
}

func (e *Engine) collectPhone(st *submission, slot scope.Slot) error {
	key := slot.Key()
	form := st.req.Form
	country := form.Get(key + "_country")
	if strings.TrimSpace(country) == "" {
		country = e.defaultCountry
	}
	p, err := user.NewPhoneNumber(st.user.ID, key, user.PhoneInput{
		Number:  form.Get(key),
		Country: country,
		Type:    phone.TypeForTag(slot.Tag),
	}, e.classifier, st.clock, e.newID)
	if err != nil {
		return st.reject(err)
	}
	if _, seen := st.numbers[p.Number]; seen {
		st.invalid.Add(key, user.ReasonDuplicate)
		return nil
	}
	st.numbers[p.Number] = key
	for _, existing := range st.entities.PhoneNumbers {
		if existing.Number != p.Number {
			continue
		}
		if !resolver.FitsPhone(existing.Type, slot.Tag) {
			st.invalid.Add(key, user.ReasonTypeMismatch)
			return nil
		}
		if st.keepsPhone(existing.ID) {
			st.invalid.Add(key, user.ReasonDuplicate)
			return nil
		}
		st.fill(slot, existing.ID)
		return nil
	}
	st.phones = append(st.phones, p)
	st.fill(slot, p.ID)
	return nil
}

func (e *Engine) collectAddress(st *submission, slot scope.Slot) error {
	prefix := slot.Key()
	form := st.req.Form
	if slot.Tag == scope.TagBilling && form.Get(KeyUseAsBillingAddress) == "true" {
		if realID := st.shippingAddress(); realID != "" {
			st.fill(slot, realID)
			return nil
		}
	}
	a, err := user.NewAddress(st.user.ID, prefix, user.AddressInput{
		FullName:   form.Get(prefix + ".full_name"),
		Line1:      form.Get(prefix + ".line1"),
		Line2:      form.Get(prefix + ".line2"),
		PostalCode: form.Get(prefix + ".postal_code"),
		City:       form.Get(prefix + ".city"),
		Country:    form.Get(prefix + ".country"),
	}, st.clock, e.newID)
	if err != nil {
		return st.reject(err)
	}
	for _, existing := range append(slices.Clone(st.entities.Addresses), st.addresses...) {
		if existing.SameContent(a) {
			st.fill(slot, existing.ID)
			return nil
		}
	}
	st.addresses = append(st.addresses, a)
	st.fill(slot, a.ID)
	return nil
}

// confirm settles a slot the user can fill from data on file: an explicit
// <key>_id choice wins, then fresh data under the slot's key, then the
// first candidate.
func (e *Engine) confirm(ctx context.Context, st *submission, c resolver.Candidate) error {
	if c.Slot.IsField() {
		st.fields = append(st.fields, c.Slot.Field)
		return nil
	}
	key := c.Slot.Key()
	form := st.req.Form
	if !st.isNew {
		if chosen := strings.TrimSpace(form.Get(key + "_id")); chosen != "" {
			if !slices.Contains(c.Options, chosen) {
				st.invalid.Add(key+"_id", user.ReasonInvalid)
				return nil
			}
			st.fill(c.Slot, chosen)
			return nil
		}
		if hasInput(st, c.Slot) {
			return e.collectSlot(ctx, st, c.Slot)
		}
	}
	if c.Slot == scope.EntitySlot(scope.Addresses, scope.TagBilling) && form.Get(KeyUseAsBillingAddress) == "true" {
		if realID := st.shippingAddress(); realID != "" {
			st.fill(c.Slot, realID)
			return nil
		}
	}
	st.fill(c.Slot, c.Options[0])
	return nil
}

func hasInput(st *submission, slot scope.Slot) bool {
	key := slot.Key()
	form := st.req.Form
	if slot.Category == scope.Addresses {
		return strings.TrimSpace(form.Get(key+".line1")) != "" || strings.TrimSpace(form.Get(key+".full_name")) != ""
	}
	return strings.TrimSpace(form.Get(key)) != ""
}

// write persists the staged user and entities.
func (e *Engine) write(ctx context.Context, st *submission) error {
	tx := st.tx
	if st.isNew || st.profileChanged {
		st.user.UpdatedAt = st.now
		if err := tx.PutUser(ctx, st.user); err != nil {
			return fmt.Errorf("put user: %w", err)
		}
	}
	for _, email := range st.emails {
		err := tx.PutEmail(ctx, email)
		if errors.Is(err, storage.ErrDuplicate) {
			var v apperrors.Validation
			v.Add(KeyEmail, user.ReasonTaken)
			return v.Err()
		}
		if err != nil {
			return fmt.Errorf("put email: %w", err)
		}
	}
	for _, p := range st.phones {
		if err := tx.PutPhoneNumber(ctx, p); err != nil {
			return fmt.Errorf("put phone number: %w", err)
		}
	}
	for _, a := range st.addresses {
		if err := tx.PutAddress(ctx, a); err != nil {
			return fmt.Errorf("put address: %w", err)
		}
	}
	return nil
}

// apply extends the grant with what the submission settled.
func (e *Engine) apply(ctx context.Context, st *submission) error {
	g := &st.grant
	for _, r := range st.requirements.Retag {
		g.Retag(r.Category, r.RealID, r.Tags)
	}
	for _, r := range st.requirements.Revoke {
		if _, purged := g.Tombstone(r.Category, r.RealID); purged {
			if err := e.ledger.Mappings().Purge(ctx, st.tx, g.ClientID, g.UserID, r.RealID); err != nil {
				return err
			}
		}
	}
	for _, f := range st.fields {
		g.GrantField(f)
	}
	if st.requirements.PlaceholderPhoto {
		g.GrantField(scope.ProfilePhoto)
	}
	for _, sg := range st.grants {
		g.GrantEntity(sg.slot.Category, sg.realID, sg.slot.Tag)
	}
	return nil
}

// merge folds the browser's test account into a real user's grant.
func (e *Engine) merge(ctx context.Context, st *submission) error {
	session := st.req.Session
	testID := session.TestAccountID
	if testID == "" || session.ActingAsTest || st.user.IsTest() || testID == st.user.ID {
		return nil
	}
	g, merged, err := e.ledger.MergeTestAccount(ctx, st.tx, testID, st.grant)
	if err != nil {
		return err
	}
	st.grant, st.merged = g, merged
	return nil
}

// save stores the grant and mints the fake ids it exposes.
func (e *Engine) save(ctx context.Context, st *submission) error {
	g, err := e.ledger.Save(ctx, st.tx, st.grant)
	if err != nil {
		return err
	}
	st.grant = g
	return e.ledger.Expose(ctx, st.tx, g)
}
