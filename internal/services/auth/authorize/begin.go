package authorize

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/grant"
	"github.com/louisbranch/veil/internal/services/auth/resolver"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BeginAuthorize classifies a GET request. It writes nothing except, when
// the grant already covers the client's scope, an access token.
func (e *Engine) BeginAuthorize(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "authorize.begin", trace.WithAttributes(
		attribute.String("client_id", req.Client.ID),
		attribute.String("flow", string(req.Flow)),
	))
	defer span.End()

	res, err := e.begin(ctx, req, false)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("step", string(res.Step)))
	return res, nil
}

func (e *Engine) begin(ctx context.Context, req Request, skipChooseAccount bool) (Result, error) {
	redirect, err := req.Client.ResolveRedirect(req.RedirectURI)
	if err != nil {
		return Result{}, err
	}
	req.RedirectURI = redirect

	if req.Flow == FlowRecoverPassword {
		return e.result(req, StepRecoverPassword, req.Session), nil
	}
	if req.Session.CurrentUser() == "" {
		return e.credentials(req, req.Session), nil
	}

	var (
		res      Result
		complete bool
	)
	err = e.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		view, err := e.loadView(ctx, tx, req)
		if err != nil {
			return err
		}
		if view == nil {
			res = e.credentials(req, Session{})
			return nil
		}
		res, complete = e.classify(req, view, skipChooseAccount)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !complete {
		return res, nil
	}
	return e.redirect(ctx, req, req.Session.CurrentUser(), res.Session)
}

// view is everything classification looks at.
type view struct {
	user         user.User
	entities     user.Entities
	grant        grant.Grant
	requirements resolver.Requirements
	mergePending bool
}

// loadView reads the current user's state. It returns nil when the session
// points at a user that no longer exists.
func (e *Engine) loadView(ctx context.Context, tx storage.Tx, req Request) (*view, error) {
	userID := req.Session.CurrentUser()
	u, err := tx.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := checkTestAccount(req.Client, u); err != nil {
		return nil, err
	}
	entities, err := tx.FindByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	g, err := e.ledger.Load(ctx, tx, req.Client.ID, userID)
	if err != nil {
		return nil, err
	}
	prior, err := priorUnknown(ctx, tx, req.Client.ID, userID)
	if err != nil {
		return nil, err
	}
	v := &view{
		user:     u,
		entities: entities,
		grant:    g,
		requirements: resolver.Resolve(resolver.Input{
			Client:       req.Client,
			Profile:      u.Profile,
			Entities:     entities,
			Grant:        g,
			PriorUnknown: prior,
		}),
	}
	if testID := req.Session.TestAccountID; testID != "" && !req.Session.ActingAsTest && !u.IsTest() {
		_, err := tx.GetGrant(ctx, req.Client.ID, testID)
		switch {
		case err == nil:
			v.mergePending = true
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load test grant: %w", err)
		}
	}
	return v, nil
}

// classify picks the step for an authenticated user. The boolean is true
// when the flow can finish with a redirect right away. Only an explicit flow
// can mismatch the user's grant.
func (e *Engine) classify(req Request, v *view, skipChooseAccount bool) (Result, bool) {
	switch req.Flow {
	case FlowRegistration:
		if v.grant.Stored() {
			return e.flowRedirect(req, StepRedirectToLoginFlow, FlowLogin), false
		}
	case FlowLogin:
		if !v.grant.Stored() {
			return e.flowRedirect(req, StepRedirectToRegistrationFlow, FlowRegistration), false
		}
		if !skipChooseAccount && req.Client.RequiresSplitAddresses() &&
			!v.grant.Holds(scope.Addresses, scope.TagShipping) && !v.grant.Holds(scope.Addresses, scope.TagBilling) {
			return e.result(req, StepChooseAccount, req.Session), false
		}
	}
	if v.requirements.Complete() && !v.mergePending {
		return Result{Session: req.Session}, true
	}
	res := e.result(req, StepAuthorizations, req.Session)
	res.Payload.Show = slotKeys(v.requirements.Show)
	res.Payload.Authorize = choices(v.requirements, v.user, v.entities)
	return res, false
}

func checkTestAccount(c client.Client, u user.User) error {
	if !u.IsTest() {
		return nil
	}
	if !c.AllowTestAccounts || u.TestClientID != c.ID {
		return apperrors.New(apperrors.CodeAccessDenied, "test account not allowed for this client")
	}
	return nil
}

// priorUnknown lists the real ids the client already knows under an
// unknown kind.
func priorUnknown(ctx context.Context, tx storage.MappingStore, clientID, userID string) (map[string]bool, error) {
	mappings, err := tx.ListMappings(ctx, clientID, userID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	prior := map[string]bool{}
	for _, m := range mappings {
		if _, tag, ok := scope.ParseKind(m.Kind); ok && tag == scope.TagUnknown {
			prior[m.RealID] = true
		}
	}
	return prior, nil
}

func (e *Engine) result(req Request, step Step, session Session) Result {
	return Result{
		Step:    step,
		Session: session,
		Payload: Payload{
			ClientID:          req.Client.ID,
			ClientName:        req.Client.Name,
			Flow:              req.Flow,
			AllowTestAccounts: req.Client.AllowTestAccounts,
		},
	}
}

func (e *Engine) flowRedirect(req Request, step Step, target Flow) Result {
	res := e.result(req, step, req.Session)
	res.Payload.Flow = target
	return res
}

// credentials renders the sign-in step. The registration variant lists the
// slots a new account has to fill.
func (e *Engine) credentials(req Request, session Session) Result {
	flow := req.Flow
	if flow == FlowDefault {
		flow = FlowRegistration
	}
	res := e.result(req, StepCredentials, session)
	res.Payload.Flow = flow
	if flow == FlowRegistration {
		requirements := resolver.Resolve(resolver.Input{
			Client:   req.Client,
			Entities: user.Entities{Emails: []user.Email{{ID: KeyEmail}}},
			Grant:    grant.New(req.Client.ID, "", e.now().UTC()),
		})
		res.Payload.Show = append([]string{KeyEmail, KeyPassword}, slotKeys(requirements.Show)...)
	}
	return res
}

// redirect issues a token for userID and finishes the flow.
func (e *Engine) redirect(ctx context.Context, req Request, userID string, session Session) (Result, error) {
	token, err := e.tokens.Issue(ctx, req.Client.ID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("issue token: %w", err)
	}
	if session.ActingAsTest {
		session.ActingAsTest = false
	}
	fragment := url.Values{}
	fragment.Set("access_token", token.Value)
	fragment.Set("token_type", token.Type)
	fragment.Set("expires_in", strconv.FormatInt(int64(token.ExpiresIn.Seconds()), 10))
	if req.State != "" {
		fragment.Set("state", req.State)
	}
	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeAccessDenied, "invalid redirect uri", err)
	}
	target.Fragment = ""
	target.RawFragment = ""

	res := e.result(req, StepRedirect, session)
	res.Payload.RedirectURI = target.String() + "#" + fragment.Encode()
	e.logger.Debug("authorization complete", zap.String("client_id", req.Client.ID))
	return res, nil
}

func slotKeys(slots []scope.Slot) []string {
	keys := make([]string, 0, len(slots))
	for _, s := range slots {
		keys = append(keys, s.Key())
	}
	return keys
}

func choices(req resolver.Requirements, u user.User, entities user.Entities) []Choice {
	out := make([]Choice, 0, len(req.Authorize))
	for _, c := range req.Authorize {
		choice := Choice{Key: c.Slot.Key()}
		if c.Slot.IsField() {
			choice.Value = u.Profile.Get(c.Slot.Field)
		}
		for _, realID := range c.Options {
			attrs, _ := entities.Attributes(c.Slot.Category, realID)
			choice.Options = append(choice.Options, Option{ID: realID, Attributes: attrs})
		}
		out = append(out, choice)
	}
	return out
}
