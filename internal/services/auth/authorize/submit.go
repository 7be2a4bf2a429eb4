package authorize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// errFlowMismatch aborts a unit of work that must hand over to another flow.
type errFlowMismatch struct {
	step Step
	flow Flow
}

func (e errFlowMismatch) Error() string {
	return fmt.Sprintf("flow mismatch: %s", e.step)
}

// SubmitAuthorize handles a POST. Validation failures come back as a
// VALIDATION_FAILED error listing every offending field; nothing is written
// in that case.
func (e *Engine) SubmitAuthorize(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "authorize.submit", trace.WithAttributes(
		attribute.String("client_id", req.Client.ID),
		attribute.String("flow", string(req.Flow)),
	))
	defer span.End()

	res, err := e.submit(ctx, req)
	var mismatch errFlowMismatch
	if errors.As(err, &mismatch) {
		res, err = e.flowRedirect(req, mismatch.step, mismatch.flow), nil
	}
	if err != nil {
		span.RecordError(err)
		if apperrors.HasCode(err, apperrors.CodeIntegrityViolation) {
			e.logger.Error("authorization aborted", zap.String("client_id", req.Client.ID), zap.Error(err))
		}
		return Result{}, err
	}
	span.SetAttributes(attribute.String("step", string(res.Step)))
	return res, nil
}

func (e *Engine) submit(ctx context.Context, req Request) (Result, error) {
	redirect, err := req.Client.ResolveRedirect(req.RedirectURI)
	if err != nil {
		return Result{}, err
	}
	req.RedirectURI = redirect

	if req.Flow == FlowRecoverPassword {
		return e.recoverPassword(ctx, req)
	}
	if req.Session.CurrentUser() == "" {
		switch {
		case strings.TrimSpace(req.Form.Get(KeyTestAccount)) != "":
			return e.useTestAccount(ctx, req)
		case req.Flow == FlowLogin:
			return e.login(ctx, req)
		default:
			// An anonymous submission without a flow registers, so a known
			// email redirects to login like an explicit registration does.
			return e.register(ctx, req)
		}
	}

	switch req.Form.Get(KeyAction) {
	case ActionSwitchAccount:
		req.Flow = FlowLogin
		return e.credentials(req, Session{}), nil
	case ActionContinue:
		return e.begin(ctx, req, true)
	}
	return e.authorize(ctx, req)
}

func (e *Engine) recoverPassword(ctx context.Context, req Request) (Result, error) {
	address, reason := user.NormalizeEmail(req.Form.Get(KeyEmail))
	if reason != "" {
		var v apperrors.Validation
		v.Add(KeyEmail, reason)
		return Result{}, v.Err()
	}
	u, err := e.ledger.Store().FindUserByEmail(ctx, address)
	switch {
	case err == nil:
		if err := e.recovery.SendRecovery(ctx, req.Client, u, address); err != nil {
			e.logger.Warn("password recovery delivery failed", zap.String("client_id", req.Client.ID), zap.Error(err))
		}
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, err
	}
	res := e.result(req, StepRecoverPassword, req.Session)
	res.Payload.Message = RecoveryMessage
	return res, nil
}

func (e *Engine) login(ctx context.Context, req Request) (Result, error) {
	var v apperrors.Validation
	address, reason := user.NormalizeEmail(req.Form.Get(KeyEmail))
	if reason != "" {
		v.Add(KeyEmail, reason)
	}
	password := req.Form.Get(KeyPassword)
	if password == "" {
		v.Add(KeyPassword, user.ReasonRequired)
	}
	if err := v.Err(); err != nil {
		return Result{}, err
	}

	u, err := e.ledger.Store().FindUserByEmail(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return e.flowRedirect(req, StepRedirectToRegistrationFlow, FlowRegistration), nil
	}
	if err != nil {
		return Result{}, err
	}
	if u.IsTest() || !e.hasher.Compare(u.PasswordHash, password) {
		v.Add(KeyPassword, user.ReasonInvalid)
		return Result{}, v.Err()
	}

	req.Session = Session{UserID: u.ID, TestAccountID: req.Session.TestAccountID}
	e.logger.Info("user signed in", zap.String("client_id", req.Client.ID))
	return e.begin(ctx, req, false)
}

func (e *Engine) useTestAccount(ctx context.Context, req Request) (Result, error) {
	if !req.Client.AllowTestAccounts {
		return Result{}, apperrors.New(apperrors.CodeAccessDenied, "client does not allow test accounts")
	}
	testID := strings.TrimSpace(req.Form.Get(KeyTestAccount))
	u, err := e.ledger.Store().GetUser(ctx, testID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperrors.New(apperrors.CodeNotFound, "unknown test account")
	}
	if err != nil {
		return Result{}, err
	}
	if !u.IsTest() {
		return Result{}, apperrors.New(apperrors.CodeAccessDenied, "not a test account")
	}
	if err := checkTestAccount(req.Client, u); err != nil {
		return Result{}, err
	}
	req.Session = Session{UserID: req.Session.UserID, TestAccountID: u.ID, ActingAsTest: true}
	return e.begin(ctx, req, false)
}

func (e *Engine) register(ctx context.Context, req Request) (Result, error) {
	var (
		userID string
		merged bool
	)
	err := e.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		st := e.newSubmission(tx, req)
		if err := e.run(ctx, st, e.prepareRegistration, e.collect, e.write, e.apply, e.merge, e.save); err != nil {
			return err
		}
		userID, merged = st.user.ID, st.merged
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("user registered", zap.String("client_id", req.Client.ID))
	session := Session{UserID: userID, TestAccountID: req.Session.TestAccountID}
	if merged {
		session.TestAccountID = ""
	}
	return e.redirect(ctx, req, userID, session)
}

func (e *Engine) authorize(ctx context.Context, req Request) (Result, error) {
	var merged bool
	err := e.ledger.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		st := e.newSubmission(tx, req)
		if err := e.run(ctx, st, e.load, e.collect, e.write, e.apply, e.merge, e.save); err != nil {
			return err
		}
		merged = st.merged
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	session := req.Session
	if merged {
		session.TestAccountID = ""
	}
	return e.redirect(ctx, req, req.Session.CurrentUser(), session)
}
