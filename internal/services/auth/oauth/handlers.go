package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/requestctx"
	"github.com/louisbranch/veil/internal/services/auth/account"
	"github.com/louisbranch/veil/internal/services/auth/authorize"
	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/session"
	"go.uber.org/zap"
)

type stepResponse struct {
	Step authorize.Step `json:"step"`
	authorize.Payload
}

type errorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description,omitempty"`
	Fields           []apperrors.FieldError `json:"fields,omitempty"`
}

type introspectResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

type testAccountResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}
	params := r.URL.Query()
	if rt := params.Get("response_type"); rt != "" && rt != "token" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_response_type", "only 'token' response type is supported")
		return
	}
	c, err := s.config.Clients.Lookup(params.Get("client_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}

	sessionID, sess := s.loadSession(r)
	req := authorize.Request{
		Client:      c,
		RedirectURI: params.Get("redirect_uri"),
		State:       params.Get("state"),
		Flow:        authorize.ParseFlow(params.Get("flow")),
		Session:     sess,
		Form:        r.PostForm,
	}

	var res authorize.Result
	if r.Method == http.MethodPost {
		res, err = s.services.Engine.SubmitAuthorize(r.Context(), req)
	} else {
		res, err = s.services.Engine.BeginAuthorize(r.Context(), req)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.storeSession(w, r, sessionID, sess, res.Session); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{Step: res.Step, Payload: res.Payload})
}

func (s *Server) handleReadUser(w http.ResponseWriter, r *http.Request) {
	c, userID, ok := s.accessFromRequest(w, r)
	if !ok {
		return
	}
	report, err := s.services.Status.ReadUser(r.Context(), c, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReadEntity(w http.ResponseWriter, r *http.Request) {
	c, userID, ok := s.accessFromRequest(w, r)
	if !ok {
		return
	}
	entity, err := s.services.Status.ReadEntity(r.Context(), c, userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// accessFromRequest resolves the client of the access stored by
// requireAccess.
func (s *Server) accessFromRequest(w http.ResponseWriter, r *http.Request) (client.Client, string, bool) {
	access, ok := requestctx.AccessFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return client.Client{}, "", false
	}
	c, err := s.config.Clients.Lookup(access.ClientID)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "client no longer registered")
		return client.Client{}, "", false
	}
	return c, access.UserID, true
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticateClient(w, r)
	if !ok {
		return
	}
	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	record, err := s.services.Tokens.Validate(r.Context(), token)
	if err != nil || record.ClientID != c.ID {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}
	writeJSON(w, http.StatusOK, introspectResponse{
		Active:    true,
		ClientID:  record.ClientID,
		TokenType: TokenType,
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.CreatedAt.Unix(),
	})
}

func (s *Server) handleCreateTestAccount(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticateClient(w, r)
	if !ok {
		return
	}
	u, err := s.services.Accounts.CreateTestAccount(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, testAccountResponse{ID: u.ID})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.signedInUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}
	update := account.ProfileUpdate{}
	for key := range r.PostForm {
		update[scope.Field(key)] = r.PostForm.Get(key)
	}
	if _, err := s.services.Accounts.UpdateProfile(r.Context(), userID, update); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.signedInUser(w, r)
	if !ok {
		return
	}
	accounts := s.services.Accounts
	entityID := r.PathValue("id")
	var err error
	switch scope.Category(r.PathValue("category")) {
	case scope.Emails:
		err = accounts.DeleteEmail(r.Context(), userID, entityID)
	case scope.PhoneNumbers:
		err = accounts.DeletePhoneNumber(r.Context(), userID, entityID)
	case scope.Addresses:
		err = accounts.DeleteAddress(r.Context(), userID, entityID)
	default:
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown category")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.signedInUser(w, r)
	if !ok {
		return
	}
	if err := s.services.Accounts.DeleteUser(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if err := s.services.Sessions.Delete(r.Context(), cookie.Value); err != nil {
			s.logger.Warn("delete session", zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: s.config.SecureCookies})
	w.WriteHeader(http.StatusNoContent)
}

// loadSession returns the cookie's session id and session, or empty values
// when the browser has none.
func (s *Server) loadSession(r *http.Request) (string, authorize.Session) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return "", authorize.Session{}
	}
	sess, err := s.services.Sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, session.ErrMiss) {
			s.logger.Warn("load session", zap.Error(err))
		}
		return "", authorize.Session{}
	}
	return cookie.Value, sess
}

// storeSession persists next when it differs from what the browser holds.
func (s *Server) storeSession(w http.ResponseWriter, r *http.Request, sessionID string, prev, next authorize.Session) error {
	switch {
	case sessionID != "" && prev == next:
		return nil
	case sessionID != "":
		return s.services.Sessions.Save(r.Context(), sessionID, next)
	case next == authorize.Session{}:
		return nil
	}
	created, err := s.services.Sessions.Create(r.Context(), next)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    created,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Server) signedInUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	_, sess := s.loadSession(r)
	if sess.UserID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
		return "", false
	}
	return sess.UserID, true
}

// requireAccess validates the bearer token and stores its identity in the
// request context.
func (s *Server) requireAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			w.Header().Set("WWW-Authenticate", `Bearer realm="veil"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		record, err := s.services.Tokens.Validate(r.Context(), strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
		if err != nil {
			if !apperrors.HasCode(err, apperrors.CodeAccessDenied) {
				s.writeError(w, err)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="veil", error="invalid_token"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid access token")
			return
		}
		ctx := requestctx.WithAccess(r.Context(), requestctx.Access{ClientID: record.ClientID, UserID: record.UserID})
		next(w, r.WithContext(ctx))
	}
}

// authenticateClient accepts HTTP basic credentials or client_id and
// client_secret form values.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request) (client.Client, bool) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return client.Client{}, false
	}
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	c, err := s.config.Clients.Authenticate(clientID, secret)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "invalid client authentication")
		return client.Client{}, false
	}
	return c, true
}

// writeError renders a domain error. Messages of opaque codes stay in the
// log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if !code.Public() {
		s.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
		writeJSONError(w, code.HTTPStatus(), "server_error", "internal error")
		return
	}
	var domainErr *apperrors.Error
	description := ""
	if errors.As(err, &domainErr) {
		description = domainErr.Message
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{
		Error:            strings.ToLower(string(code)),
		ErrorDescription: description,
		Fields:           apperrors.FieldsOf(err),
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
