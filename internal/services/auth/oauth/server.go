package oauth

import (
	"context"
	"net/http"

	"github.com/louisbranch/veil/internal/services/auth/account"
	"github.com/louisbranch/veil/internal/services/auth/authorize"
	"github.com/louisbranch/veil/internal/services/auth/status"
	"go.uber.org/zap"
)

// SessionCookie names the cookie carrying the browser session id.
const SessionCookie = "veil_session"

// SessionStore persists browser sessions.
type SessionStore interface {
	Create(ctx context.Context, sess authorize.Session) (string, error)
	Get(ctx context.Context, sessionID string) (authorize.Session, error)
	Save(ctx context.Context, sessionID string, sess authorize.Session) error
	Delete(ctx context.Context, sessionID string) error
}

// Services are the collaborators the HTTP surface delegates to.
type Services struct {
	Engine   *authorize.Engine
	Status   *status.Service
	Accounts *account.Service
	Sessions SessionStore
	Tokens   *Tokens
}

// Server hosts the identity provider endpoints.
type Server struct {
	config   Config
	services Services
	logger   *zap.Logger
}

// NewServer builds a server bound to config and its collaborators.
func NewServer(config Config, services Services, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{config: config, services: services, logger: logger}
}

// RegisterRoutes registers the HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /introspect", s.handleIntrospect)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleMetadata)

	mux.HandleFunc("GET /api/v1/user", s.requireAccess(s.handleReadUser))
	mux.HandleFunc("GET /api/v1/user/entities/{id}", s.requireAccess(s.handleReadEntity))
	mux.HandleFunc("POST /api/v1/test_accounts", s.handleCreateTestAccount)

	mux.HandleFunc("PATCH /account/profile", s.handleUpdateProfile)
	mux.HandleFunc("DELETE /account/{category}/{id}", s.handleDeleteEntity)
	mux.HandleFunc("DELETE /account", s.handleDeleteAccount)

	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}
