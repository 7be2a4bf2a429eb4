package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/veil/internal/platform/timeouts"
	"github.com/louisbranch/veil/internal/services/auth/account"
	"github.com/louisbranch/veil/internal/services/auth/authorize"
	"github.com/louisbranch/veil/internal/services/auth/ledger"
	"github.com/louisbranch/veil/internal/services/auth/oauth"
	"github.com/louisbranch/veil/internal/services/auth/pseudonym"
	"github.com/louisbranch/veil/internal/services/auth/session"
	"github.com/louisbranch/veil/internal/services/auth/status"
	authsqlite "github.com/louisbranch/veil/internal/services/auth/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds process settings read from VEIL_* variables.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR"          envDefault:":8080"`
	GRPCAddr         string        `env:"GRPC_ADDR"          envDefault:":8081"`
	DBPath           string        `env:"DB_PATH"            envDefault:"data/veil.db"`
	MappingCacheSize int           `env:"MAPPING_CACHE_SIZE" envDefault:"4096"`
	GrantRetryLimit  int           `env:"GRANT_RETRY_LIMIT"  envDefault:"5"`
	DefaultCountry   string        `env:"DEFAULT_COUNTRY"    envDefault:"FR"`
	PlaceholderPhoto string        `env:"PLACEHOLDER_PHOTO"`
	SessionTTL       time.Duration `env:"SESSION_TTL"        envDefault:"30m"`
	Redis            session.Config
}

// Server hosts the identity provider.
type Server struct {
	listener     net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	store        *authsqlite.Store
	redis        interface{ Close() error }
	httpListener net.Listener
	httpServer   *http.Server
	logger       *zap.Logger
}

// New wires every component and opens the listeners.
func New(ctx context.Context, cfg Config, oauthConfig oauth.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	redisClient := session.NewClient(cfg.Redis)
	sessions := session.NewStore(redisClient, cfg.SessionTTL)
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.SessionStore)
	defer cancel()
	if err := sessions.Ping(pingCtx); err != nil {
		_ = redisClient.Close()
		_ = store.Close()
		return nil, fmt.Errorf("ping session store: %w", err)
	}

	handler, err := newHandler(store, sessions, cfg, oauthConfig, logger)
	if err != nil {
		_ = redisClient.Close()
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = redisClient.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen on grpc addr %s: %w", cfg.GRPCAddr, err)
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = listener.Close()
		_ = redisClient.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:     listener,
		grpcServer:   grpcServer,
		health:       healthServer,
		store:        store,
		redis:        redisClient,
		httpListener: httpListener,
		httpServer:   &http.Server{Handler: handler, ReadHeaderTimeout: timeouts.ReadHeader},
		logger:       logger,
	}, nil
}

// newHandler builds the component graph behind the HTTP surface.
func newHandler(store *authsqlite.Store, sessions oauth.SessionStore, cfg Config, oauthConfig oauth.Config, logger *zap.Logger) (http.Handler, error) {
	mappings, err := pseudonym.New(cfg.MappingCacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("build pseudonym service: %w", err)
	}
	l := ledger.New(store, mappings, logger, ledger.WithRetryLimit(cfg.GrantRetryLimit))
	tokens, err := oauth.NewTokens(store, oauthConfig.TokenSecret, oauthConfig.Issuer, oauthConfig.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("build token issuer: %w", err)
	}
	engine := authorize.New(l, tokens, logger,
		authorize.WithDefaultCountry(cfg.DefaultCountry),
		authorize.WithRecovery(authorize.LogRecovery{Logger: logger}),
	)
	var statusOpts []status.Option
	if photo := strings.TrimSpace(cfg.PlaceholderPhoto); photo != "" {
		statusOpts = append(statusOpts, status.WithPlaceholderPhoto(photo))
	}
	server := oauth.NewServer(oauthConfig, oauth.Services{
		Engine:   engine,
		Status:   status.New(l, logger, statusOpts...),
		Accounts: account.New(l, logger),
		Sessions: sessions,
		Tokens:   tokens,
	}, logger)
	return server.Handler(), nil
}

// Addr returns the gRPC listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config, oauthConfig oauth.Config, logger *zap.Logger) error {
	srv, err := New(ctx, cfg, oauthConfig, logger)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts both listeners and blocks until one stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStores()

	s.logger.Info("grpc health listening", zap.String("addr", s.Addr()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	s.logger.Info("http listening", zap.String("addr", s.HTTPAddr()))
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
	shutdownGRPC := func() {
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
	shutdownHTTP := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdownGRPC()
		shutdownHTTP()
		return handleErr(<-serveErr)
	case err := <-serveErr:
		shutdownHTTP()
		return handleErr(err)
	case err := <-httpErr:
		shutdownGRPC()
		if handled := handleErr(<-serveErr); handled != nil {
			return handled
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// OpenStore opens the SQLite store, creating its directory when needed.
func OpenStore(ctx context.Context, path string) (*authsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "veil.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := authsqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStores() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close store", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close session store", zap.Error(err))
		}
	}
}
