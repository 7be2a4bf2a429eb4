// Package session stores browser sessions of the authorization flow in
// Redis. A session is a small JSON document keyed by an opaque random id
// carried in a cookie; its TTL slides on every read.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/authorize"
)

// DefaultTTL is how long an idle session lives.
const DefaultTTL = 30 * time.Minute

const keyPrefix = "veil:session:"

// ErrMiss indicates an unknown or expired session id.
var ErrMiss = errors.New("session not found")

// Config holds Redis connection settings, read from VEIL_REDIS_*.
type Config struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// NewClient builds a Redis client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Store persists sessions.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	newID  func() (string, error)
}

// NewStore builds a store; a non-positive ttl uses DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, newID: id.NewID}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Create stores sess under a new id.
func (s *Store) Create(ctx context.Context, sess authorize.Session) (string, error) {
	sessionID, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	if err := s.Save(ctx, sessionID, sess); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Get loads a session and extends its lifetime.
func (s *Store) Get(ctx context.Context, sessionID string) (authorize.Session, error) {
	if !id.Valid(sessionID) {
		return authorize.Session{}, ErrMiss
	}
	raw, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return authorize.Session{}, ErrMiss
	}
	if err != nil {
		return authorize.Session{}, fmt.Errorf("get session: %w", err)
	}
	var sess authorize.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return authorize.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if err := s.client.Expire(ctx, keyPrefix+sessionID, s.ttl).Err(); err != nil {
		return authorize.Session{}, fmt.Errorf("touch session: %w", err)
	}
	return sess, nil
}

// Save overwrites the session stored under sessionID.
func (s *Store) Save(ctx context.Context, sessionID string, sess authorize.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+sessionID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
