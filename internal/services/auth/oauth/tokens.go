package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/services/auth/authorize"
	"github.com/louisbranch/veil/internal/services/auth/storage"
)

// TokenType is the type reported for issued tokens.
const TokenType = "Bearer"

// ErrInvalidToken indicates a token that is malformed, expired or revoked.
var ErrInvalidToken = apperrors.New(apperrors.CodeAccessDenied, "invalid access token")

// Tokens issues and validates access tokens. A token is an HS256 JWT whose
// jti points at a stored record, so deleting the record revokes it. Claims
// never carry the real user id.
type Tokens struct {
	store  storage.AccessTokenStore
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	newID  func() (string, error)
}

// accessClaims is the claims type used for signing and parsing.
type accessClaims struct {
	jwt.RegisteredClaims
}

// NewTokens builds a token issuer.
func NewTokens(store storage.AccessTokenStore, secret []byte, issuer string, ttl time.Duration) (*Tokens, error) {
	if store == nil {
		return nil, errors.New("access token store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Tokens{store: store, secret: secret, issuer: issuer, ttl: ttl, now: time.Now, newID: id.NewID}, nil
}

// Issue returns a token for the pair, reusing the newest one still valid.
func (t *Tokens) Issue(ctx context.Context, clientID, userID string) (authorize.Token, error) {
	now := t.now().UTC()
	record, err := t.store.FindActiveAccessToken(ctx, clientID, userID, now)
	if errors.Is(err, storage.ErrNotFound) {
		tokenID, idErr := t.newID()
		if idErr != nil {
			return authorize.Token{}, fmt.Errorf("generate token id: %w", idErr)
		}
		record = storage.AccessToken{
			ID:        tokenID,
			ClientID:  clientID,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(t.ttl).Truncate(time.Second),
		}
		err = t.store.PutAccessToken(ctx, record)
	}
	if err != nil {
		return authorize.Token{}, fmt.Errorf("store access token: %w", err)
	}
	signed, err := t.sign(record)
	if err != nil {
		return authorize.Token{}, err
	}
	return authorize.Token{Value: signed, Type: TokenType, ExpiresIn: record.ExpiresAt.Sub(now)}, nil
}

func (t *Tokens) sign(record storage.AccessToken) (string, error) {
	claims := accessClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Audience:  jwt.ClaimStrings{record.ClientID},
		ID:        record.ID,
		IssuedAt:  jwt.NewNumericDate(record.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate checks a presented token and returns its record.
func (t *Tokens) Validate(ctx context.Context, raw string) (storage.AccessToken, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return storage.AccessToken{}, apperrors.Wrap(apperrors.CodeAccessDenied, "invalid access token", err)
	}
	record, err := t.store.GetAccessToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.AccessToken{}, ErrInvalidToken
	}
	if err != nil {
		return storage.AccessToken{}, fmt.Errorf("load access token: %w", err)
	}
	if !record.ExpiresAt.After(t.now()) || !slices.Contains(claims.Audience, record.ClientID) {
		return storage.AccessToken{}, ErrInvalidToken
	}
	return record, nil
}
