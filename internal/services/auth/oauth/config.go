package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/veil/internal/platform/config"
	"github.com/louisbranch/veil/internal/services/auth/client"
)

// Config describes the HTTP surface configuration.
type Config struct {
	Issuer      string
	Clients     *client.Registry
	TokenSecret []byte
	TokenTTL    time.Duration
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

// oauthEnv holds raw env values for the HTTP surface. Keys carry the
// VEIL_ prefix in the environment.
type oauthEnv struct {
	Issuer        string        `env:"ISSUER"`
	ClientsJSON   string        `env:"CLIENTS"`
	TokenSecret   string        `env:"TOKEN_SECRET"`
	TokenTTL      time.Duration `env:"TOKEN_TTL"      envDefault:"24h"`
	SecureCookies bool          `env:"SECURE_COOKIES" envDefault:"true"`
}

// MinTokenSecretLength is the shortest accepted HMAC key.
const MinTokenSecretLength = 32

// LoadConfigFromEnv loads the HTTP surface configuration. An invalid client
// registry is a configuration error.
func LoadConfigFromEnv() (Config, error) {
	var raw oauthEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, err
	}
	registry, err := client.ParseRegistry(raw.ClientsJSON)
	if err != nil {
		return Config{}, fmt.Errorf("VEIL_CLIENTS: %w", err)
	}
	secret := strings.TrimSpace(raw.TokenSecret)
	if len(secret) < MinTokenSecretLength {
		return Config{}, fmt.Errorf("VEIL_TOKEN_SECRET must be at least %d bytes", MinTokenSecretLength)
	}
	if raw.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("VEIL_TOKEN_TTL must be positive")
	}
	return Config{
		Issuer:        strings.TrimRight(strings.TrimSpace(raw.Issuer), "/"),
		Clients:       registry,
		TokenSecret:   []byte(secret),
		TokenTTL:      raw.TokenTTL,
		SecureCookies: raw.SecureCookies,
	}, nil
}
