// Package client holds the registry of relying parties allowed to request
// user data.
//
// The registry is parsed once at startup and never mutated; every component
// receives clients by value, so a scope change takes effect on restart only.
package client

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/veil/internal/platform/errors"
	"github.com/louisbranch/veil/internal/services/auth/scope"
)

// ErrUnknownClient indicates a client id missing from the registry.
var ErrUnknownClient = apperrors.New(apperrors.CodeNotFound, "unknown client")

// ErrRedirectNotAllowed indicates a redirect URI the client did not register.
var ErrRedirectNotAllowed = apperrors.New(apperrors.CodeAccessDenied, "redirect uri not registered")

// Client is a registered relying party.
type Client struct {
	ID                string
	Name              string
	Secret            string
	RedirectURIs      []string
	Scope             scope.Scope
	Flags             scope.Flags
	AllowTestAccounts bool
}

// Slots returns the slots the client requests.
func (c Client) Slots() []scope.Slot {
	return scope.Slots(c.Scope, c.Flags)
}

// RequiresSplitAddresses reports whether the client asks for distinct
// shipping and billing addresses.
func (c Client) RequiresSplitAddresses() bool {
	return c.Scope.HasCategory(scope.Addresses) && c.Flags.Has(scope.SeparateShippingBillingAddress)
}

// ResolveRedirect picks the redirect target for an authorization request.
// An empty request falls back to the single registered URI.
func (c Client) ResolveRedirect(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		if len(c.RedirectURIs) == 1 {
			return c.RedirectURIs[0], nil
		}
		return "", ErrRedirectNotAllowed
	}
	for _, uri := range c.RedirectURIs {
		if uri == requested {
			return uri, nil
		}
	}
	return "", ErrRedirectNotAllowed
}

// Definition is the JSON form of a client in configuration.
type Definition struct {
	ID                string   `json:"client_id"`
	Secret            string   `json:"client_secret,omitempty"`
	Name              string   `json:"name,omitempty"`
	RedirectURIs      []string `json:"redirect_uris"`
	Scope             []string `json:"scope"`
	ScopeFlags        []string `json:"scope_flags,omitempty"`
	AllowTestAccounts bool     `json:"allow_test_accounts,omitempty"`
}

// Build validates the definition against the closed vocabulary.
func (d Definition) Build() (Client, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return Client{}, fmt.Errorf("client id is required")
	}
	if len(d.RedirectURIs) == 0 {
		return Client{}, fmt.Errorf("client %s: at least one redirect uri is required", id)
	}
	for _, raw := range d.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Client{}, fmt.Errorf("client %s: invalid redirect uri %q", id, raw)
		}
		if u.Fragment != "" {
			return Client{}, fmt.Errorf("client %s: redirect uri %q must not carry a fragment", id, raw)
		}
	}
	sc, err := scope.Parse(d.Scope)
	if err != nil {
		return Client{}, fmt.Errorf("client %s: %w", id, err)
	}
	flags, err := scope.ParseFlags(d.ScopeFlags)
	if err != nil {
		return Client{}, fmt.Errorf("client %s: %w", id, err)
	}
	return Client{
		ID:                id,
		Name:              strings.TrimSpace(d.Name),
		Secret:            d.Secret,
		RedirectURIs:      append([]string(nil), d.RedirectURIs...),
		Scope:             sc,
		Flags:             flags,
		AllowTestAccounts: d.AllowTestAccounts,
	}, nil
}

// Registry is an immutable set of clients keyed by id.
type Registry struct {
	clients map[string]Client
}

// NewRegistry indexes clients, rejecting duplicate ids.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if _, ok := r.clients[c.ID]; ok {
			return nil, fmt.Errorf("duplicate client id %s", c.ID)
		}
		r.clients[c.ID] = c
	}
	return r, nil
}

// ParseRegistry decodes the JSON client list used in configuration.
func ParseRegistry(raw string) (*Registry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewRegistry()
	}
	var defs []Definition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("decode clients: %w", err)
	}
	clients := make([]Client, 0, len(defs))
	for _, d := range defs {
		c, err := d.Build()
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return NewRegistry(clients...)
}

// Lookup returns the client with id.
func (r *Registry) Lookup(id string) (Client, error) {
	if r == nil {
		return Client{}, ErrUnknownClient
	}
	c, ok := r.clients[strings.TrimSpace(id)]
	if !ok {
		return Client{}, ErrUnknownClient
	}
	return c, nil
}

// Authenticate checks client credentials for back-channel endpoints.
func (r *Registry) Authenticate(id, secret string) (Client, error) {
	c, err := r.Lookup(id)
	if err != nil {
		return Client{}, err
	}
	if c.Secret == "" || subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return Client{}, apperrors.New(apperrors.CodeAccessDenied, "invalid client credentials")
	}
	return c, nil
}

// IDs lists registered client ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
