package oauth

import (
	"net/http"
	"strings"

	"github.com/louisbranch/veil/internal/services/auth/scope"
)

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	IntrospectionEndpointAuthMethods  []string `json:"introspection_endpoint_auth_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimRight(s.config.Issuer, "/")
	if issuer == "" {
		issuer = issuerFromRequest(r)
	}
	authMethods := []string{"client_secret_basic", "client_secret_post"}

	writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		IntrospectionEndpoint:             issuer + "/introspect",
		UserinfoEndpoint:                  issuer + "/api/v1/user",
		ResponseTypesSupported:            []string{"token"},
		GrantTypesSupported:               []string{"implicit"},
		ScopesSupported:                   scopesSupported(),
		IntrospectionEndpointAuthMethods:  authMethods,
		TokenEndpointAuthMethodsSupported: authMethods,
	})
}

func scopesSupported() []string {
	names := make([]string, 0, len(scope.Fields)+len(scope.Categories))
	for _, f := range scope.Fields {
		names = append(names, string(f))
	}
	for _, c := range scope.Categories {
		names = append(names, string(c))
	}
	return names
}

func issuerFromRequest(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}
