// Package requestctx carries request-scoped identity between the route layer
// and handlers.
package requestctx

import "context"

// accessContextKey is the context key for bearer-token identity.
type accessContextKey struct{}

// Access identifies the (client, user) pair an access token was issued for.
type Access struct {
	ClientID string
	UserID   string
}

// WithAccess stores token identity in context.
func WithAccess(ctx context.Context, access Access) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, accessContextKey{}, access)
}

// AccessFromContext returns the token identity stored in context.
func AccessFromContext(ctx context.Context) (Access, bool) {
	if ctx == nil {
		return Access{}, false
	}
	value, ok := ctx.Value(accessContextKey{}).(Access)
	return value, ok
}
