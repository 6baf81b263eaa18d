// ABOUTME: Tenant identity carried through request handlers via context
// ABOUTME: Provides WithTenant/TenantFromContext for the HTTP middleware

package auth

import (
	"context"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	TenantID string
	Admin    bool
}

type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// TenantFromContext returns the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	id := FromContext(ctx)
	if id == nil || id.TenantID == "" {
		return "", false
	}
	return id.TenantID, true
}
