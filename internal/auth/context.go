// ABOUTME: Identity resolved by the auth middleware, carried on the request context
// ABOUTME: Anonymous when the server runs without a jwt secret

package auth

import (
	"context"
)

// AuthContext is the caller identity for one HTTP request.
type AuthContext struct {
	PrincipalID string
	Anonymous   bool
}

// Principal returns the principal ID, or "" for anonymous callers and a nil
// receiver.
func (a *AuthContext) Principal() string {
	if a == nil || a.Anonymous {
		return ""
	}
	return a.PrincipalID
}

type ctxKey struct{}

// WithAuth attaches ac to ctx.
func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the AuthContext on ctx, or nil.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(ctxKey{}).(*AuthContext)
	return ac
}
