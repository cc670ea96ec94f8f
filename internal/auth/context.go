package auth

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PrincipalKey is the context key for the request principal.
const PrincipalKey contextKey = "sicc.principal"

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, PrincipalKey, p)
}

// PrincipalFrom returns the principal stored on ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}
