package tenancy

import "context"

type ctxKey string

const principalKey ctxKey = "groundguard.principal"

// Principal identifies the caller the gateway authenticated.
type Principal struct {
	TenantID string
	UserID   string
	Region   string
}

// WithPrincipal stores the authenticated caller in context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the caller if present. A principal without a
// tenant or user is treated as missing.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	val := ctx.Value(principalKey)
	if val == nil {
		return Principal{}, false
	}
	p, ok := val.(Principal)
	return p, ok && p.TenantID != "" && p.UserID != ""
}

// TenantIDFromContext is a shorthand for log fields and metric labels.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	return p.TenantID, ok
}
