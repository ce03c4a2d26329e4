package tenancy

import "context"

// tenantKey is a private type for the tenant context key, preventing
// collisions with other packages.
type tenantKey struct{}

// WithTenant injects a tenant identifier into the context.
func WithTenant(ctx context.Context, tenant TenantIdentifier) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// FromContext extracts the tenant identifier from the context.
// Returns BaseTenant if no tenant is set (single-tenant mode).
func FromContext(ctx context.Context) TenantIdentifier {
	if v, ok := ctx.Value(tenantKey{}).(TenantIdentifier); ok {
		return v
	}
	return BaseTenant
}
