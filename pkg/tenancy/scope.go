package tenancy

import "fmt"

// ScopeKind discriminates the variants of Scope.
type ScopeKind int

const (
	// KindProcess is the process-wide scope.
	KindProcess ScopeKind = iota
	// KindApp is a per-app scope.
	KindApp
	// KindTenant is a per-tenant scope.
	KindTenant
)

func (k ScopeKind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindApp:
		return "app"
	case KindTenant:
		return "tenant"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// Scope is one of: the process scope, an app scope or a tenant scope.
// The zero value is the process scope. Scope is comparable.
type Scope struct {
	kind   ScopeKind
	tenant TenantIdentifier
}

// ProcessScope returns the process-wide scope.
func ProcessScope() Scope {
	return Scope{}
}

// AppScope returns the scope owned by app.
func AppScope(app AppIdentifier) Scope {
	return Scope{kind: KindApp, tenant: TenantIdentifier{
		ConnectionURIDomain: app.ConnectionURIDomain,
		AppID:               app.AppID,
	}}
}

// TenantScope returns the scope owned by tenant.
func TenantScope(tenant TenantIdentifier) Scope {
	return Scope{kind: KindTenant, tenant: tenant}
}

// Kind returns the variant of s.
func (s Scope) Kind() ScopeKind {
	return s.kind
}

// App returns the app of an app or tenant scope.
func (s Scope) App() (AppIdentifier, bool) {
	if s.kind == KindProcess {
		return AppIdentifier{}, false
	}
	return s.tenant.App(), true
}

// Tenant returns the tenant of a tenant scope.
func (s Scope) Tenant() (TenantIdentifier, bool) {
	if s.kind != KindTenant {
		return TenantIdentifier{}, false
	}
	return s.tenant, true
}

// Parent returns the enclosing scope. The process scope is its own parent.
func (s Scope) Parent() Scope {
	switch s.kind {
	case KindTenant:
		return AppScope(s.tenant.App())
	default:
		return ProcessScope()
	}
}

// Contains reports whether other is s or nested under s.
func (s Scope) Contains(other Scope) bool {
	switch s.kind {
	case KindProcess:
		return true
	case KindApp:
		if other.kind == KindProcess {
			return false
		}
		return other.tenant.App() == s.tenant.App()
	default:
		return other == s
	}
}

func (s Scope) String() string {
	switch s.kind {
	case KindApp:
		return "app:" + s.tenant.App().String()
	case KindTenant:
		return "tenant:" + s.tenant.String()
	default:
		return "process"
	}
}
