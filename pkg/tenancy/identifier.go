package tenancy

import "strings"

// DefaultID is the app and tenant id used when none is given.
const DefaultID = "public"

// AppIdentifier addresses an app within a connection-uri-domain.
type AppIdentifier struct {
	ConnectionURIDomain string
	AppID               string
}

// TenantIdentifier addresses a tenant within an app.
type TenantIdentifier struct {
	ConnectionURIDomain string
	AppID               string
	TenantID            string
}

var (
	// BaseApp is the default app of single-tenant deployments.
	BaseApp = NewApp("", "")

	// BaseTenant is the default tenant of single-tenant deployments.
	BaseTenant = NewTenant("", "", "")
)

// NewApp returns a normalized AppIdentifier. The domain is trimmed and
// lower-cased; an empty app id becomes DefaultID.
func NewApp(connectionURIDomain, appID string) AppIdentifier {
	return AppIdentifier{
		ConnectionURIDomain: normalizeDomain(connectionURIDomain),
		AppID:               orDefault(appID),
	}
}

// NewTenant returns a normalized TenantIdentifier.
func NewTenant(connectionURIDomain, appID, tenantID string) TenantIdentifier {
	return TenantIdentifier{
		ConnectionURIDomain: normalizeDomain(connectionURIDomain),
		AppID:               orDefault(appID),
		TenantID:            orDefault(tenantID),
	}
}

// App returns the app the tenant belongs to.
func (t TenantIdentifier) App() AppIdentifier {
	return AppIdentifier{ConnectionURIDomain: t.ConnectionURIDomain, AppID: t.AppID}
}

// IsPublic reports whether t is the public tenant of its app.
func (t TenantIdentifier) IsPublic() bool {
	return t.TenantID == DefaultID
}

// Scope returns the registry scope for the tenant.
func (t TenantIdentifier) Scope() Scope {
	return TenantScope(t)
}

func (t TenantIdentifier) String() string {
	return t.ConnectionURIDomain + "|" + t.AppID + "|" + t.TenantID
}

// PublicTenant returns the public tenant of the app.
func (a AppIdentifier) PublicTenant() TenantIdentifier {
	return TenantIdentifier{ConnectionURIDomain: a.ConnectionURIDomain, AppID: a.AppID, TenantID: DefaultID}
}

// Tenant returns the tenant with the given id inside the app.
func (a AppIdentifier) Tenant(tenantID string) TenantIdentifier {
	return TenantIdentifier{ConnectionURIDomain: a.ConnectionURIDomain, AppID: a.AppID, TenantID: orDefault(tenantID)}
}

// Scope returns the registry scope for the app.
func (a AppIdentifier) Scope() Scope {
	return AppScope(a)
}

func (a AppIdentifier) String() string {
	return a.ConnectionURIDomain + "|" + a.AppID
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func orDefault(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultID
	}
	return id
}
