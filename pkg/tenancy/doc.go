// Package tenancy defines the identifier types that address data and
// resources across connection-uri-domains, apps and tenants.
//
// A deployment serves one or more connection-uri-domains. Each domain holds
// apps, and each app holds tenants. Identifiers are comparable values and can
// be used directly as map keys. Absent app or tenant ids default to "public".
//
// Scope is the registry-facing view of the hierarchy: it is a tagged union of
// the process-wide scope, an app scope and a tenant scope.
package tenancy
