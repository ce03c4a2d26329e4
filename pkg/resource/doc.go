// Package resource provides the Distributor, a scoped registry of
// lazily-constructed singleton resources.
//
// Components register per-process, per-app and per-tenant state (storage
// handles, signing-key caches, cron singletons, resolved configuration)
// through a Distributor carried on the root context instead of package-level
// globals. Exactly one instance exists per (scope, key) at any time.
package resource
