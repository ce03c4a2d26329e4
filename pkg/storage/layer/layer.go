// Package layer selects the storage backend for the process and resolves
// the storage handle of each tenant.
//
// At most one storage plugin may be installed. When none is installed, or
// the installed one cannot use the configuration, the embedded SQLite
// backend is used. Tenants whose configuration points at the same physical
// database share one handle.
package layer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/observability"
	"github.com/rhuss/authcore/pkg/resource"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/sqlite"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// Distributor keys owned by the layer.
const (
	LayerKey  resource.Key = "storage.layer"
	HandleKey resource.Key = "storage.handle"
)

// Options configures backend selection.
type Options struct {
	// Registry lists the compiled-in plugins. Defaults to storage.DefaultRegistry.
	Registry *storage.Registry

	// PluginDir is scanned for enabled plugins, usually <installDir>/plugin.
	PluginDir string

	Config    *config.Config
	ProcessID string

	// ForceEmbedded ignores installed plugins.
	ForceEmbedded bool

	// ForceNoEmbedded makes a missing plugin fatal.
	ForceNoEmbedded bool

	// Silent suppresses backend logging below WARN.
	Silent bool

	// Embedded overrides the embedded backend, for tests.
	Embedded storage.Factory
}

// Layer owns the storage handles of the process.
type Layer struct {
	dist    *resource.Distributor
	opts    Options
	factory storage.Factory
	name    string
	typ     storage.Type

	mu      sync.Mutex // serializes LoadTenants and Close
	tenants []config.TenantConfig
}

// Init selects the backend and opens the base tenant's handle. The Layer is
// a process-scope resource, so calling Init again returns the same Layer.
func Init(ctx context.Context, dist *resource.Distributor, opts Options) (*Layer, error) {
	return resource.Obtain(dist, tenancy.ProcessScope(), LayerKey, func() (*Layer, error) {
		return newLayer(ctx, dist, opts)
	})
}

func newLayer(ctx context.Context, dist *resource.Distributor, opts Options) (*Layer, error) {
	if opts.Config == nil {
		d := config.Defaults()
		opts.Config = &d
	}
	if opts.Registry == nil {
		opts.Registry = storage.DefaultRegistry
	}
	if opts.Embedded == nil {
		opts.Embedded = sqlite.New
	}

	factory, name, err := selectBackend(opts)
	if err != nil {
		return nil, err
	}

	l := &Layer{dist: dist, opts: opts, factory: factory, name: name}
	if err := l.LoadTenants(ctx, opts.Config.Tenants); err != nil {
		return nil, err
	}

	base, err := l.For(tenancy.BaseTenant)
	if err != nil {
		return nil, err
	}
	l.typ = base.Type()
	observability.StorageBackendInfo.WithLabelValues(name, l.typ.String()).Set(1)
	slog.Info("storage layer initialized", "backend", name, "type", l.typ.String())
	return l, nil
}

// selectBackend applies the plugin selection rules.
func selectBackend(opts Options) (storage.Factory, string, error) {
	names, err := opts.Registry.Discover(opts.PluginDir)
	if err != nil {
		return nil, "", &storage.FatalError{Msg: "discovering storage plugins", Err: err}
	}
	if len(names) > 1 {
		return nil, "", &storage.FatalError{Msg: "more than one storage plugin found: " + strings.Join(names, ", ")}
	}

	if len(names) == 1 && !opts.ForceEmbedded {
		factory, _ := opts.Registry.Factory(names[0])
		if opts.ForceNoEmbedded || factory().CanBeUsed(opts.Config.Storage) {
			return factory, names[0], nil
		}
		slog.Info("storage plugin cannot use configuration, falling back to embedded storage", "plugin", names[0])
	}

	if opts.ForceNoEmbedded {
		return nil, "", &storage.FatalError{Msg: "no usable storage plugin found and embedded storage is disabled"}
	}
	return opts.Embedded, opts.Embedded().Name(), nil
}

// Name returns the selected backend name.
func (l *Layer) Name() string { return l.name }

// Type returns the selected backend family.
func (l *Layer) Type() storage.Type { return l.typ }

// For returns the handle serving tenant: the tenant's own, then the one of
// its app's public tenant. An app without a loaded public tenant fails with
// storage.ErrTenantOrAppNotFound.
func (l *Layer) For(tenant tenancy.TenantIdentifier) (storage.Backend, error) {
	for _, t := range []tenancy.TenantIdentifier{tenant, tenant.App().PublicTenant()} {
		if b, ok := resource.Lookup[storage.Backend](l.dist, t.Scope(), HandleKey); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("storage for %s: %w", tenant, storage.ErrTenantOrAppNotFound)
}

// Tenants returns every tenant with a handle, sorted.
func (l *Layer) Tenants() []tenancy.TenantIdentifier {
	var out []tenancy.TenantIdentifier
	for scope := range l.dist.WithKey(HandleKey) {
		if t, ok := scope.Tenant(); ok {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b tenancy.TenantIdentifier) int {
		return cmp.Compare(a.String(), b.String())
	})
	return out
}

// Handles returns the distinct handles, sorted by connection pool id.
func (l *Layer) Handles() []storage.Backend {
	seen := make(map[storage.Backend]bool)
	var out []storage.Backend
	for _, v := range l.dist.WithKey(HandleKey) {
		b, ok := v.(storage.Backend)
		if ok && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b storage.Backend) int {
		return cmp.Compare(a.ConnectionPoolID(), b.ConnectionPoolID())
	})
	return out
}

// TenantConfigs returns the tenant list last loaded.
func (l *Layer) TenantConfigs() []config.TenantConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.tenants)
}

// LoadTenants reconciles the handles with tenants (the base tenant is
// always served). Tenants on the same physical database share a handle,
// existing handles are reused, new ones are opened, and handles no tenant
// references any more are closed. Every tenant is created in its backend.
func (l *Layer) LoadTenants(ctx context.Context, tenants []config.TenantConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := *l.opts.Config
	cfg.Tenants = tenants

	byPool := make(map[string]storage.Backend)
	for _, b := range l.Handles() {
		byPool[b.ConnectionPoolID()] = b
	}
	existing := make(map[storage.Backend]bool, len(byPool))
	for _, b := range byPool {
		existing[b] = true
	}

	var opened []storage.Backend
	fail := func(err error) error {
		for _, b := range opened {
			closeHandle(b)
		}
		return err
	}

	next := make(map[tenancy.Scope]any)
	for _, tenant := range cfg.TenantIdentifiers() {
		candidate := l.factory()
		candidate.Construct(l.opts.ProcessID, l.opts.Silent)
		if err := candidate.LoadConfig(cfg.StorageFor(tenant)); err != nil {
			return fail(fmt.Errorf("loading storage config for %s: %w", tenant, err))
		}

		handle, ok := byPool[candidate.ConnectionPoolID()]
		if !ok {
			if err := l.open(ctx, candidate); err != nil {
				return fail(fmt.Errorf("initializing storage for %s: %w", tenant, err))
			}
			handle = candidate
			byPool[handle.ConnectionPoolID()] = handle
			opened = append(opened, handle)
		}

		if mt, ok := handle.(storage.MultitenancyStorage); ok {
			if _, err := mt.CreateTenant(ctx, tenant); err != nil {
				return fail(fmt.Errorf("creating tenant %s: %w", tenant, err))
			}
		}
		next[tenant.Scope()] = handle
	}

	displaced := l.dist.ReplaceKey(HandleKey, next)
	inUse := make(map[storage.Backend]bool)
	for _, v := range next {
		inUse[v.(storage.Backend)] = true
	}
	closed := make(map[storage.Backend]bool)
	for _, v := range displaced {
		b := v.(storage.Backend)
		if !inUse[b] && !closed[b] {
			closed[b] = true
			closeHandle(b)
		}
	}

	l.tenants = slices.Clone(tenants)
	observability.StorageHandles.Set(float64(len(inUse)))
	return nil
}

func (l *Layer) open(ctx context.Context, b storage.Backend) error {
	logCfg := l.opts.Config.Log
	if err := b.InitFileLogging(logCfg.InfoLogPath, logCfg.ErrorLogPath); err != nil {
		return &storage.FatalError{Msg: "initializing storage logging", Err: err}
	}
	if err := b.InitStorage(ctx); err != nil {
		b.StopLogging()
		return err
	}
	return nil
}

// IsReady checks every handle.
func (l *Layer) IsReady(ctx context.Context) error {
	var errs []error
	for _, b := range l.Handles() {
		if err := b.IsReady(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.ConnectionPoolID(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every handle and removes them from the distributor.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, b := range l.Handles() {
		b.StopLogging()
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", b.ConnectionPoolID(), err))
		}
	}
	l.dist.ReplaceKey(HandleKey, nil)
	l.dist.Remove(tenancy.ProcessScope(), LayerKey)
	observability.StorageHandles.Set(0)
	observability.StorageBackendInfo.Reset()
	return errors.Join(errs...)
}

func closeHandle(b storage.Backend) {
	b.StopLogging()
	if err := b.Close(); err != nil {
		slog.Warn("closing storage handle", "pool", b.ConnectionPoolID(), "error", err)
	}
}
