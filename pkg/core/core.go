// Package core wires the process: configuration, the resource distributor,
// the storage layer, recipes and maintenance tasks. Everything the process
// shares hangs off a Core value; there is no package-level state.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/cron"
	"github.com/rhuss/authcore/pkg/featureflag"
	"github.com/rhuss/authcore/pkg/resource"
	"github.com/rhuss/authcore/pkg/signingkeys"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/layer"
	"github.com/rhuss/authcore/pkg/telemetry"
	"github.com/rhuss/authcore/pkg/tenancy"
	"github.com/rhuss/authcore/pkg/totp"
)

// ErrBaseTenant is returned when removing the base tenant.
var ErrBaseTenant = errors.New("the base tenant cannot be removed")

// Options configures Start.
type Options struct {
	// Config defaults to config.Defaults().
	Config *config.Config

	// InstallDir holds the plugin directory.
	InstallDir string

	// ProcessID defaults to a random UUID.
	ProcessID string

	// Features defaults to featureflag.AllEnabled().
	Features featureflag.Checker

	// Registry defaults to storage.DefaultRegistry.
	Registry *storage.Registry

	ForceEmbedded   bool
	ForceNoEmbedded bool
	Silent          bool

	// Embedded overrides the embedded backend, for tests.
	Embedded storage.Factory

	// Now is the clock used by recipes. Defaults to time.Now.
	Now func() time.Time

	// KeyBits is the RSA size of new signing keys. Defaults to
	// signingkeys.DefaultKeyBits.
	KeyBits int

	// DisableCron skips starting the maintenance scheduler.
	DisableCron bool
}

// Core is the root of a running process.
type Core struct {
	ProcessID string
	Resources *resource.Distributor
	Storage   *layer.Layer
	Cron      *cron.Scheduler
	Features  featureflag.Checker

	mu  sync.RWMutex // guards cfg.Tenants
	cfg *config.Config

	totp    *totp.Service
	now     func() time.Time
	keyBits int
}

// Start brings up storage for every configured tenant, the TOTP recipe and
// the maintenance scheduler. A *storage.FatalError means the process must
// not start.
func Start(ctx context.Context, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		d := config.Defaults()
		cfg = &d
	}
	cfg = clone(cfg)
	if opts.ProcessID == "" {
		opts.ProcessID = uuid.NewString()
	}
	if opts.Features == nil {
		opts.Features = featureflag.AllEnabled()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Core{
		ProcessID: opts.ProcessID,
		Resources: resource.New(),
		Features:  opts.Features,
		cfg:       cfg,
		now:       opts.Now,
		keyBits:   opts.KeyBits,
	}

	var pluginDir string
	if opts.InstallDir != "" {
		pluginDir = filepath.Join(opts.InstallDir, "plugin")
	}
	l, err := layer.Init(ctx, c.Resources, layer.Options{
		Registry:        opts.Registry,
		PluginDir:       pluginDir,
		Config:          cfg,
		ProcessID:       opts.ProcessID,
		ForceEmbedded:   opts.ForceEmbedded,
		ForceNoEmbedded: opts.ForceNoEmbedded,
		Silent:          opts.Silent,
		Embedded:        opts.Embedded,
	})
	if err != nil {
		return nil, err
	}
	c.Storage = l

	c.totp, err = totp.New(totp.Options{
		Storage:  l.For,
		Config:   c.CoreConfig,
		Features: opts.Features,
		Now:      opts.Now,
	})
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if base, err := l.For(tenancy.BaseTenant); err == nil && !storage.Supports[storage.TOTPStorage](base) {
		slog.Warn("storage backend cannot serve TOTP, recipe calls will fail", "backend", l.Name())
	}

	c.Cron, err = cron.For(c.Resources, l.Tenants)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	c.Cron.Add(&cron.DeleteExpiredTOTPCodes{
		Storage: l.For,
		Every:   cfg.Cron.TOTPCodeCleanupInterval,
		Delay:   cfg.Cron.InitialDelay,
		Now:     opts.Now,
	})
	c.Cron.Add(&cron.CleanupSigningKeys{
		Managers: c.SigningKeys,
		Every:    cfg.Cron.SigningKeyCleanupInterval,
		Delay:    cfg.Cron.InitialDelay,
	})
	if !opts.DisableCron {
		c.Cron.Start(context.WithoutCancel(ctx))
	}

	if !cfg.Core.TelemetryDisabled {
		if id, err := c.TelemetryID(ctx, tenancy.BaseTenant.App()); err != nil {
			slog.Warn("provisioning telemetry id", "error", err)
		} else {
			slog.Debug("telemetry id", "id", id)
		}
	}

	slog.Info("core started", "process_id", c.ProcessID, "backend", l.Name(), "tenants", len(l.Tenants()))
	return c, nil
}

// Config returns a snapshot of the process configuration.
func (c *Core) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.cfg)
}

// CoreConfig returns the recipe settings in effect for tenant.
func (c *Core) CoreConfig(tenant tenancy.TenantIdentifier) config.CoreConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.ForTenant(tenant)
}

// TOTP returns the TOTP recipe.
func (c *Core) TOTP() *totp.Service { return c.totp }

// SigningKeys returns the signing key manager of app.
func (c *Core) SigningKeys(app tenancy.AppIdentifier) (*signingkeys.Manager, error) {
	public := app.PublicTenant()
	b, err := c.Storage.For(public)
	if err != nil {
		return nil, err
	}
	return signingkeys.For(c.Resources, app, signingkeys.Options{
		Storage: b,
		Config:  func() config.CoreConfig { return c.CoreConfig(public) },
		Now:     c.now,
		KeyBits: c.keyBits,
	})
}

// TelemetryID returns the app's telemetry ID.
func (c *Core) TelemetryID(ctx context.Context, app tenancy.AppIdentifier) (string, error) {
	b, err := c.Storage.For(app.PublicTenant())
	if err != nil {
		return "", err
	}
	kv, err := storage.Narrow[storage.KeyValueStorage](b)
	if err != nil {
		return "", err
	}
	return telemetry.GetOrCreateID(ctx, kv, app)
}

// AddTenant adds or replaces a tenant and opens its storage. Any tenant
// besides the base tenant requires the multi-tenancy feature.
func (c *Core) AddTenant(ctx context.Context, tc config.TenantConfig) error {
	tenant := tc.Identifier()
	if tenant != tenancy.BaseTenant {
		if err := featureflag.Require(ctx, c.Features, tenant.App(), featureflag.MultiTenancy); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := clone(c.cfg)
	next.Tenants = slices.DeleteFunc(next.Tenants, func(existing config.TenantConfig) bool {
		return existing.Identifier() == tenant
	})
	next.Tenants = append(next.Tenants, tc)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("tenant %s: %w", tenant, err)
	}

	if err := c.Storage.LoadTenants(ctx, next.Tenants); err != nil {
		return err
	}
	if tenant.IsPublic() {
		// The app's keys may now live on another handle.
		c.Resources.Remove(tenant.App().Scope(), signingkeys.ResourceKey)
	}
	c.cfg = next
	slog.Info("tenant added", "tenant", tenant.String())
	return nil
}

// RemoveTenant deletes a tenant and its data. Removing an app's public
// tenant removes the whole app. If storage cannot be reloaded afterwards the
// tenant stays configured and its tenant rows are recreated empty.
func (c *Core) RemoveTenant(ctx context.Context, tenant tenancy.TenantIdentifier) error {
	if tenant == tenancy.BaseTenant {
		return ErrBaseTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.Storage.For(tenant)
	if err != nil {
		return err
	}

	scope := tenant.Scope()
	drop := func(tc config.TenantConfig) bool { return tc.Identifier() == tenant }
	if tenant.IsPublic() {
		scope = tenant.App().Scope()
		drop = func(tc config.TenantConfig) bool { return tc.Identifier().App() == tenant.App() }
	}

	next := clone(c.cfg)
	next.Tenants = slices.DeleteFunc(next.Tenants, drop)

	mt, deletes := b.(storage.MultitenancyStorage)
	if deletes {
		var deleteErr error
		if tenant.IsPublic() {
			_, deleteErr = mt.DeleteApp(ctx, tenant.App())
		} else {
			_, deleteErr = mt.DeleteTenant(ctx, tenant)
		}
		if deleteErr != nil {
			return fmt.Errorf("deleting %s: %w", tenant, deleteErr)
		}
	}

	if err := c.Storage.LoadTenants(ctx, next.Tenants); err != nil {
		if deletes {
			// The tenants stay configured, so their rows must exist again.
			for _, tc := range c.cfg.Tenants {
				if !drop(tc) {
					continue
				}
				if _, restoreErr := mt.CreateTenant(ctx, tc.Identifier()); restoreErr != nil {
					err = errors.Join(err, fmt.Errorf("restoring %s: %w", tc.Identifier(), restoreErr))
				}
			}
		}
		return err
	}
	c.Resources.RemoveScope(scope)
	c.cfg = next
	slog.Info("tenant removed", "tenant", tenant.String())
	return nil
}

// Ready reports whether every storage handle can serve requests.
func (c *Core) Ready(ctx context.Context) error {
	return c.Storage.IsReady(ctx)
}

// Shutdown stops maintenance tasks and closes storage. It returns early
// with ctx's error if the scheduler does not stop in time; storage is
// closed regardless.
func (c *Core) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		c.Cron.Stop()
		close(stopped)
	}()

	var errs []error
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stopping cron: %w", ctx.Err()))
	}

	if err := c.Storage.Close(); err != nil {
		errs = append(errs, err)
	}
	c.Resources.Clear()
	slog.Info("core stopped", "process_id", c.ProcessID)
	return errors.Join(errs...)
}

func clone(cfg *config.Config) *config.Config {
	c := *cfg
	c.Tenants = slices.Clone(cfg.Tenants)
	return &c
}
