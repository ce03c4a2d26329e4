package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/authcore/pkg/debug"
	"github.com/rhuss/authcore/pkg/signingkeys"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// DeleteExpiredTOTPCodes prunes expired used codes. Only SQL backends keep
// a used-code log, so tenants on other backends are skipped.
type DeleteExpiredTOTPCodes struct {
	Storage func(tenant tenancy.TenantIdentifier) (storage.Backend, error)
	Every   time.Duration
	Delay   time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Name implements Task.
func (t *DeleteExpiredTOTPCodes) Name() string { return "delete_expired_totp_codes" }

// Interval implements Task.
func (t *DeleteExpiredTOTPCodes) Interval() time.Duration { return t.Every }

// InitialDelay implements Task.
func (t *DeleteExpiredTOTPCodes) InitialDelay() time.Duration { return t.Delay }

// Run implements Task.
func (t *DeleteExpiredTOTPCodes) Run(ctx context.Context, targets []tenancy.TenantIdentifier) error {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	var errs []error
	for _, tenant := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := t.Storage(tenant)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tenant, err))
			continue
		}
		if b.Type() != storage.TypeSQL || !storage.Supports[storage.TOTPStorage](b) {
			continue
		}
		store, _ := storage.Narrow[storage.TOTPStorage](b)
		removed, err := store.RemoveExpiredCodes(ctx, tenant, now())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tenant, err))
			continue
		}
		debug.Log("cron", "expired totp codes removed", "tenant", tenant, "removed", removed)
	}
	return errors.Join(errs...)
}

// CleanupSigningKeys deletes access-token signing keys that can no longer
// verify tokens, once per app.
type CleanupSigningKeys struct {
	Managers func(app tenancy.AppIdentifier) (*signingkeys.Manager, error)
	Every    time.Duration
	Delay    time.Duration
}

// Name implements Task.
func (t *CleanupSigningKeys) Name() string { return "cleanup_signing_keys" }

// Interval implements Task.
func (t *CleanupSigningKeys) Interval() time.Duration { return t.Every }

// InitialDelay implements Task.
func (t *CleanupSigningKeys) InitialDelay() time.Duration { return t.Delay }

// Run implements Task.
func (t *CleanupSigningKeys) Run(ctx context.Context, targets []tenancy.TenantIdentifier) error {
	seen := make(map[tenancy.AppIdentifier]bool)
	var errs []error
	for _, tenant := range targets {
		app := tenant.App()
		if seen[app] {
			continue
		}
		seen[app] = true

		m, err := t.Managers(app)
		if errors.Is(err, storage.ErrTenantOrAppNotFound) {
			// Only sub-tenants of app are loaded; it has no keys of its own.
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", app, err))
			continue
		}
		if err := m.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", app, err))
		}
	}
	return errors.Join(errs...)
}
