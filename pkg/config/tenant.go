package config

import "github.com/rhuss/authcore/pkg/tenancy"

// Identifier returns the normalized tenant identifier of the entry.
func (tc TenantConfig) Identifier() tenancy.TenantIdentifier {
	return tenancy.NewTenant(tc.ConnectionURIDomain, tc.AppID, tc.TenantID)
}

// ForTenant returns the core settings in effect for tenant. Overrides of
// the app's public tenant apply to every tenant of the app; the tenant's own
// entry is applied on top.
func (c *Config) ForTenant(tenant tenancy.TenantIdentifier) CoreConfig {
	core := c.Core
	if entry, ok := c.lookupTenant(tenant.App().PublicTenant()); ok {
		entry.Core.applyTo(&core)
	}
	if !tenant.IsPublic() {
		if entry, ok := c.lookupTenant(tenant); ok {
			entry.Core.applyTo(&core)
		}
	}
	return core
}

// StorageFor returns the storage settings in effect for tenant.
func (c *Config) StorageFor(tenant tenancy.TenantIdentifier) StorageConfig {
	storage := c.Storage
	apply := func(o *TenantStorageOverride) {
		if o == nil {
			return
		}
		if o.PostgresDSN != "" {
			storage.Postgres.DSN = o.PostgresDSN
		}
		if o.EmbeddedPath != "" {
			storage.Embedded.Path = o.EmbeddedPath
		}
	}
	if entry, ok := c.lookupTenant(tenant.App().PublicTenant()); ok {
		apply(entry.Storage)
	}
	if !tenant.IsPublic() {
		if entry, ok := c.lookupTenant(tenant); ok {
			apply(entry.Storage)
		}
	}
	return storage
}

// TenantIdentifiers returns the base tenant followed by every configured tenant.
func (c *Config) TenantIdentifiers() []tenancy.TenantIdentifier {
	seen := map[tenancy.TenantIdentifier]bool{tenancy.BaseTenant: true}
	out := []tenancy.TenantIdentifier{tenancy.BaseTenant}
	for _, tc := range c.Tenants {
		id := tc.Identifier()
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (c *Config) lookupTenant(tenant tenancy.TenantIdentifier) (TenantConfig, bool) {
	for _, tc := range c.Tenants {
		if tc.Identifier() == tenant {
			return tc, true
		}
	}
	return TenantConfig{}, false
}

func (o CoreOverrides) applyTo(core *CoreConfig) {
	if o.TOTPMaxAttempts != nil {
		core.TOTPMaxAttempts = *o.TOTPMaxAttempts
	}
	if o.TOTPRateLimitCooldown != nil {
		core.TOTPRateLimitCooldown = *o.TOTPRateLimitCooldown
	}
	if o.AccessTokenValidity != nil {
		core.AccessTokenValidity = *o.AccessTokenValidity
	}
	if o.AccessTokenSigningKeyUpdateInterval != nil {
		core.AccessTokenSigningKeyUpdateInterval = *o.AccessTokenSigningKeyUpdateInterval
	}
}
