package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	tenantIDPattern = regexp.MustCompile(`^[a-z0-9-]*$`)
	apiKeyPattern   = regexp.MustCompile(`^[a-zA-Z0-9=-]{20,}$`)
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	for i, key := range c.Server.APIKeys {
		if !apiKeyPattern.MatchString(key) {
			errs = append(errs, fmt.Errorf("server.api_keys[%d] must be at least 20 characters of a-z, A-Z, 0-9, = or -", i))
		}
	}

	if c.Storage.Postgres.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("storage.postgres.max_conns must be > 0, got %d", c.Storage.Postgres.MaxConns))
	}
	if c.Storage.Postgres.MinConns > c.Storage.Postgres.MaxConns {
		errs = append(errs, fmt.Errorf("storage.postgres.min_conns (%d) must not exceed max_conns (%d)",
			c.Storage.Postgres.MinConns, c.Storage.Postgres.MaxConns))
	}

	errs = append(errs, c.Core.validate("core")...)

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
		// valid
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format))
	}

	if c.Cron.TOTPCodeCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cron.totp_code_cleanup_interval must be > 0"))
	}
	if c.Cron.SigningKeyCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cron.signing_key_cleanup_interval must be > 0"))
	}

	seen := make(map[string]bool)
	for i, tc := range c.Tenants {
		if !tenantIDPattern.MatchString(tc.AppID) {
			errs = append(errs, fmt.Errorf("tenants[%d].app_id %q must match %s", i, tc.AppID, tenantIDPattern))
		}
		if !tenantIDPattern.MatchString(tc.TenantID) {
			errs = append(errs, fmt.Errorf("tenants[%d].tenant_id %q must match %s", i, tc.TenantID, tenantIDPattern))
		}
		key := tc.Identifier().String()
		if seen[key] {
			errs = append(errs, fmt.Errorf("tenants[%d] duplicates tenant %s", i, key))
		}
		seen[key] = true

		core := c.ForTenant(tc.Identifier())
		errs = append(errs, core.validate(fmt.Sprintf("tenants[%d].core", i))...)
	}

	return errors.Join(errs...)
}

func (cc CoreConfig) validate(path string) []error {
	var errs []error
	if cc.TOTPMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s.totp_max_attempts must be > 0, got %d", path, cc.TOTPMaxAttempts))
	}
	if cc.TOTPRateLimitCooldown <= 0 {
		errs = append(errs, fmt.Errorf("%s.totp_rate_limit_cooldown must be > 0", path))
	}
	if cc.AccessTokenValidity <= 0 {
		errs = append(errs, fmt.Errorf("%s.access_token_validity must be > 0", path))
	}
	if cc.AccessTokenSigningKeyUpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s.access_token_signing_key_update_interval must be > 0", path))
	}
	return errs
}
