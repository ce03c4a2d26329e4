// Package config provides unified configuration for the authcore process.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (AUTHCORE_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
//
// Settings in the core section can be overridden per tenant through the
// tenants list; ForTenant resolves the effective values.
package config

import "time"

// Config holds all configuration for the authcore process.
type Config struct {
	Server        ServerConfig        `yaml:"server"        envPrefix:"SERVER_"`
	Storage       StorageConfig       `yaml:"storage"       envPrefix:"STORAGE_"`
	Core          CoreConfig          `yaml:"core"          envPrefix:"CORE_"`
	Cron          CronConfig          `yaml:"cron"          envPrefix:"CRON_"`
	Log           LogConfig           `yaml:"log"           envPrefix:"LOG_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
	Tenants       []TenantConfig      `yaml:"tenants"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"HOST"`             // default: "localhost"
	Port            int           `yaml:"port"             env:"PORT"`             // default: 3567
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`    // default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"` // default: 10s
	APIKeys         []string      `yaml:"api_keys"         env:"API_KEYS"`         // comma-separated; empty disables authentication
}

// StorageConfig holds settings for every storage backend. Each backend reads
// its own section and ignores the rest.
type StorageConfig struct {
	Embedded EmbeddedConfig `yaml:"embedded" envPrefix:"EMBEDDED_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// EmbeddedConfig holds settings for the embedded SQLite backend.
type EmbeddedConfig struct {
	Path        string        `yaml:"path"         env:"PATH"`         // empty: in-memory database
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"` // default: 5s
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"               env:"DSN"`
	DSNFile         string        `yaml:"dsn_file"          env:"DSN_FILE"`          // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"         env:"MAX_CONNS"`         // default: 25
	MinConns        int32         `yaml:"min_conns"         env:"MIN_CONNS"`         // default: 2
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"` // default: 5m
	MigrateOnStart  bool          `yaml:"migrate_on_start"  env:"MIGRATE_ON_START"`  // default: true
}

// CoreConfig holds recipe settings that tenants may override.
type CoreConfig struct {
	TOTPMaxAttempts                     int           `yaml:"totp_max_attempts"                        env:"TOTP_MAX_ATTEMPTS"`                        // default: 5
	TOTPRateLimitCooldown               time.Duration `yaml:"totp_rate_limit_cooldown"                 env:"TOTP_RATE_LIMIT_COOLDOWN"`                 // default: 15m
	AccessTokenValidity                 time.Duration `yaml:"access_token_validity"                    env:"ACCESS_TOKEN_VALIDITY"`                    // default: 1h
	AccessTokenSigningKeyUpdateInterval time.Duration `yaml:"access_token_signing_key_update_interval" env:"ACCESS_TOKEN_SIGNING_KEY_UPDATE_INTERVAL"` // default: 168h
	TelemetryDisabled                   bool          `yaml:"telemetry_disabled"                       env:"TELEMETRY_DISABLED"`
}

// CronConfig holds maintenance task schedules.
type CronConfig struct {
	InitialDelay              time.Duration `yaml:"initial_delay"                env:"INITIAL_DELAY"`                // default: 0
	TOTPCodeCleanupInterval   time.Duration `yaml:"totp_code_cleanup_interval"   env:"TOTP_CODE_CLEANUP_INTERVAL"`   // default: 1h
	SigningKeyCleanupInterval time.Duration `yaml:"signing_key_cleanup_interval" env:"SIGNING_KEY_CLEANUP_INTERVAL"` // default: 24h
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level        string `yaml:"level"          env:"LEVEL"`  // default: "INFO"
	Format       string `yaml:"format"         env:"FORMAT"` // "text" or "json", default: "text"
	Debug        string `yaml:"debug"          env:"DEBUG"`  // comma-separated debug categories
	InfoLogPath  string `yaml:"info_log_path"  env:"INFO_LOG_PATH"`
	ErrorLogPath string `yaml:"error_log_path" env:"ERROR_LOG_PATH"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"` // default: true
	Path    string `yaml:"path"    env:"PATH"`    // default: "/metrics"
}

// TenantConfig describes one tenant (or, with an empty tenant_id, the public
// tenant of an app) and its overrides.
type TenantConfig struct {
	ConnectionURIDomain string                 `yaml:"connection_uri_domain"`
	AppID               string                 `yaml:"app_id"`
	TenantID            string                 `yaml:"tenant_id"`
	Core                CoreOverrides          `yaml:"core"`
	Storage             *TenantStorageOverride `yaml:"storage"`
}

// CoreOverrides carries the subset of CoreConfig a tenant sets explicitly.
type CoreOverrides struct {
	TOTPMaxAttempts                     *int           `yaml:"totp_max_attempts"`
	TOTPRateLimitCooldown               *time.Duration `yaml:"totp_rate_limit_cooldown"`
	AccessTokenValidity                 *time.Duration `yaml:"access_token_validity"`
	AccessTokenSigningKeyUpdateInterval *time.Duration `yaml:"access_token_signing_key_update_interval"`
}

// TenantStorageOverride points a tenant at a different physical database.
type TenantStorageOverride struct {
	PostgresDSN  string `yaml:"postgres_dsn"`
	EmbeddedPath string `yaml:"embedded_path"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            3567,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Embedded: EmbeddedConfig{
				BusyTimeout: 5 * time.Second,
			},
			Postgres: PostgresConfig{
				MaxConns:        25,
				MinConns:        2,
				MaxConnLifetime: 5 * time.Minute,
				MigrateOnStart:  true,
			},
		},
		Core: CoreConfig{
			TOTPMaxAttempts:                     5,
			TOTPRateLimitCooldown:               15 * time.Minute,
			AccessTokenValidity:                 time.Hour,
			AccessTokenSigningKeyUpdateInterval: 168 * time.Hour,
		},
		Cron: CronConfig{
			TOTPCodeCleanupInterval:   time.Hour,
			SigningKeyCleanupInterval: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
