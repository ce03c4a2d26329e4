package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "AUTHCORE_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, AUTHCORE_CONFIG env, <installDir>/config.yaml, ./config.yaml)
//  3. Environment variable overrides (AUTHCORE_SERVER_PORT, AUTHCORE_STORAGE_POSTGRES_DSN, ...)
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath, installDir string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath, installDir)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Path returns the config file Load would read, or "" if none is found.
func Path(configPath, installDir string) string {
	return discoverConfigFile(configPath, installDir)
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. AUTHCORE_CONFIG environment variable
// 3. config.yaml in the installation directory
// 4. ./config.yaml in the current directory
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath, installDir string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}

	var candidates []string
	if installDir != "" {
		candidates = append(candidates, filepath.Join(installDir, "config.yaml"))
	}
	candidates = append(candidates, "config.yaml")
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps AUTHCORE_* environment variables onto cfg. Fields
// without a matching variable keep their value.
func applyEnvOverrides(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// If the value field is empty and the file field is set, the file is read,
// whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
