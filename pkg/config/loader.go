package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, RUNBOX_CONFIG env, ./config.yaml, /etc/runbox/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	// Apply environment variable overrides.
	applyEnvOverrides(&cfg)

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. RUNBOX_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/runbox/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	// Check RUNBOX_CONFIG env var.
	if envPath := os.Getenv("RUNBOX_CONFIG"); envPath != "" {
		return envPath
	}

	// Check common locations.
	candidates := []string{
		"config.yaml",
		"/etc/runbox/config.yaml",
	}
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

// applyEnvOverrides maps environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNBOX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RUNBOX_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_URL"); v != "" {
		cfg.Gateway.Static.URL = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_NAMESPACE"); v != "" {
		cfg.Gateway.Kubernetes.Namespace = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_TEMPLATE"); v != "" {
		cfg.Gateway.Kubernetes.DefaultTemplate = v
	}
	if v := os.Getenv("RUNBOX_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.DefaultTimeout = d
		}
	}
	if v := os.Getenv("RUNBOX_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.SweepInterval = d
		}
	}
	if v := os.Getenv("RUNBOX_JOURNAL"); v != "" {
		cfg.Journal.Type = v
	}
	if v := os.Getenv("RUNBOX_POSTGRES_DSN"); v != "" {
		cfg.Journal.Postgres.DSN = v
	}
	if v := os.Getenv("RUNBOX_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}

	// RUNBOX_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("RUNBOX_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// journal.postgres.dsn_file -> journal.postgres.dsn
	if cfg.Journal.Postgres.DSNFile != "" && cfg.Journal.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Journal.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("journal.postgres.dsn_file: %w", err)
		}
		cfg.Journal.Postgres.DSN = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
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
