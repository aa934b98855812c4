package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// server.port must be positive.
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	// gateway.mode must be a known value.
	switch c.Gateway.Mode {
	case "static":
		if c.Gateway.Static.URL == "" {
			errs = append(errs, fmt.Errorf("gateway.static.url is required when gateway.mode is \"static\""))
		}
	case "kubernetes":
		if c.Gateway.Kubernetes.DefaultTemplate == "" && len(c.Gateway.Kubernetes.Templates) == 0 {
			errs = append(errs, fmt.Errorf("gateway.kubernetes.default_template or gateway.kubernetes.templates is required when gateway.mode is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.mode must be \"static\" or \"kubernetes\", got %q", c.Gateway.Mode))
	}

	// session timeouts must be positive.
	if c.Session.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.default_timeout must be > 0, got %s", c.Session.DefaultTimeout))
	}
	if c.Session.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval must be >= 0, got %s", c.Session.SweepInterval))
	}

	// journal.type must be a known value.
	switch c.Journal.Type {
	case "none", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("journal.type must be \"none\" or \"postgres\", got %q", c.Journal.Type))
	}

	// If journal.type is "postgres", DSN or DSNFile must be set.
	if c.Journal.Type == "postgres" {
		if c.Journal.Postgres.DSN == "" && c.Journal.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("journal.postgres.dsn or journal.postgres.dsn_file is required when journal.type is \"postgres\""))
		}
	}

	// auth.type must be a known value.
	switch c.Auth.Type {
	case "none", "apikey":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\" or \"apikey\", got %q", c.Auth.Type))
	}

	// auth.api_keys must be non-empty for type=apikey.
	if c.Auth.Type == "apikey" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("auth.api_keys must have at least one entry when auth.type is \"apikey\""))
	}

	// Rate limits must not be negative.
	if c.Auth.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit.requests_per_minute must not be negative, got %d", c.Auth.RateLimit.RequestsPerMinute))
	}
	for subject, rpm := range c.Auth.RateLimit.PerSubject {
		if rpm < 0 {
			errs = append(errs, fmt.Errorf("auth.rate_limit.per_subject[%q] must not be negative, got %d", subject, rpm))
		}
	}

	return errors.Join(errs...)
}
