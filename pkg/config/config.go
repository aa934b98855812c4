// Package config provides unified configuration for the runbox server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (RUNBOX_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the runbox server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Session       SessionConfig       `yaml:"session"`
	Journal       JournalConfig       `yaml:"journal"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 300s, long enough for streamed runs
}

// GatewayConfig holds sandbox placement settings.
type GatewayConfig struct {
	// Mode selects how sandbox servers are placed: "static" points every
	// environment at one fixed sandbox server, "kubernetes" acquires one
	// sandbox per environment through SandboxClaim CRDs.
	Mode string `yaml:"mode"` // "static" or "kubernetes", default: "static"

	// HTTPTimeout bounds each sandbox HTTP round trip. Default: 120s.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	Static     StaticGatewayConfig     `yaml:"static"`
	Kubernetes KubernetesGatewayConfig `yaml:"kubernetes"`
}

// StaticGatewayConfig holds static placement settings.
type StaticGatewayConfig struct {
	URL string `yaml:"url"` // required for mode=static
}

// KubernetesGatewayConfig holds SandboxClaim placement settings.
type KubernetesGatewayConfig struct {
	Namespace       string            `yaml:"namespace"`        // default: "default"
	DefaultTemplate string            `yaml:"default_template"` // required for mode=kubernetes
	Templates       map[string]string `yaml:"templates"`        // language -> SandboxTemplate name
	ReadyTimeout    time.Duration     `yaml:"ready_timeout"`    // default: 60s
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`  // default: 5m
	SweepInterval   time.Duration `yaml:"sweep_interval"`   // default: 30s
	TeardownTimeout time.Duration `yaml:"teardown_timeout"` // default: 30s
}

// JournalConfig holds lifecycle journaling settings.
type JournalConfig struct {
	Type     string         `yaml:"type"` // "none" or "postgres", default: "none"
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`       // "none" or "apikey", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"`   // API key entries for type=apikey
	RateLimit RateLimitConfig `yaml:"rate_limit"` // per-subject request limits
}

// RateLimitConfig holds per-subject request rate limits. A limit of 0
// disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int            `yaml:"requests_per_minute"` // default: 0 (off)
	PerSubject        map[string]int `yaml:"per_subject"`         // subject -> rpm override
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"` // _file variant for key
	Subject string `yaml:"subject"`
}

// MCPConfig holds MCP server settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Path    string `yaml:"path"`    // default: "/mcp"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		Gateway: GatewayConfig{
			Mode:        "static",
			HTTPTimeout: 120 * time.Second,
			Kubernetes: KubernetesGatewayConfig{
				Namespace:    "default",
				ReadyTimeout: 60 * time.Second,
			},
		},
		Session: SessionConfig{
			DefaultTimeout:  5 * time.Minute,
			SweepInterval:   30 * time.Second,
			TeardownTimeout: 30 * time.Second,
		},
		Journal: JournalConfig{
			Type: "none",
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		MCP: MCPConfig{
			Path: "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
