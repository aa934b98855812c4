package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RUNBOX_SANDBOX_URL", "http://localhost:8070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Gateway.Mode != "static" {
		t.Errorf("gateway.mode = %q, want static", cfg.Gateway.Mode)
	}
	if cfg.Session.DefaultTimeout != 5*time.Minute {
		t.Errorf("session.default_timeout = %s, want 5m", cfg.Session.DefaultTimeout)
	}
	if cfg.Session.SweepInterval != 30*time.Second {
		t.Errorf("session.sweep_interval = %s, want 30s", cfg.Session.SweepInterval)
	}
	if cfg.Journal.Type != "none" {
		t.Errorf("journal.type = %q, want none", cfg.Journal.Type)
	}
	if cfg.Auth.Type != "none" {
		t.Errorf("auth.type = %q, want none", cfg.Auth.Type)
	}
	if !cfg.Observability.Metrics.Enabled || cfg.Observability.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics config %+v", cfg.Observability.Metrics)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9090
gateway:
  mode: kubernetes
  kubernetes:
    namespace: sandboxes
    default_template: python-small
    templates:
      python: python-large
    ready_timeout: 90s
session:
  default_timeout: 10m
  sweep_interval: 1m
journal:
  type: postgres
  postgres:
    dsn: postgres://runbox:secret@db/runbox
    max_conns: 10
auth:
  type: apikey
  api_keys:
    - key: sk-test-1
      subject: ci
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Gateway.Mode != "kubernetes" {
		t.Errorf("gateway.mode = %q, want kubernetes", cfg.Gateway.Mode)
	}
	if cfg.Gateway.Kubernetes.Namespace != "sandboxes" {
		t.Errorf("namespace = %q, want sandboxes", cfg.Gateway.Kubernetes.Namespace)
	}
	if cfg.Gateway.Kubernetes.Templates["python"] != "python-large" {
		t.Errorf("templates[python] = %q, want python-large", cfg.Gateway.Kubernetes.Templates["python"])
	}
	if cfg.Gateway.Kubernetes.ReadyTimeout != 90*time.Second {
		t.Errorf("ready_timeout = %s, want 90s", cfg.Gateway.Kubernetes.ReadyTimeout)
	}
	if cfg.Session.DefaultTimeout != 10*time.Minute {
		t.Errorf("default_timeout = %s, want 10m", cfg.Session.DefaultTimeout)
	}
	if cfg.Journal.Postgres.MaxConns != 10 {
		t.Errorf("max_conns = %d, want 10", cfg.Journal.Postgres.MaxConns)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].Subject != "ci" {
		t.Errorf("unexpected api keys %+v", cfg.Auth.APIKeys)
	}

	// Unset fields keep their defaults.
	if cfg.Gateway.HTTPTimeout != 120*time.Second {
		t.Errorf("http_timeout = %s, want default 120s", cfg.Gateway.HTTPTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RUNBOX_PORT", "7000")
	t.Setenv("RUNBOX_SANDBOX_URL", "http://sandbox:8070")
	t.Setenv("RUNBOX_SESSION_TIMEOUT", "15m")
	t.Setenv("RUNBOX_SWEEP_INTERVAL", "10s")
	t.Setenv("RUNBOX_AUTH_TYPE", "apikey")
	t.Setenv("RUNBOX_API_KEYS", `[{"key":"sk-env","subject":"env"}]`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("server.port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Gateway.Static.URL != "http://sandbox:8070" {
		t.Errorf("static url = %q", cfg.Gateway.Static.URL)
	}
	if cfg.Session.DefaultTimeout != 15*time.Minute {
		t.Errorf("default_timeout = %s, want 15m", cfg.Session.DefaultTimeout)
	}
	if cfg.Session.SweepInterval != 10*time.Second {
		t.Errorf("sweep_interval = %s, want 10s", cfg.Session.SweepInterval)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].Key != "sk-env" {
		t.Errorf("unexpected api keys %+v", cfg.Auth.APIKeys)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9090
gateway:
  static:
    url: http://from-yaml:8070
`)
	t.Setenv("RUNBOX_PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("env override should win over YAML, got port %d", cfg.Server.Port)
	}
	if cfg.Gateway.Static.URL != "http://from-yaml:8070" {
		t.Errorf("static url = %q", cfg.Gateway.Static.URL)
	}
}

func TestLoadFileReferences(t *testing.T) {
	dir := t.TempDir()
	dsnFile := writeFile(t, dir, "dsn", "postgres://runbox:fromfile@db/runbox\n")
	keyFile := writeFile(t, dir, "apikey", "  sk-from-file \n")
	path := writeFile(t, dir, "config.yaml", `
gateway:
  static:
    url: http://localhost:8070
journal:
  type: postgres
  postgres:
    dsn_file: `+dsnFile+`
auth:
  type: apikey
  api_keys:
    - key_file: `+keyFile+`
      subject: filed
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Journal.Postgres.DSN != "postgres://runbox:fromfile@db/runbox" {
		t.Errorf("dsn = %q", cfg.Journal.Postgres.DSN)
	}
	if cfg.Auth.APIKeys[0].Key != "sk-from-file" {
		t.Errorf("key = %q, want trimmed file content", cfg.Auth.APIKeys[0].Key)
	}
}

func TestLoadMissingFileReference(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
gateway:
  static:
    url: http://localhost:8070
journal:
  type: postgres
  postgres:
    dsn_file: /nonexistent/dsn
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing dsn_file")
	}
	if !strings.Contains(err.Error(), "dsn_file") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Gateway.Static.URL = "http://localhost:8070"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"static without url", func(c *Config) { c.Gateway.Static.URL = "" }, "gateway.static.url"},
		{"unknown gateway mode", func(c *Config) { c.Gateway.Mode = "docker" }, "gateway.mode"},
		{"kubernetes without template", func(c *Config) { c.Gateway.Mode = "kubernetes" }, "default_template"},
		{"zero session timeout", func(c *Config) { c.Session.DefaultTimeout = 0 }, "session.default_timeout"},
		{"unknown journal type", func(c *Config) { c.Journal.Type = "kafka" }, "journal.type"},
		{"postgres without dsn", func(c *Config) { c.Journal.Type = "postgres" }, "journal.postgres.dsn"},
		{"unknown auth type", func(c *Config) { c.Auth.Type = "jwt" }, "auth.type"},
		{"apikey without keys", func(c *Config) { c.Auth.Type = "apikey" }, "auth.api_keys"},
		{"negative rate limit", func(c *Config) { c.Auth.RateLimit.RequestsPerMinute = -1 }, "auth.rate_limit.requests_per_minute"},
		{"negative subject rate limit", func(c *Config) { c.Auth.RateLimit.PerSubject = map[string]int{"ci": -5} }, "auth.rate_limit.per_subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantSub == "" {
				if err != nil {
					t.Errorf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("expected error containing %q, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestDiscoverConfigFile(t *testing.T) {
	t.Setenv("RUNBOX_CONFIG", "")

	if got := discoverConfigFile("/explicit/path.yaml"); got != "/explicit/path.yaml" {
		t.Errorf("explicit path ignored, got %q", got)
	}

	t.Setenv("RUNBOX_CONFIG", "/from/env.yaml")
	if got := discoverConfigFile(""); got != "/from/env.yaml" {
		t.Errorf("RUNBOX_CONFIG ignored, got %q", got)
	}
	if got := discoverConfigFile("/explicit/path.yaml"); got != "/explicit/path.yaml" {
		t.Errorf("explicit path should win over env, got %q", got)
	}
}
