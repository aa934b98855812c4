// Command runbox-server runs the session manager for remote code
// execution.
//
// Configuration is loaded from a YAML file (see pkg/config for the
// discovery order) with RUNBOX_* environment variable overrides. The
// most common knobs:
//
//	RUNBOX_PORT          - Listen port (default: 8080)
//	RUNBOX_GATEWAY_MODE  - "static" or "kubernetes" (default: static)
//	RUNBOX_SANDBOX_URL   - Sandbox server URL for static mode
//	RUNBOX_JOURNAL       - "none" or "postgres" (default: none)
//	RUNBOX_DEBUG         - Debug log categories, e.g. "session,sweep"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/runboxd/runbox/pkg/auth"
	"github.com/runboxd/runbox/pkg/auth/apikey"
	"github.com/runboxd/runbox/pkg/config"
	"github.com/runboxd/runbox/pkg/gateway"
	"github.com/runboxd/runbox/pkg/gateway/kubernetes"
	"github.com/runboxd/runbox/pkg/gateway/sandboxhttp"
	"github.com/runboxd/runbox/pkg/journal"
	"github.com/runboxd/runbox/pkg/journal/postgres"
	"github.com/runboxd/runbox/pkg/mcpserver"
	"github.com/runboxd/runbox/pkg/observability"
	"github.com/runboxd/runbox/pkg/session"
	"github.com/runboxd/runbox/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	gw, err := buildGateway(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	rec, err := buildJournal(ctx, cfg.Journal)
	if err != nil {
		return fmt.Errorf("creating journal: %w", err)
	}
	defer rec.Close()

	registry := session.NewRegistry(gw, session.RegistryConfig{
		DefaultTimeout:  cfg.Session.DefaultTimeout,
		SweepInterval:   cfg.Session.SweepInterval,
		TeardownTimeout: cfg.Session.TeardownTimeout,
		Journal:         rec,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		registry.Shutdown(shutdownCtx)
	}()

	mgr := session.NewManager(registry, gw)

	opts := []transport.ServerOption{
		transport.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transport.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transport.WithMiddleware(
			transport.Middleware(observability.Middleware),
			transport.Middleware(auth.Middleware(buildAuthChain(cfg.Auth), buildRateLimiter(cfg.Auth.RateLimit), auth.DefaultBypassEndpoints)),
		),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transport.WithRoute(cfg.Observability.Metrics.Path, promhttp.Handler()))
	}
	if cfg.MCP.Enabled {
		opts = append(opts, transport.WithRoute(cfg.MCP.Path, mcpserver.New(mgr).Handler()))
		slog.Info("mcp server enabled", "path", cfg.MCP.Path)
	}

	slog.Info("runbox starting",
		"port", cfg.Server.Port,
		"gateway_mode", cfg.Gateway.Mode,
		"journal", cfg.Journal.Type,
		"session_timeout", cfg.Session.DefaultTimeout,
	)
	return transport.NewServer(transport.NewHandler(mgr), opts...).ListenAndServe()
}

func buildGateway(cfg config.GatewayConfig) (gateway.Gateway, error) {
	var provisioner sandboxhttp.Provisioner
	switch cfg.Mode {
	case "static":
		provisioner = &sandboxhttp.StaticProvisioner{URL: cfg.Static.URL}
	case "kubernetes":
		scheme, err := kubernetes.NewScheme()
		if err != nil {
			return nil, err
		}
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
		cl, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		provisioner = kubernetes.NewClaimProvisioner(cl, kubernetes.Config{
			Namespace:       cfg.Kubernetes.Namespace,
			DefaultTemplate: cfg.Kubernetes.DefaultTemplate,
			Templates:       cfg.Kubernetes.Templates,
			ReadyTimeout:    cfg.Kubernetes.ReadyTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
	}

	return sandboxhttp.New(sandboxhttp.Config{
		Provisioner: provisioner,
		HTTPTimeout: cfg.HTTPTimeout,
	})
}

func buildJournal(ctx context.Context, cfg config.JournalConfig) (journal.Recorder, error) {
	switch cfg.Type {
	case "", "none":
		return journal.Nop{}, nil
	case "postgres":
		rec, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("journal enabled", "type", "postgres")
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

func buildRateLimiter(cfg config.RateLimitConfig) auth.RateLimiter {
	if cfg.RequestsPerMinute <= 0 && len(cfg.PerSubject) == 0 {
		return nil
	}
	return auth.NewInProcessLimiter(cfg.PerSubject, cfg.RequestsPerMinute)
}

func buildAuthChain(cfg config.AuthConfig) *auth.AuthChain {
	if cfg.Type != "apikey" {
		return &auth.AuthChain{DefaultDecision: auth.Yes}
	}

	entries := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		entries = append(entries, apikey.RawKeyEntry{
			Key:      k.Key,
			Identity: auth.Identity{Subject: k.Subject},
		})
	}
	return &auth.AuthChain{
		Authenticators:  []auth.Authenticator{apikey.New(entries)},
		DefaultDecision: auth.No,
	}
}
