// Command sandbox-server runs the execution server inside sandbox pods.
// It hosts isolated environments, materializes files and packages into
// them, and executes code with cross-run interpreter state emulated by
// cumulative cell replay.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_MODE           - Runtime mode: python, node, shell (default: auto-detect)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_PYTHON_INDEX   - Python package index URL (default: https://pypi.org/simple/)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := envOr("SANDBOX_PORT", "8080")
	mode := envOr("SANDBOX_MODE", "")
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 3)
	pythonIndex := envOr("SANDBOX_PYTHON_INDEX", "https://pypi.org/simple/")

	if mode == "" {
		detected := detectMode()
		if detected == "" {
			slog.Error("no supported runtime found in PATH (tried: python3, node, bash)")
			os.Exit(1)
		}
		mode = detected
	} else if err := validateMode(mode); err != nil {
		slog.Error("invalid mode", "mode", mode, "error", err.Error())
		os.Exit(1)
	}

	srv := newSandboxServer(mode, int32(maxConcurrent), pythonIndex)
	defer srv.cleanup()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /environments", srv.handleCreateEnvironment)
	mux.HandleFunc("DELETE /environments/{id}", srv.handleDeleteEnvironment)
	mux.HandleFunc("POST /environments/{id}/files", srv.handleUploadFiles)
	mux.HandleFunc("POST /environments/{id}/packages", srv.handleInstallPackages)
	mux.HandleFunc("POST /environments/{id}/execute", srv.handleExecute)
	mux.HandleFunc("GET /health", srv.handleHealth)

	httpSrv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: streamed executions hold the response open
		// for as long as the per-run execution deadline allows.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox server starting",
			"port", port,
			"mode", mode,
			"runtime", srv.runtimeVersion,
			"max_concurrent", maxConcurrent,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

// detectMode checks for runtimes in PATH in priority order.
func detectMode() string {
	checks := []struct {
		mode string
		cmd  string
	}{
		{"python", "python3"},
		{"node", "node"},
		{"shell", "bash"},
	}
	for _, c := range checks {
		if _, err := exec.LookPath(c.cmd); err == nil {
			return c.mode
		}
	}
	return ""
}

// validateMode checks that the configured mode is valid and the runtime
// is available.
func validateMode(mode string) error {
	cmd, ok := interpreterFor(mode)
	if !ok {
		return fmt.Errorf("unsupported mode %q (supported: python, node, shell)", mode)
	}
	if _, err := exec.LookPath(cmd); err != nil {
		return fmt.Errorf("mode=%s but %q not found in PATH", mode, cmd)
	}
	return nil
}

func interpreterFor(mode string) (string, bool) {
	switch mode {
	case "python":
		return "python3", true
	case "node":
		return "node", true
	case "shell":
		return "bash", true
	default:
		return "", false
	}
}

// detectRuntimeVersion returns the version string for the active runtime.
func detectRuntimeVersion(mode string) string {
	var cmd *exec.Cmd
	switch mode {
	case "python":
		cmd = exec.Command("python3", "--version")
	case "node":
		cmd = exec.Command("node", "--version")
	case "shell":
		cmd = exec.Command("bash", "--version")
	default:
		return "unknown"
	}

	output, err := cmd.Output()
	if err != nil {
		return "unknown"
	}

	version := strings.TrimSpace(string(output))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	return version
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
