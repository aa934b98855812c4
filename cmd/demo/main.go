// Command demo walks through the session manager core flow in-process:
// session creation, resource caching, cross-run reuse, program failure
// reporting, and teardown. It runs against a built-in scripted sandbox,
// so no external services are needed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/gateway/sandboxhttp"
	"github.com/runboxd/runbox/pkg/session"
)

func main() {
	fmt.Println("=== runbox session manager demo ===")
	fmt.Println()

	sandbox := httptest.NewServer(scriptedSandbox())
	defer sandbox.Close()

	gw, err := sandboxhttp.New(sandboxhttp.Config{
		Provisioner: &sandboxhttp.StaticProvisioner{URL: sandbox.URL},
	})
	if err != nil {
		fmt.Printf("creating gateway FAILED: %v\n", err)
		os.Exit(1)
	}

	registry := session.NewRegistry(gw, session.RegistryConfig{
		DefaultTimeout: time.Minute,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	}()

	mgr := session.NewManager(registry, gw)
	ctx := context.Background()

	// 1. First run: creates a session, installs packages, uploads files.
	first, err := mgr.Run(ctx, &api.RunRequest{
		Code:      "x = 42",
		Language:  "python",
		Packages:  []string{"numpy"},
		Files:     map[string][]byte{"data.csv": []byte("a,b\n1,2\n")},
		KeepAlive: true,
	})
	if err != nil {
		fmt.Printf("first run FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[1] Session created: %s\n", first.SessionID)
	fmt.Printf("    installing took %v, uploading took %v\n",
		first.Timings.Installing, first.Timings.Uploading)

	// 2. Second run in the same session: resources are already cached,
	// so both stages report exactly zero.
	second, err := mgr.Run(ctx, &api.RunRequest{
		Code:      "print(x)",
		SessionID: first.SessionID,
		Packages:  []string{"numpy"},
		Files:     map[string][]byte{"data.csv": []byte("a,b\n1,2\n")},
		KeepAlive: true,
	})
	if err != nil {
		fmt.Printf("second run FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[2] State survived across runs: stdout = %q\n", second.Stdout)
	fmt.Printf("    cached stages: installing=%v uploading=%v\n",
		second.Timings.Installing, second.Timings.Uploading)

	// 3. Program failure: reported inside the result, not as an error.
	failed, err := mgr.Run(ctx, &api.RunRequest{
		Code:      "raise:demo exploded",
		SessionID: first.SessionID,
		KeepAlive: true,
	})
	if err != nil {
		fmt.Printf("failing run FAILED at the manager level: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[3] Program failure captured: %s: %s\n",
		failed.Error.Name, failed.Error.Message)

	// 4. Inspect the session's ledger.
	detail, err := mgr.GetSession(first.SessionID)
	if err != nil {
		fmt.Printf("get session FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[4] Session detail: packages=%v files=%v expires=%s\n",
		detail.InstalledPackages, detail.UploadedFiles,
		detail.ExpiresAt.Format(time.RFC3339))

	// 5. Close and verify it is gone.
	if err := mgr.CloseSession(ctx, first.SessionID); err != nil {
		fmt.Printf("close FAILED: %v\n", err)
		os.Exit(1)
	}
	if _, err := mgr.GetSession(first.SessionID); api.IsType(err, api.ErrorTypeSessionNotFound) {
		fmt.Println("[5] Session closed and unreachable")
	} else {
		fmt.Printf("[5] Unexpected lookup outcome after close: %v\n", err)
	}

	fmt.Println()
	fmt.Println("=== demo complete ===")
}

// scriptedSandbox is a minimal in-memory sandbox server. It understands
// "name = value" assignments, "print(name)" lookups, and "raise:msg"
// failures; anything else echoes.
func scriptedSandbox() http.Handler {
	type env struct {
		vars map[string]string
	}
	envs := make(map[string]*env)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /environments", func(w http.ResponseWriter, r *http.Request) {
		id := "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		envs[id] = &env{vars: make(map[string]string)}
		json.NewEncoder(w).Encode(map[string]string{"environment_id": id})
	})
	mux.HandleFunc("DELETE /environments/{id}", func(w http.ResponseWriter, r *http.Request) {
		delete(envs, r.PathValue("id"))
		json.NewEncoder(w).Encode(map[string]bool{"deleted": true})
	})
	mux.HandleFunc("POST /environments/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int64{"duration_ms": 12})
	})
	mux.HandleFunc("POST /environments/{id}/packages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int64{"duration_ms": 340})
	})
	mux.HandleFunc("POST /environments/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		e := envs[r.PathValue("id")]
		if e == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown environment"})
			return
		}
		var req struct {
			Code string `json:"code"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]any{"status": "success", "stdout": "", "stderr": "", "execution_time_ms": 7}
		switch {
		case strings.HasPrefix(req.Code, "raise:"):
			resp["status"] = "error"
			resp["error"] = map[string]string{
				"kind":    "exception",
				"name":    "DemoError",
				"message": strings.TrimPrefix(req.Code, "raise:"),
			}
		case strings.Contains(req.Code, " = "):
			parts := strings.SplitN(req.Code, " = ", 2)
			e.vars[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		case strings.HasPrefix(req.Code, "print(") && strings.HasSuffix(req.Code, ")"):
			name := strings.TrimSuffix(strings.TrimPrefix(req.Code, "print("), ")")
			resp["stdout"] = e.vars[name] + "\n"
		default:
			resp["stdout"] = req.Code + "\n"
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}
