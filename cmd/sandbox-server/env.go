package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runboxd/runbox/pkg/api"
)

// environment is one isolated workspace. Executions against the same
// environment serialize on its mutex; the cells slice holds previously
// succeeded code for cumulative replay.
type environment struct {
	mu       sync.Mutex
	id       string
	language string
	workDir  string

	cells      []string
	prevStdout int
	prevStderr int
}

type sandboxServer struct {
	mode           string
	runtimeVersion string
	maxConcurrent  int32
	currentLoad    atomic.Int32
	pythonIndex    string
	startTime      time.Time

	mu   sync.Mutex
	envs map[string]*environment
}

func newSandboxServer(mode string, maxConcurrent int32, pythonIndex string) *sandboxServer {
	return &sandboxServer{
		mode:           mode,
		runtimeVersion: detectRuntimeVersion(mode),
		maxConcurrent:  maxConcurrent,
		pythonIndex:    pythonIndex,
		startTime:      time.Now(),
		envs:           make(map[string]*environment),
	}
}

// cleanup removes every environment's working directory.
func (s *sandboxServer) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envs {
		os.RemoveAll(env.workDir)
	}
	s.envs = make(map[string]*environment)
}

func (s *sandboxServer) lookup(id string) (*environment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[id]
	return env, ok
}

// --- Environment lifecycle ---

type createEnvironmentRequest struct {
	Language string `json:"language"`
}

type createEnvironmentResponse struct {
	EnvironmentID string `json:"environment_id"`
}

func (s *sandboxServer) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	workDir, err := os.MkdirTemp("", "runbox-env-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workspace: "+err.Error())
		return
	}

	env := &environment{
		id:       api.NewSessionID(),
		language: req.Language,
		workDir:  workDir,
	}

	s.mu.Lock()
	s.envs[env.id] = env
	s.mu.Unlock()

	slog.Info("environment created", "env_id", env.id, "language", req.Language, "workdir", workDir)
	writeJSON(w, http.StatusOK, createEnvironmentResponse{EnvironmentID: env.id})
}

func (s *sandboxServer) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	env, ok := s.envs[id]
	delete(s.envs, id)
	s.mu.Unlock()

	// Deleting an unknown environment succeeds: the caller's goal state
	// already holds.
	if ok {
		env.mu.Lock()
		os.RemoveAll(env.workDir)
		env.mu.Unlock()
		slog.Info("environment destroyed", "env_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Files ---

type uploadFilesRequest struct {
	Files map[string]string `json:"files"`
}

type stageResponse struct {
	DurationMs int64 `json:"duration_ms"`
}

func (s *sandboxServer) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	env, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown environment")
		return
	}

	var req uploadFilesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 100<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	env.mu.Lock()
	defer env.mu.Unlock()

	start := time.Now()
	for name, b64Content := range req.Files {
		content, err := base64.StdEncoding.DecodeString(b64Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode file %q: %v", name, err))
			return
		}
		// filepath.Base prevents path traversal out of the workspace.
		path := filepath.Join(env.workDir, filepath.Base(name))
		if err := os.WriteFile(path, content, 0644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write file %q: %v", name, err))
			return
		}
	}
	duration := time.Since(start)

	slog.Info("files uploaded", "env_id", env.id, "count", len(req.Files), "duration_ms", duration.Milliseconds())
	writeJSON(w, http.StatusOK, stageResponse{DurationMs: duration.Milliseconds()})
}

// --- Packages ---

type installPackagesRequest struct {
	Packages []string `json:"packages"`
}

func (s *sandboxServer) handleInstallPackages(w http.ResponseWriter, r *http.Request) {
	env, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown environment")
		return
	}

	var req installPackagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if len(req.Packages) == 0 {
		writeJSON(w, http.StatusOK, stageResponse{DurationMs: 0})
		return
	}

	env.mu.Lock()
	defer env.mu.Unlock()

	start := time.Now()
	if err := s.installPackages(r.Context(), env, req.Packages); err != nil {
		writeError(w, http.StatusInternalServerError, "package installation failed: "+err.Error())
		return
	}
	duration := time.Since(start)

	slog.Info("packages installed", "env_id", env.id, "packages", req.Packages, "duration_ms", duration.Milliseconds())
	writeJSON(w, http.StatusOK, stageResponse{DurationMs: duration.Milliseconds()})
}

// installPackages installs into the environment's workspace so later
// executions in the same environment see them. Shell mode has no
// package manager and skips silently.
func (s *sandboxServer) installPackages(ctx context.Context, env *environment, packages []string) error {
	installCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var cmd *exec.Cmd
	switch s.mode {
	case "python":
		target := filepath.Join(env.workDir, ".pylibs")
		args := []string{"pip", "install", "--target", target, "--index-url", s.pythonIndex}
		args = append(args, packages...)
		cmd = exec.CommandContext(installCtx, "uv", args...)
	case "node":
		args := append([]string{"install"}, packages...)
		cmd = exec.CommandContext(installCtx, "npm", args...)
	default:
		return nil
	}
	cmd.Dir = env.workDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// --- Health ---

type healthResponse struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	RuntimeVersion string `json:"runtime_version"`
	Capacity       int    `json:"capacity"`
	CurrentLoad    int    `json:"current_load"`
	Environments   int    `json:"environments"`
	UptimeSecs     int64  `json:"uptime_seconds"`
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	envCount := len(s.envs)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		Mode:           s.mode,
		RuntimeVersion: s.runtimeVersion,
		Capacity:       int(s.maxConcurrent),
		CurrentLoad:    int(s.currentLoad.Load()),
		Environments:   envCount,
		UptimeSecs:     int64(time.Since(s.startTime).Seconds()),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
