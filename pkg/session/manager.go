package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/debug"
	"github.com/runboxd/runbox/pkg/gateway"
	"github.com/runboxd/runbox/pkg/journal"
	"github.com/runboxd/runbox/pkg/observability"
)

// Manager is the public entry point of the session manager. It composes
// the registry and the per-session ledgers around gateway calls,
// implementing create/reuse/extend/close semantics and cache-aware run
// orchestration.
type Manager struct {
	registry *Registry
	gw       gateway.Gateway
	journal  journal.Recorder
}

// NewManager creates a manager on top of a registry. The registry's
// journal (if any) also receives run records.
func NewManager(registry *Registry, gw gateway.Gateway) *Manager {
	return &Manager{
		registry: registry,
		gw:       gw,
		journal:  registry.journal,
	}
}

// Run executes one code request against a session, creating the session
// when the request carries no identifier. Packages and files already
// recorded in the session's ledger are stripped from the outgoing
// gateway calls; a stage skipped entirely reports a duration of exactly
// zero.
//
// Failures of the executed program are captured in the result, not
// returned as errors: Run returns an error only for manager-level
// faults (unknown session, language mismatch, provisioning failures,
// transport failures).
func (m *Manager) Run(ctx context.Context, req *api.RunRequest) (*api.RunResult, error) {
	if req.Code == "" {
		return nil, api.NewInvalidRequestError("code", "code is required")
	}
	if req.SessionID == "" && req.Language == "" {
		return nil, api.NewInvalidRequestError("language", "language is required when no session_id is given")
	}

	startedAt := time.Now()

	// Resolve or create the target session.
	var (
		s       *Session
		created bool
		err     error
	)
	if req.SessionID != "" {
		s, err = m.registry.Get(req.SessionID)
		if err != nil {
			return nil, err
		}
		if req.Language != "" && req.Language != s.Language() {
			return nil, api.NewLanguageMismatchError(s.Language(), req.Language)
		}
	} else {
		s, err = m.registry.Create(ctx, req.Language)
		if err != nil {
			return nil, err
		}
		created = true
	}

	// Caller-supplied timeout override bounds the whole run.
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// A keep-alive run that could outlast the session's expiry extends
	// it preemptively; a non-keep-alive run is allowed to complete and
	// the session is closed afterwards regardless.
	if req.KeepAlive {
		s.touch()
	}

	// Diff the requested resources against the ledger under the session
	// lock, then release it for the gateway round trips.
	var (
		toInstall, skippedPackages []string
		toUpload                   map[string][]byte
		skippedFiles               []string
	)
	ok := s.withLedger(func(l *Ledger) {
		toInstall, skippedPackages = l.DiffPackages(req.Packages)
		toUpload, skippedFiles = l.DiffFiles(req.Files)
	})
	if !ok {
		return nil, api.NewSessionNotFoundError(s.ID())
	}

	observability.CacheHitsTotal.WithLabelValues("package").Add(float64(len(skippedPackages)))
	observability.CacheHitsTotal.WithLabelValues("file").Add(float64(len(skippedFiles)))
	debug.Log("session", "run resolved",
		"session_id", s.ID(),
		"to_install", len(toInstall), "skipped_packages", len(skippedPackages),
		"to_upload", len(toUpload), "skipped_files", len(skippedFiles),
	)

	var timings api.StageTimings

	// Upload stage. Duration stays exactly zero when everything was cached.
	if len(toUpload) > 0 {
		dur, err := m.gw.UploadFiles(ctx, s.ID(), toUpload)
		if err != nil {
			observability.GatewayRequestsTotal.WithLabelValues("upload_files", "error").Inc()
			return nil, api.NewResourceProvisioningError("uploading", err.Error())
		}
		observability.GatewayRequestsTotal.WithLabelValues("upload_files", "ok").Inc()
		timings.Uploading = dur

		// Record only after gateway confirmation.
		s.withLedger(func(l *Ledger) { l.RecordUploaded(names(toUpload)) })
	}
	observability.RunStageDuration.WithLabelValues("uploading").Observe(timings.Uploading.Seconds())

	// Install stage. A failure here aborts the run, but the upload stage
	// above stays recorded: those files did materialize.
	if len(toInstall) > 0 {
		dur, err := m.gw.InstallPackages(ctx, s.ID(), toInstall)
		if err != nil {
			observability.GatewayRequestsTotal.WithLabelValues("install_packages", "error").Inc()
			return nil, api.NewResourceProvisioningError("installing", err.Error())
		}
		observability.GatewayRequestsTotal.WithLabelValues("install_packages", "ok").Inc()
		timings.Installing = dur

		s.withLedger(func(l *Ledger) { l.RecordInstalled(toInstall) })
	}
	observability.RunStageDuration.WithLabelValues("installing").Observe(timings.Installing.Seconds())

	// Execute stage, streaming chunks through the pump when the request
	// carries callbacks.
	var handlers *gateway.StreamHandlers
	pump := newStreamPump(req)
	if pump != nil {
		handlers = pump.gatewayHandlers()
	}

	execStart := time.Now()
	resp, execErr := m.gw.Execute(ctx, s.ID(), req.Code, s.Language(), handlers)
	if pump != nil {
		pump.drain()
	}
	if execErr != nil {
		observability.GatewayRequestsTotal.WithLabelValues("execute", "error").Inc()
		observability.RunsTotal.WithLabelValues(s.Language(), "transport_error").Inc()
		return nil, api.NewServerError("execution transport failure: " + execErr.Error())
	}
	observability.GatewayRequestsTotal.WithLabelValues("execute", "ok").Inc()

	timings.Executing = resp.Duration
	if timings.Executing == 0 {
		timings.Executing = time.Since(execStart)
	}
	observability.RunStageDuration.WithLabelValues("executing").Observe(timings.Executing.Seconds())

	result := &api.RunResult{
		Success:   resp.Error == nil,
		Stdout:    resp.Stdout,
		Stderr:    resp.Stderr,
		Result:    resp.Result,
		Error:     resp.Error,
		SessionID: s.ID(),
		Timings:   timings,
	}

	// Session lifetime: a keep-alive run resets the expiry (the run is a
	// liveness signal); otherwise the session is torn down now that the
	// result is captured. The returned session ID stays valid for
	// inspection of the result, but the environment is gone.
	if req.KeepAlive {
		s.touch()
	} else {
		if err := m.registry.close(context.Background(), s.ID(), "run_teardown"); err != nil {
			slog.Warn("post-run session close failed", "session_id", s.ID(), "error", err.Error())
		}
	}

	status := "ok"
	if !result.Success {
		status = "program_error"
	}
	observability.RunsTotal.WithLabelValues(s.Language(), status).Inc()

	if err := m.journal.RunCompleted(context.Background(), journal.RunRecord{
		SessionID:       s.ID(),
		Language:        s.Language(),
		Success:         result.Success,
		SkippedPackages: len(skippedPackages),
		SkippedFiles:    len(skippedFiles),
		Timings:         timings,
		StartedAt:       startedAt,
	}); err != nil {
		slog.Warn("journal write failed", "event", "run", "session_id", s.ID(), "error", err.Error())
	}

	debug.Log("session", "run complete",
		"session_id", s.ID(), "created", created, "success", result.Success,
		"uploading_ms", timings.Uploading.Milliseconds(),
		"installing_ms", timings.Installing.Milliseconds(),
		"executing_ms", timings.Executing.Milliseconds(),
	)
	return result, nil
}

// DefaultTimeout reports the registry's default session lifetime.
func (m *Manager) DefaultTimeout() time.Duration {
	return m.registry.DefaultTimeout()
}

// KeepAlive resets the session's expiry to now + newTimeout.
func (m *Manager) KeepAlive(sessionID string, newTimeout time.Duration) (*api.KeepAliveResult, error) {
	expiresAt, err := m.registry.Extend(sessionID, newTimeout)
	if err != nil {
		return nil, err
	}
	return &api.KeepAliveResult{
		SessionID:  sessionID,
		NewTimeout: newTimeout,
		ExpiresAt:  expiresAt,
	}, nil
}

// CloseSession tears down a session. Idempotent.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	return m.registry.Close(ctx, sessionID)
}

// ListSessions returns a snapshot of all live sessions.
func (m *Manager) ListSessions() []api.SessionMeta {
	return m.registry.List()
}

// GetSession returns the inspection view of a session, including its
// cached packages and files.
func (m *Manager) GetSession(sessionID string) (*api.SessionDetail, error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	detail := s.Detail()
	return &detail, nil
}

// names returns the key set of a file mapping.
func names(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	for name := range files {
		out = append(out, name)
	}
	return out
}
