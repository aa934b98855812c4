package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/debug"
	"github.com/runboxd/runbox/pkg/gateway"
	"github.com/runboxd/runbox/pkg/journal"
	"github.com/runboxd/runbox/pkg/observability"
)

// RegistryConfig holds registry tunables.
type RegistryConfig struct {
	// DefaultTimeout is the session lifetime applied at creation and on
	// keep-alive resets triggered by runs. Default: 5 minutes.
	DefaultTimeout time.Duration

	// SweepInterval is the cadence of the background expiry sweep.
	// Rounded up to one second by the scheduler. Zero disables the sweep
	// (expired sessions are then only reaped by explicit close).
	SweepInterval time.Duration

	// TeardownTimeout bounds each gateway teardown call made by the
	// sweep or an explicit close. Default: 30 seconds.
	TeardownTimeout time.Duration

	// Journal optionally receives lifecycle events. Best-effort.
	Journal journal.Recorder
}

func (c *RegistryConfig) defaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	if c.Journal == nil {
		c.Journal = journal.Nop{}
	}
}

// Registry is the authoritative mapping from session identifier to
// session records, and the sole owner of session lifetime decisions.
//
// The map lock covers only in-memory metadata mutation, never a gateway
// round trip.
type Registry struct {
	gw      gateway.Gateway
	cfg     RegistryConfig
	journal journal.Recorder

	mu       sync.RWMutex
	sessions map[string]*Session

	sweeper *cron.Cron
}

// NewRegistry creates a registry and starts its expiry sweep when a
// sweep interval is configured. Call Shutdown to stop the sweep and tear
// down remaining sessions.
func NewRegistry(gw gateway.Gateway, cfg RegistryConfig) *Registry {
	cfg.defaults()

	r := &Registry{
		gw:       gw,
		cfg:      cfg,
		journal:  cfg.Journal,
		sessions: make(map[string]*Session),
	}

	if cfg.SweepInterval > 0 {
		r.sweeper = cron.New()
		r.sweeper.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(r.sweep))
		r.sweeper.Start()
	}

	return r
}

// Create allocates a new session by requesting a remote environment from
// the gateway. The session identifier equals the environment identifier.
func (r *Registry) Create(ctx context.Context, language string) (*Session, error) {
	envID, err := r.gw.CreateEnvironment(ctx, language)
	if err != nil {
		observability.GatewayRequestsTotal.WithLabelValues("create_environment", "error").Inc()
		return nil, api.NewProvisioningError("failed to allocate environment: " + err.Error())
	}
	observability.GatewayRequestsTotal.WithLabelValues("create_environment", "ok").Inc()

	s := newSession(envID, language, r.cfg.DefaultTimeout)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	observability.SessionsActive.Inc()
	debug.Log("session", "session created", "session_id", s.ID(), "language", language, "expires_at", s.ExpiresAt())

	if err := r.journal.SessionCreated(ctx, s.Meta()); err != nil {
		slog.Warn("journal write failed", "event", "created", "session_id", s.ID(), "error", err.Error())
	}
	return s, nil
}

// Get returns the session for the given identifier. Unknown or closed
// sessions yield SessionNotFoundError.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok || s.Status() == api.StatusClosed {
		return nil, api.NewSessionNotFoundError(sessionID)
	}
	return s, nil
}

// DefaultTimeout reports the session lifetime applied when the caller
// does not choose one.
func (r *Registry) DefaultTimeout() time.Duration {
	return r.cfg.DefaultTimeout
}

// Extend idempotently resets the session's expiry to now + newTimeout.
func (r *Registry) Extend(sessionID string, newTimeout time.Duration) (time.Time, error) {
	if newTimeout <= 0 {
		return time.Time{}, api.NewInvalidTimeoutError("timeout must be positive")
	}

	s, err := r.Get(sessionID)
	if err != nil {
		return time.Time{}, err
	}

	expiresAt, ok := s.extend(newTimeout)
	if !ok {
		return time.Time{}, api.NewSessionNotFoundError(sessionID)
	}

	debug.Log("session", "session extended", "session_id", sessionID, "expires_at", expiresAt)
	if err := r.journal.SessionExtended(context.Background(), sessionID, expiresAt); err != nil {
		slog.Warn("journal write failed", "event", "extended", "session_id", sessionID, "error", err.Error())
	}
	return expiresAt, nil
}

// Close transitions the session to closed, discards its ledger, and
// tears down the remote environment. Idempotent: closing an unknown or
// already-closed session is a no-op success, tolerating duplicate
// cleanup from concurrent callers.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	return r.close(ctx, sessionID, "close")
}

func (r *Registry) close(ctx context.Context, sessionID, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok || !s.claimClose() {
		// Unknown, already closed, or claimed by the sweep.
		return nil
	}

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	observability.SessionsActive.Dec()
	observability.SessionsClosedTotal.WithLabelValues(reason).Inc()

	// Teardown happens outside any lock. Best-effort: the physical
	// environment may outlive the logical session until its own expiry.
	r.destroy(ctx, sessionID)

	debug.Log("session", "session closed", "session_id", sessionID, "reason", reason)
	if err := r.journal.SessionClosed(context.Background(), sessionID, reason); err != nil {
		slog.Warn("journal write failed", "event", "closed", "session_id", sessionID, "error", err.Error())
	}
	return nil
}

// List returns a snapshot of the metadata of all sessions currently
// running or expiring.
func (r *Registry) List() []api.SessionMeta {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]api.SessionMeta, 0, len(sessions))
	for _, s := range sessions {
		meta := s.Meta()
		if meta.Status == api.StatusRunning || meta.Status == api.StatusExpiring {
			out = append(out, meta)
		}
	}
	return out
}

// Shutdown stops the expiry sweep and closes all remaining sessions.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.sweeper != nil {
		<-r.sweeper.Stop().Done()
	}

	for _, meta := range r.List() {
		if err := r.close(ctx, meta.SessionID, "shutdown"); err != nil {
			slog.Warn("session close failed during shutdown", "session_id", meta.SessionID, "error", err.Error())
		}
	}
}

// sweep reaps sessions whose expiry has passed, and retries teardowns
// that failed on a previous sweep. Teardown failures are logged and the
// session stays claimed for the next interval; they are never fatal.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.RLock()
	var candidates []*Session
	for _, s := range r.sessions {
		if s.Status() == api.StatusExpiring || s.expired(now) {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		if !s.claimExpiring() {
			continue
		}
		debug.Log("sweep", "reaping expired session", "session_id", s.ID())

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
		err := r.gw.DestroyEnvironment(ctx, s.ID())
		cancel()
		if err != nil {
			observability.GatewayRequestsTotal.WithLabelValues("destroy_environment", "error").Inc()
			slog.Warn("sweep teardown failed, will retry", "session_id", s.ID(), "error", err.Error())
			continue
		}
		observability.GatewayRequestsTotal.WithLabelValues("destroy_environment", "ok").Inc()

		s.markClosed()
		r.mu.Lock()
		delete(r.sessions, s.ID())
		r.mu.Unlock()

		observability.SessionsActive.Dec()
		observability.SessionsClosedTotal.WithLabelValues("expiry").Inc()

		if err := r.journal.SessionClosed(context.Background(), s.ID(), "expiry"); err != nil {
			slog.Warn("journal write failed", "event", "closed", "session_id", s.ID(), "error", err.Error())
		}
	}
}

// destroy tears down a remote environment, logging failures.
func (r *Registry) destroy(ctx context.Context, envID string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TeardownTimeout)
	defer cancel()

	if err := r.gw.DestroyEnvironment(ctx, envID); err != nil {
		observability.GatewayRequestsTotal.WithLabelValues("destroy_environment", "error").Inc()
		slog.Warn("environment teardown failed", "env_id", envID, "error", err.Error())
		return
	}
	observability.GatewayRequestsTotal.WithLabelValues("destroy_environment", "ok").Inc()
}
