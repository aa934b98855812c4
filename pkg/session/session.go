// Package session implements the session manager core: the registry
// owning session lifetimes, the per-session resource cache ledger, and
// the run orchestration that composes them around gateway calls.
package session

import (
	"sync"
	"time"

	"github.com/runboxd/runbox/pkg/api"
)

// Session is one logical, reusable execution environment. The session
// identifier equals the identifier of the underlying remote sandbox.
//
// The embedded mutex serializes mutations of the ledger, status, and
// expiry. It is scoped per session; registry map access uses its own
// lock, and neither lock is held across gateway round trips.
type Session struct {
	id        string
	language  string
	createdAt time.Time

	// timeout is the configured session timeout applied on creation and
	// on keep-alive resets triggered by runs.
	timeout time.Duration

	mu        sync.Mutex
	status    api.SessionStatus
	expiresAt time.Time
	ledger    *Ledger
}

// newSession builds a running session with a fresh ledger and a default
// expiry of now + timeout.
func newSession(id, language string, timeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		language:  language,
		createdAt: now,
		timeout:   timeout,
		status:    api.StatusRunning,
		expiresAt: now.Add(timeout),
		ledger:    NewLedger(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Language returns the language bound at creation.
func (s *Session) Language() string { return s.language }

// Meta returns a point-in-time metadata snapshot.
func (s *Session) Meta() api.SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.SessionMeta{
		SessionID: s.id,
		Language:  s.language,
		Status:    s.status,
		CreatedAt: s.createdAt,
		ExpiresAt: s.expiresAt,
	}
}

// Detail returns the inspection view, including ledger contents.
func (s *Session) Detail() api.SessionDetail {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail := api.SessionDetail{
		SessionMeta: api.SessionMeta{
			SessionID: s.id,
			Language:  s.language,
			Status:    s.status,
			CreatedAt: s.createdAt,
			ExpiresAt: s.expiresAt,
		},
		SandboxRef: s.id,
	}
	if s.ledger != nil {
		detail.InstalledPackages = s.ledger.InstalledPackages()
		detail.UploadedFiles = s.ledger.UploadedFiles()
	}
	return detail
}

// Status returns the current lifecycle state.
func (s *Session) Status() api.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExpiresAt returns the current expiry.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// extend resets the expiry to now + d. Returns false when the session is
// no longer running.
func (s *Session) extend(d time.Duration) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != api.StatusRunning {
		return time.Time{}, false
	}
	s.expiresAt = time.Now().Add(d)
	return s.expiresAt, true
}

// touch resets the expiry to now + the configured session timeout.
// A run against a session is itself a liveness signal.
func (s *Session) touch() {
	s.extend(s.timeout)
}

// expired reports whether the expiry has passed, without claiming the
// session for teardown.
func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == api.StatusRunning && now.After(s.expiresAt)
}

// claimClose transitions running -> closed and discards the ledger.
// Returns true when this caller won the transition and must perform the
// teardown call. A session already expiring (claimed by the sweep) or
// closed yields false: exactly one of {sweep, explicit close} tears down.
func (s *Session) claimClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != api.StatusRunning {
		return false
	}
	s.status = api.StatusClosed
	s.ledger = nil
	return true
}

// claimExpiring transitions running -> expiring, claiming the session
// for sweep-driven teardown. A session already expiring stays claimed
// (teardown retry). Returns false when the session is closed.
func (s *Session) claimExpiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case api.StatusRunning:
		s.status = api.StatusExpiring
		return true
	case api.StatusExpiring:
		// Previous sweep teardown failed; retry.
		return true
	default:
		return false
	}
}

// markClosed finalizes a sweep-claimed teardown.
func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = api.StatusClosed
	s.ledger = nil
}

// withLedger runs fn with the session lock held, handing it the ledger.
// Returns false when the session is closed and the ledger discarded.
func (s *Session) withLedger(fn func(l *Ledger)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != api.StatusRunning || s.ledger == nil {
		return false
	}
	fn(s.ledger)
	return true
}
