package api

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// StatusRunning means the session accepts runs and its ledger may grow.
	StatusRunning SessionStatus = "running"

	// StatusExpiring means the expiry sweep has claimed the session for
	// teardown. No new runs are admitted.
	StatusExpiring SessionStatus = "expiring"

	// StatusClosed means the session is gone and its ledger discarded.
	StatusClosed SessionStatus = "closed"
)

// SessionMeta is the listing view of a session.
type SessionMeta struct {
	SessionID string        `json:"session_id"`
	Language  string        `json:"language"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// SessionDetail is the inspection view of a session, including the
// cached resources recorded in its ledger.
type SessionDetail struct {
	SessionMeta
	InstalledPackages []string `json:"installed_packages"`
	UploadedFiles     []string `json:"uploaded_files"`

	// SandboxRef identifies the underlying remote environment. It equals
	// the session ID for the session's whole lifetime.
	SandboxRef string `json:"sandbox_ref"`
}

// KeepAliveResult is the outcome of an explicit expiry extension.
type KeepAliveResult struct {
	SessionID  string        `json:"session_id"`
	NewTimeout time.Duration `json:"new_timeout"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// RunRequest describes one code execution. SessionID is optional: when
// empty, a new session is created and Language is required. When set,
// Language (if non-empty) must match the session's bound language.
type RunRequest struct {
	Code      string            `json:"code"`
	SessionID string            `json:"session_id,omitempty"`
	Language  string            `json:"language,omitempty"`
	Packages  []string          `json:"packages,omitempty"`
	Files     map[string][]byte `json:"files,omitempty"`

	// KeepAlive determines whether the session survives this run. When
	// false, the session is torn down right after the result is captured.
	KeepAlive bool `json:"keep_alive"`

	// Timeout optionally overrides the session's effective deadline for
	// this run. Zero means no override.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Streaming callbacks, invoked in arrival order, at most once per
	// message. All optional. Callbacks must not assume they run on the
	// caller's goroutine.
	OnStdout func(chunk string) `json:"-"`
	OnStderr func(chunk string) `json:"-"`
	OnResult func(chunk string) `json:"-"`
	OnError  func(chunk string) `json:"-"`
}

// RunResult is the outcome of one code execution.
type RunResult struct {
	// Success is false only when the executed program itself failed.
	// Manager-level failures surface as errors from Run, not here.
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`

	// Result carries the structured value of the code's final expression,
	// when the runtime produced one.
	Result string `json:"result,omitempty"`

	// Error describes a failure reported by the executed program.
	Error *ExecError `json:"error,omitempty"`

	// SessionID names the session the run executed in, valid for reuse
	// when the run was issued with KeepAlive.
	SessionID string `json:"session_id"`

	Timings StageTimings `json:"timings"`
}

// StageTimings is the per-stage duration breakdown for a run. A stage
// skipped entirely (all requested resources already cached) reports
// exactly zero.
type StageTimings struct {
	Uploading  time.Duration `json:"uploading"`
	Installing time.Duration `json:"installing"`
	Executing  time.Duration `json:"executing"`
}

// ExecError is a failure reported by the executed program. It is carried
// inside RunResult and never raised as a manager-level error.
type ExecError struct {
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}
