// Package journal defines the session journal: an append-only audit
// trail of session lifecycle events and run summaries. The journal is
// not registry state. A process restart still loses session-reuse
// ability; the journal only records what happened.
package journal

import (
	"context"
	"time"

	"github.com/runboxd/runbox/pkg/api"
)

// RunRecord summarizes one completed run for the journal.
type RunRecord struct {
	SessionID       string
	Language        string
	Success         bool
	SkippedPackages int
	SkippedFiles    int
	Timings         api.StageTimings
	StartedAt       time.Time
}

// Recorder receives session lifecycle events and run summaries. All
// methods are best-effort from the manager's perspective: errors are
// logged by the caller but never abort the operation being journaled.
type Recorder interface {
	SessionCreated(ctx context.Context, meta api.SessionMeta) error
	SessionExtended(ctx context.Context, sessionID string, expiresAt time.Time) error
	SessionClosed(ctx context.Context, sessionID, reason string) error
	RunCompleted(ctx context.Context, rec RunRecord) error

	// Close releases any resources held by the recorder.
	Close() error
}

// Nop is a Recorder that discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) SessionCreated(context.Context, api.SessionMeta) error       { return nil }
func (Nop) SessionExtended(context.Context, string, time.Time) error    { return nil }
func (Nop) SessionClosed(context.Context, string, string) error         { return nil }
func (Nop) RunCompleted(context.Context, RunRecord) error               { return nil }
func (Nop) Close() error                                                { return nil }
