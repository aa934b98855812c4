package journal

import (
	"context"
	"sync"
	"time"

	"github.com/runboxd/runbox/pkg/api"
)

// Event is one journaled lifecycle event, as stored by the in-memory
// recorder.
type Event struct {
	Kind      string // "created", "extended", "closed", "run"
	SessionID string
	Reason    string
	ExpiresAt time.Time
	Run       *RunRecord
	At        time.Time
}

// Memory is an in-memory Recorder for tests and lightweight deployments.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

var _ Recorder = (*Memory)(nil)

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SessionCreated(_ context.Context, meta api.SessionMeta) error {
	m.append(Event{Kind: "created", SessionID: meta.SessionID, ExpiresAt: meta.ExpiresAt})
	return nil
}

func (m *Memory) SessionExtended(_ context.Context, sessionID string, expiresAt time.Time) error {
	m.append(Event{Kind: "extended", SessionID: sessionID, ExpiresAt: expiresAt})
	return nil
}

func (m *Memory) SessionClosed(_ context.Context, sessionID, reason string) error {
	m.append(Event{Kind: "closed", SessionID: sessionID, Reason: reason})
	return nil
}

func (m *Memory) RunCompleted(_ context.Context, rec RunRecord) error {
	m.append(Event{Kind: "run", SessionID: rec.SessionID, Run: &rec})
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a snapshot of all recorded events in order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) append(ev Event) {
	ev.At = time.Now()
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}
