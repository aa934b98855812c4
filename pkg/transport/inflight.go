package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks cancel functions for runs currently executing
// against a named session, so a DELETE on the session can interrupt a
// stream that is still producing output.
type InFlightRegistry struct {
	mu   sync.Mutex
	next uint64
	runs map[string]map[uint64]context.CancelFunc
}

// NewInFlightRegistry creates an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{runs: make(map[string]map[uint64]context.CancelFunc)}
}

// Register records a cancel function for a run on sessionID. The
// returned remove function must be called when the run finishes; it is
// idempotent and never cancels the run itself.
func (r *InFlightRegistry) Register(sessionID string, cancel context.CancelFunc) (remove func()) {
	r.mu.Lock()
	r.next++
	token := r.next
	if r.runs[sessionID] == nil {
		r.runs[sessionID] = make(map[uint64]context.CancelFunc)
	}
	r.runs[sessionID][token] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cancels, ok := r.runs[sessionID]; ok {
			delete(cancels, token)
			if len(cancels) == 0 {
				delete(r.runs, sessionID)
			}
		}
	}
}

// Cancel cancels every in-flight run on sessionID and returns how many
// were cancelled.
func (r *InFlightRegistry) Cancel(sessionID string) int {
	r.mu.Lock()
	cancels := r.runs[sessionID]
	delete(r.runs, sessionID)
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}
