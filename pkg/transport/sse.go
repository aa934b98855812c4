package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/runboxd/runbox/pkg/api"
)

// sseChunk is the payload of an incremental stream event.
type sseChunk struct {
	Chunk string `json:"chunk"`
}

// sseWriter serializes run output as Server-Sent Events. Chunk events
// carry stdout/stderr/result/error fragments as they arrive; a terminal
// completed event carries the full RunResult, followed by a [DONE]
// sentinel. It is safe for concurrent use: run callbacks fire from the
// stream pump goroutine while the handler itself writes the terminal
// event.
type sseWriter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteChunk emits one incremental event. Write errors mark the stream
// closed; further writes become no-ops since the client is gone.
func (s *sseWriter) WriteChunk(event, chunk string) {
	s.writeEvent(event, sseChunk{Chunk: chunk})
}

// WriteCompleted emits the terminal event and the [DONE] sentinel.
func (s *sseWriter) WriteCompleted(result *api.RunResult) {
	s.writeEvent("completed", result)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		s.closed = true
		return
	}
	s.flushLocked()
}

func (s *sseWriter) writeEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal sse event", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		s.closed = true
		return
	}
	s.flushLocked()
}

func (s *sseWriter) flushLocked() {
	if err := s.rc.Flush(); err != nil {
		s.closed = true
	}
}
