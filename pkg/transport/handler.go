package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/debug"
	"github.com/runboxd/runbox/pkg/session"
)

const maxRequestBody = 100 << 20 // generous, runs carry inline file content

// runRequest is the wire form of a run. It extends api.RunRequest with
// transport-level fields: Stream selects SSE delivery, TimeoutMs sets
// the per-run deadline in milliseconds.
type runRequest struct {
	api.RunRequest
	Stream    bool  `json:"stream,omitempty"`
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// keepAliveRequest is the wire form of an expiry extension.
type keepAliveRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

type keepAliveResponse struct {
	SessionID string    `json:"session_id"`
	TimeoutMs int64     `json:"timeout_ms"`
	ExpiresAt time.Time `json:"expires_at"`
}

type deleteResponse struct {
	SessionID string `json:"session_id"`
	Deleted   bool   `json:"deleted"`
}

type listResponse struct {
	Object string            `json:"object"`
	Data   []api.SessionMeta `json:"data"`
}

// Handler serves the session manager API.
type Handler struct {
	mgr      *session.Manager
	inflight *InFlightRegistry
	mux      *http.ServeMux
}

// NewHandler builds the route table around a manager.
func NewHandler(mgr *session.Manager) *Handler {
	h := &Handler{
		mgr:      mgr,
		inflight: NewInFlightRegistry(),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/runs", h.handleRun)
	h.mux.HandleFunc("GET /v1/sessions", h.handleListSessions)
	h.mux.HandleFunc("GET /v1/sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleDeleteSession)
	h.mux.HandleFunc("POST /v1/sessions/{id}/keepalive", h.handleKeepAlive)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TimeoutMs < 0 {
		WriteErrorResponse(w, api.NewInvalidTimeoutError("timeout_ms must not be negative"))
		return
	}
	if req.TimeoutMs > 0 {
		req.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A DELETE on the session cancels runs registered here. Fresh
	// sessions are not registered: their ID does not exist until the
	// run returns.
	if req.SessionID != "" {
		remove := h.inflight.Register(req.SessionID, cancel)
		defer remove()
	}

	debug.Log("transport", "run request", "session_id", req.SessionID, "language", req.Language, "stream", req.Stream)

	if req.Stream {
		h.runStreaming(ctx, w, &req)
		return
	}

	result, err := h.mgr.Run(ctx, &req.RunRequest)
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) runStreaming(ctx context.Context, w http.ResponseWriter, req *runRequest) {
	sse := newSSEWriter(w)

	req.OnStdout = func(chunk string) { sse.WriteChunk("stdout", chunk) }
	req.OnStderr = func(chunk string) { sse.WriteChunk("stderr", chunk) }
	req.OnResult = func(chunk string) { sse.WriteChunk("result", chunk) }
	req.OnError = func(chunk string) { sse.WriteChunk("error", chunk) }

	result, err := h.mgr.Run(ctx, &req.RunRequest)
	if err != nil {
		// Headers are already sent, so the failure travels in-band.
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewServerError("internal server error")
		}
		data, merr := json.Marshal(api.ErrorResponse{Error: apiErr})
		if merr != nil {
			slog.Error("failed to marshal stream error", "error", merr)
			return
		}
		sse.WriteChunk("failed", string(data))
		return
	}
	sse.WriteCompleted(result)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.mgr.ListSessions()
	if sessions == nil {
		sessions = []api.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, listResponse{Object: "list", Data: sessions})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if n := h.inflight.Cancel(id); n > 0 {
		debug.Log("transport", "cancelled in-flight runs", "session_id", id, "count", n)
	}

	if err := h.mgr.CloseSession(r.Context(), id); err != nil {
		WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{SessionID: id, Deleted: true})
}

func (h *Handler) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req keepAliveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.mgr.KeepAlive(r.PathValue("id"), time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keepAliveResponse{
		SessionID: result.SessionID,
		TimeoutMs: result.NewTimeout.Milliseconds(),
		ExpiresAt: result.ExpiresAt,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			WriteErrorResponse(w, api.NewInvalidRequestError("content-type", "Content-Type must be application/json"))
			return false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteErrorResponse(w, api.NewInvalidRequestError("body", "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
