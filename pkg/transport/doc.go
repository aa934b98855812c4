// Package transport serves the session manager API over HTTP/SSE.
//
// The transport layer bridges external clients and the session manager.
// It deserializes incoming requests into the core types defined in
// pkg/api, dispatches them to the manager, and serializes results back
// to the client in either synchronous (JSON) or streaming (SSE) format.
//
// # Endpoints
//
//   - POST /v1/runs executes code, creating or reusing a session. With
//     "stream": true the response is an SSE stream of stdout/stderr/
//     result/error chunks followed by a terminal completed event.
//   - GET /v1/sessions lists live sessions.
//   - GET /v1/sessions/{id} returns one session including its cached
//     packages and files.
//   - DELETE /v1/sessions/{id} closes a session, cancelling any run
//     still streaming against it.
//   - POST /v1/sessions/{id}/keepalive resets a session's expiry.
//
// # Middleware
//
// The middleware chain wraps the mux with cross-cutting concerns: panic
// recovery, request ID assignment (X-Request-ID), and structured logging
// via log/slog. Request metrics are recorded by pkg/observability.
//
// HTTP serving uses net/http with Go 1.22+ ServeMux routing patterns.
// SSE flushing uses http.NewResponseController.
package transport
