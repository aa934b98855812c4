package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/runboxd/runbox/pkg/api"
)

// HTTPStatusFromError maps an error to the HTTP status code it should
// be served with. Unrecognized errors map to 500.
func HTTPStatusFromError(err error) int {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}

	switch apiErr.Type {
	case api.ErrorTypeInvalidRequest, api.ErrorTypeInvalidTimeout:
		return http.StatusBadRequest
	case api.ErrorTypeSessionNotFound:
		return http.StatusNotFound
	case api.ErrorTypeLanguageMismatch:
		return http.StatusConflict
	case api.ErrorTypeProvisioning, api.ErrorTypeResourceProvisioning:
		return http.StatusBadGateway
	case api.ErrorTypeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes err as a JSON error body with the mapped
// status code. Errors that are not APIErrors are wrapped as opaque
// server errors so internal details do not leak to clients.
func WriteErrorResponse(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError("internal server error")
	}
	WriteAPIError(w, apiErr, HTTPStatusFromError(apiErr))
}

// WriteAPIError writes an APIError as a JSON response with the given
// status code.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
