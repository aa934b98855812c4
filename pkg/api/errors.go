package api

import "fmt"

// ErrorType represents the category of a manager-level error.
type ErrorType string

const (
	ErrorTypeSessionNotFound      ErrorType = "session_not_found"
	ErrorTypeLanguageMismatch     ErrorType = "language_mismatch"
	ErrorTypeProvisioning         ErrorType = "provisioning_error"
	ErrorTypeResourceProvisioning ErrorType = "resource_provisioning_error"
	ErrorTypeInvalidTimeout       ErrorType = "invalid_timeout"
	ErrorTypeInvalidRequest       ErrorType = "invalid_request"
	ErrorTypeServerError          ErrorType = "server_error"
)

// APIError represents a structured manager-level error with type, param,
// and message. Program failures are not APIErrors; they travel inside
// RunResult.Error.
type APIError struct {
	Type    ErrorType `json:"type"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level
// error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewSessionNotFoundError creates an APIError for an unknown or closed
// session identifier.
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Type:    ErrorTypeSessionNotFound,
		Param:   "session_id",
		Message: fmt.Sprintf("session %q not found", sessionID),
	}
}

// NewLanguageMismatchError creates an APIError for a run whose language
// differs from the session's bound language.
func NewLanguageMismatchError(sessionLang, requestLang string) *APIError {
	return &APIError{
		Type:    ErrorTypeLanguageMismatch,
		Param:   "language",
		Message: fmt.Sprintf("session is bound to %q, request asked for %q", sessionLang, requestLang),
	}
}

// NewProvisioningError creates an APIError for a failed environment
// allocation or teardown.
func NewProvisioningError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeProvisioning,
		Message: message,
	}
}

// NewResourceProvisioningError creates an APIError for a failed file
// upload or package installation.
func NewResourceProvisioningError(stage, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeResourceProvisioning,
		Param:   stage,
		Message: message,
	}
}

// NewInvalidTimeoutError creates an APIError for a non-positive timeout.
func NewInvalidTimeoutError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidTimeout,
		Param:   "timeout",
		Message: message,
	}
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewServerError creates an APIError for internal errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// IsType reports whether err is an *APIError of the given type.
func IsType(err error, t ErrorType) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Type == t
}
