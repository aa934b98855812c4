// Package sandboxhttp implements the gateway contract against the
// sandbox server REST API. Environment placement is delegated to a
// Provisioner: static URL mode points at a fixed sandbox server
// (development), Kubernetes mode acquires one sandbox per environment
// through SandboxClaim CRDs.
package sandboxhttp

// createEnvironmentRequest is the body for POST /environments.
type createEnvironmentRequest struct {
	Language string `json:"language"`
}

// createEnvironmentResponse is the response from POST /environments.
type createEnvironmentResponse struct {
	EnvironmentID string `json:"environment_id"`
}

// uploadFilesRequest is the body for POST /environments/{id}/files.
// File contents are base64-encoded.
type uploadFilesRequest struct {
	Files map[string]string `json:"files"`
}

// installPackagesRequest is the body for POST /environments/{id}/packages.
type installPackagesRequest struct {
	Packages []string `json:"packages"`
}

// stageResponse is the response from the files and packages endpoints.
type stageResponse struct {
	DurationMs int64 `json:"duration_ms"`
}

// executeRequest is the body for POST /environments/{id}/execute.
type executeRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// executeResponse is the non-streaming response from the execute
// endpoint, and the payload of the terminal "done" SSE event when
// streaming.
type executeResponse struct {
	Status          string     `json:"status"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	Result          string     `json:"result,omitempty"`
	Error           *wireError `json:"error,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
}

// wireError is the structured program failure reported by the sandbox.
type wireError struct {
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// errorResponse is the generic error body returned by the sandbox server.
type errorResponse struct {
	Error string `json:"error"`
}
