// Package gateway defines the contract with the remote execution gateway:
// the service that provisions isolated environments, materializes files
// and packages into them, and executes code. The session manager treats
// it as a black box with at-least-once delivery and network-level
// failure modes.
package gateway

import (
	"context"
	"time"

	"github.com/runboxd/runbox/pkg/api"
)

// StreamHandlers carries optional callbacks for incremental execution
// output. Handlers are invoked in arrival order, at most once per chunk.
// Any handler may be nil.
type StreamHandlers struct {
	Stdout func(chunk string)
	Stderr func(chunk string)
	Result func(chunk string)
	Error  func(chunk string)
}

// ExecResponse is the structured outcome of one code execution in an
// environment. Error is set when the executed program itself failed;
// transport-level failures surface as Go errors from Execute instead.
type ExecResponse struct {
	Stdout   string
	Stderr   string
	Result   string
	Error    *api.ExecError
	Duration time.Duration
}

// Gateway is the remote execution service consumed by the session
// manager. Implementations must be safe for concurrent use.
type Gateway interface {
	// CreateEnvironment allocates a new isolated environment for the
	// given language and returns its identifier.
	CreateEnvironment(ctx context.Context, language string) (envID string, err error)

	// DestroyEnvironment tears down an environment. Destroying an
	// already-gone environment is not an error.
	DestroyEnvironment(ctx context.Context, envID string) error

	// UploadFiles materializes the named file contents in the environment
	// and reports how long the transfer took.
	UploadFiles(ctx context.Context, envID string, files map[string][]byte) (time.Duration, error)

	// InstallPackages installs the named packages in the environment and
	// reports how long the installation took.
	InstallPackages(ctx context.Context, envID string, names []string) (time.Duration, error)

	// Execute runs code in the environment. When stream is non-nil its
	// handlers receive incremental output as it arrives; the final
	// ExecResponse still carries the complete captured streams.
	Execute(ctx context.Context, envID, code, language string, stream *StreamHandlers) (*ExecResponse, error)
}
