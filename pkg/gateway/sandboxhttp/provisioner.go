package sandboxhttp

import "context"

// Provisioner abstracts sandbox server placement. Implementations exist
// for static URL mode (returns a fixed URL) and Kubernetes SandboxClaim
// mode (creates CRDs and waits for the sandbox to become ready).
type Provisioner interface {
	// Provision returns the base URL of a sandbox server to host a new
	// environment. The release function must be called when the
	// environment is destroyed.
	Provision(ctx context.Context, language string) (baseURL string, release func(), err error)
}

// StaticProvisioner returns a fixed sandbox server URL (development
// mode). All environments share the one server.
type StaticProvisioner struct {
	URL string
}

// Provision returns the configured URL. No cleanup is needed.
func (p *StaticProvisioner) Provision(_ context.Context, _ string) (string, func(), error) {
	return p.URL, func() {}, nil
}
