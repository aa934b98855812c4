package session

import (
	"context"
	"sync"
	"time"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/gateway"
)

// fakeGateway is a scriptable in-memory gateway for registry and
// manager tests.
type fakeGateway struct {
	mu sync.Mutex

	createCalls  int
	uploadCalls  int
	installCalls int
	execCalls    int

	destroyed map[string]int // envID -> destroy call count

	createErr  error
	uploadErr  error
	installErr error
	execErr    error

	// destroyFailures makes the next N destroy calls fail.
	destroyFailures int

	uploadDur  time.Duration
	installDur time.Duration

	// execFn overrides execution behavior. Defaults to an empty success.
	execFn func(envID, code string, stream *gateway.StreamHandlers) (*gateway.ExecResponse, error)
}

var _ gateway.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{destroyed: make(map[string]int)}
}

func (g *fakeGateway) CreateEnvironment(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.createCalls++
	return api.NewSessionID(), nil
}

func (g *fakeGateway) DestroyEnvironment(_ context.Context, envID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyFailures > 0 {
		g.destroyFailures--
		return errContext("destroy failed")
	}
	g.destroyed[envID]++
	return nil
}

func (g *fakeGateway) UploadFiles(_ context.Context, _ string, _ map[string][]byte) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return 0, g.uploadErr
	}
	g.uploadCalls++
	return g.uploadDur, nil
}

func (g *fakeGateway) InstallPackages(_ context.Context, _ string, _ []string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.installErr != nil {
		return 0, g.installErr
	}
	g.installCalls++
	return g.installDur, nil
}

func (g *fakeGateway) Execute(_ context.Context, envID, code, _ string, stream *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
	g.mu.Lock()
	g.execCalls++
	execErr := g.execErr
	execFn := g.execFn
	g.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if execFn != nil {
		return execFn(envID, code, stream)
	}
	return &gateway.ExecResponse{Duration: time.Millisecond}, nil
}

func (g *fakeGateway) destroyCount(envID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed[envID]
}

func (g *fakeGateway) counts() (create, upload, install, exec int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.uploadCalls, g.installCalls, g.execCalls
}

// errContext is a trivial error type so the fake does not need fmt.
type errContext string

func (e errContext) Error() string { return string(e) }
