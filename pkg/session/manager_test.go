package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/gateway"
	"github.com/runboxd/runbox/pkg/journal"
)

func newTestManager(t *testing.T, gw *fakeGateway) (*Manager, *Registry) {
	t.Helper()
	r := newTestRegistry(t, gw, RegistryConfig{Journal: journal.NewMemory()})
	return NewManager(r, gw), r
}

func TestManagerRunValidation(t *testing.T) {
	gw := newFakeGateway()
	m, _ := newTestManager(t, gw)

	tests := []struct {
		name     string
		req      *api.RunRequest
		wantType api.ErrorType
	}{
		{"empty code", &api.RunRequest{Language: "python"}, api.ErrorTypeInvalidRequest},
		{"no language no session", &api.RunRequest{Code: "1+1"}, api.ErrorTypeInvalidRequest},
		{"unknown session", &api.RunRequest{Code: "1+1", SessionID: "sess_doesnotexist"}, api.ErrorTypeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Run(context.Background(), tt.req)
			if !api.IsType(err, tt.wantType) {
				t.Errorf("expected %s, got %v", tt.wantType, err)
			}
		})
	}
}

func TestManagerRunLanguageMismatch(t *testing.T) {
	gw := newFakeGateway()
	m, _ := newTestManager(t, gw)

	res, err := m.Run(context.Background(), &api.RunRequest{
		Code: "1+1", Language: "python", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	_, err = m.Run(context.Background(), &api.RunRequest{
		Code: "1+1", SessionID: res.SessionID, Language: "javascript",
	})
	if !api.IsType(err, api.ErrorTypeLanguageMismatch) {
		t.Fatalf("expected language_mismatch, got %v", err)
	}
}

func TestManagerRunCachesResources(t *testing.T) {
	gw := newFakeGateway()
	gw.uploadDur = 5 * time.Millisecond
	gw.installDur = 7 * time.Millisecond
	m, _ := newTestManager(t, gw)

	req := func(sessionID string) *api.RunRequest {
		return &api.RunRequest{
			Code:      "import numpy",
			Language:  "python",
			SessionID: sessionID,
			KeepAlive: true,
			Packages:  []string{"numpy", "pandas"},
			Files:     map[string][]byte{"data.csv": []byte("a,b\n1,2\n")},
		}
	}

	first, err := m.Run(context.Background(), req(""))
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Timings.Uploading == 0 || first.Timings.Installing == 0 {
		t.Errorf("first run should measure upload and install, got %+v", first.Timings)
	}

	second, err := m.Run(context.Background(), req(first.SessionID))
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Timings.Uploading != 0 {
		t.Errorf("cached upload stage should report zero duration, got %v", second.Timings.Uploading)
	}
	if second.Timings.Installing != 0 {
		t.Errorf("cached install stage should report zero duration, got %v", second.Timings.Installing)
	}

	_, uploads, installs, _ := gw.counts()
	if uploads != 1 || installs != 1 {
		t.Errorf("expected 1 upload and 1 install call, got %d and %d", uploads, installs)
	}

	detail, err := m.GetSession(first.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	wantPkgs := []string{"numpy", "pandas"}
	if len(detail.InstalledPackages) != len(wantPkgs) {
		t.Fatalf("expected %v installed, got %v", wantPkgs, detail.InstalledPackages)
	}
	for i, p := range wantPkgs {
		if detail.InstalledPackages[i] != p {
			t.Errorf("installed[%d] = %q, want %q", i, detail.InstalledPackages[i], p)
		}
	}
	if len(detail.UploadedFiles) != 1 || detail.UploadedFiles[0] != "data.csv" {
		t.Errorf("expected [data.csv] uploaded, got %v", detail.UploadedFiles)
	}
}

func TestManagerRunStatePersistsAcrossRuns(t *testing.T) {
	gw := newFakeGateway()

	// Emulates an interpreter that keeps variable bindings between runs.
	vars := make(map[string]map[string]string)
	var varsMu sync.Mutex
	gw.execFn = func(envID, code string, _ *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
		varsMu.Lock()
		defer varsMu.Unlock()
		if vars[envID] == nil {
			vars[envID] = make(map[string]string)
		}
		switch {
		case strings.Contains(code, "x = 42"):
			vars[envID]["x"] = "42"
			return &gateway.ExecResponse{Duration: time.Millisecond}, nil
		case strings.Contains(code, "print(x * 2)"):
			if vars[envID]["x"] != "42" {
				return &gateway.ExecResponse{
					Error: &api.ExecError{Name: "NameError", Message: "name 'x' is not defined"},
				}, nil
			}
			return &gateway.ExecResponse{Stdout: "84\n", Duration: time.Millisecond}, nil
		default:
			return &gateway.ExecResponse{Duration: time.Millisecond}, nil
		}
	}
	m, _ := newTestManager(t, gw)

	first, err := m.Run(context.Background(), &api.RunRequest{
		Code: "x = 42", Language: "python", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	second, err := m.Run(context.Background(), &api.RunRequest{
		Code: "print(x * 2)", SessionID: first.SessionID,
	})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !second.Success {
		t.Fatalf("expected success, got error %+v", second.Error)
	}
	if second.Stdout != "84\n" {
		t.Errorf("expected stdout %q, got %q", "84\n", second.Stdout)
	}

	// The second run did not keep the session alive, so it was torn down
	// once the result was captured.
	if _, err := m.GetSession(first.SessionID); !api.IsType(err, api.ErrorTypeSessionNotFound) {
		t.Errorf("expected session_not_found after non-keep-alive run, got %v", err)
	}
}

func TestManagerRunProgramErrorCaptured(t *testing.T) {
	gw := newFakeGateway()
	gw.execFn = func(_, _ string, _ *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
		return &gateway.ExecResponse{
			Stderr: "Traceback (most recent call last):\n",
			Error: &api.ExecError{
				Name:      "ZeroDivisionError",
				Message:   "division by zero",
				Traceback: "Traceback (most recent call last):\n  File \"<cell>\", line 1\nZeroDivisionError: division by zero",
			},
		}, nil
	}
	m, _ := newTestManager(t, gw)

	res, err := m.Run(context.Background(), &api.RunRequest{Code: "1/0", Language: "python"})
	if err != nil {
		t.Fatalf("program failure must not surface as a Run error, got %v", err)
	}
	if res.Success {
		t.Error("expected Success=false")
	}
	if res.Error == nil || res.Error.Name != "ZeroDivisionError" {
		t.Errorf("expected ZeroDivisionError in result, got %+v", res.Error)
	}
}

func TestManagerRunTransportFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.execErr = errContext("connection refused")
	m, _ := newTestManager(t, gw)

	_, err := m.Run(context.Background(), &api.RunRequest{Code: "1+1", Language: "python"})
	if !api.IsType(err, api.ErrorTypeServerError) {
		t.Fatalf("expected server_error for transport failure, got %v", err)
	}
}

func TestManagerRunUploadFailureLeavesLedgerClean(t *testing.T) {
	gw := newFakeGateway()
	gw.uploadErr = errContext("disk full")
	m, _ := newTestManager(t, gw)

	first, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", Language: "python", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("setup Run failed: %v", err)
	}

	_, err = m.Run(context.Background(), &api.RunRequest{
		Code: "pass", SessionID: first.SessionID, KeepAlive: true,
		Files: map[string][]byte{"a.txt": []byte("x")},
	})
	if !api.IsType(err, api.ErrorTypeResourceProvisioning) {
		t.Fatalf("expected resource_provisioning_error, got %v", err)
	}

	// Nothing was recorded, so a retry attempts the upload again.
	gw.mu.Lock()
	gw.uploadErr = nil
	gw.mu.Unlock()
	res, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", SessionID: first.SessionID, KeepAlive: true,
		Files: map[string][]byte{"a.txt": []byte("x")},
	})
	if err != nil {
		t.Fatalf("retry Run failed: %v", err)
	}
	detail, err := m.GetSession(res.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(detail.UploadedFiles) != 1 || detail.UploadedFiles[0] != "a.txt" {
		t.Errorf("expected [a.txt] after retry, got %v", detail.UploadedFiles)
	}
}

func TestManagerRunInstallFailureKeepsUploads(t *testing.T) {
	gw := newFakeGateway()
	gw.installErr = errContext("index unreachable")
	m, _ := newTestManager(t, gw)

	first, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", Language: "python", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("setup Run failed: %v", err)
	}

	_, err = m.Run(context.Background(), &api.RunRequest{
		Code: "pass", SessionID: first.SessionID, KeepAlive: true,
		Packages: []string{"numpy"},
		Files:    map[string][]byte{"a.txt": []byte("x")},
	})
	if !api.IsType(err, api.ErrorTypeResourceProvisioning) {
		t.Fatalf("expected resource_provisioning_error, got %v", err)
	}

	// The upload happened and stays recorded; only the install retries.
	detail, err := m.GetSession(first.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(detail.UploadedFiles) != 1 || detail.UploadedFiles[0] != "a.txt" {
		t.Errorf("expected [a.txt] recorded despite install failure, got %v", detail.UploadedFiles)
	}
	if len(detail.InstalledPackages) != 0 {
		t.Errorf("expected no packages recorded, got %v", detail.InstalledPackages)
	}

	gw.mu.Lock()
	gw.installErr = nil
	gw.mu.Unlock()
	if _, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", SessionID: first.SessionID, KeepAlive: true,
		Packages: []string{"numpy"},
		Files:    map[string][]byte{"a.txt": []byte("x")},
	}); err != nil {
		t.Fatalf("retry Run failed: %v", err)
	}

	_, uploads, installs, _ := gw.counts()
	if uploads != 1 {
		t.Errorf("expected upload not retried, got %d calls", uploads)
	}
	if installs != 1 {
		t.Errorf("expected exactly 1 successful install call, got %d", installs)
	}
}

func TestManagerRunStreamsInOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.execFn = func(_, _ string, stream *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
		for i := 0; i < 3; i++ {
			stream.Stdout("out")
			stream.Stderr("err")
		}
		stream.Result("42")
		return &gateway.ExecResponse{Stdout: "outoutout", Stderr: "errerrerr", Result: "42"}, nil
	}
	m, _ := newTestManager(t, gw)

	var mu sync.Mutex
	var stdout, stderr, results []string
	res, err := m.Run(context.Background(), &api.RunRequest{
		Code: "loop", Language: "python",
		OnStdout: func(s string) { mu.Lock(); stdout = append(stdout, s); mu.Unlock() },
		OnStderr: func(s string) { mu.Lock(); stderr = append(stderr, s); mu.Unlock() },
		OnResult: func(s string) { mu.Lock(); results = append(results, s); mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}

	// Run returns only after drain, so no callback is still in flight.
	if len(stdout) != 3 || len(stderr) != 3 {
		t.Errorf("expected 3 stdout and 3 stderr chunks, got %d and %d", len(stdout), len(stderr))
	}
	if len(results) != 1 || results[0] != "42" {
		t.Errorf("expected one result chunk %q, got %v", "42", results)
	}
}

func TestManagerRunPanickingCallbackIsolated(t *testing.T) {
	gw := newFakeGateway()
	gw.execFn = func(_, _ string, stream *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
		stream.Stdout("a")
		stream.Stdout("b")
		stream.Stderr("e")
		return &gateway.ExecResponse{Stdout: "ab", Stderr: "e"}, nil
	}
	m, _ := newTestManager(t, gw)

	var mu sync.Mutex
	var stderr []string
	res, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", Language: "python",
		OnStdout: func(string) { panic("boom") },
		OnStderr: func(s string) { mu.Lock(); stderr = append(stderr, s); mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("Run failed despite callback panic: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if len(stderr) != 1 || stderr[0] != "e" {
		t.Errorf("stderr callback should survive stdout panic, got %v", stderr)
	}
}

func TestManagerKeepAlive(t *testing.T) {
	gw := newFakeGateway()
	m, r := newTestManager(t, gw)

	res, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", Language: "python", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s, err := r.Get(res.SessionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	before := s.ExpiresAt()

	ka, err := m.KeepAlive(res.SessionID, time.Hour)
	if err != nil {
		t.Fatalf("KeepAlive failed: %v", err)
	}
	if ka.NewTimeout != time.Hour {
		t.Errorf("expected timeout %v, got %v", time.Hour, ka.NewTimeout)
	}
	if !ka.ExpiresAt.After(before) {
		t.Errorf("expected expiry after %v, got %v", before, ka.ExpiresAt)
	}

	if _, err := m.KeepAlive(res.SessionID, 0); !api.IsType(err, api.ErrorTypeInvalidTimeout) {
		t.Errorf("expected invalid_timeout, got %v", err)
	}
	if _, err := m.KeepAlive("sess_doesnotexist", time.Minute); !api.IsType(err, api.ErrorTypeSessionNotFound) {
		t.Errorf("expected session_not_found, got %v", err)
	}
}

func TestManagerListAndClose(t *testing.T) {
	gw := newFakeGateway()
	m, _ := newTestManager(t, gw)

	res, err := m.Run(context.Background(), &api.RunRequest{
		Code: "pass", Language: "python", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	metas := m.ListSessions()
	if len(metas) != 1 || metas[0].SessionID != res.SessionID {
		t.Fatalf("expected session %s listed, got %v", res.SessionID, metas)
	}

	if err := m.CloseSession(context.Background(), res.SessionID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if err := m.CloseSession(context.Background(), res.SessionID); err != nil {
		t.Fatalf("second CloseSession failed: %v", err)
	}
	if len(m.ListSessions()) != 0 {
		t.Error("expected empty list after close")
	}
}
