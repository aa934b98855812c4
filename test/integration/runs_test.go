package integration

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/runboxd/runbox/pkg/api"
)

func TestRunSimple(t *testing.T) {
	resp := postJSON(t, testEnv.BaseURL()+"/v1/runs", map[string]any{
		"code":     "hello",
		"language": "python",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	var result api.RunResult
	decodeJSON(t, resp, &result)

	if !result.Success {
		t.Error("expected success")
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.SessionID == "" {
		t.Error("session_id missing from result")
	}
	if result.Timings.Executing <= 0 {
		t.Errorf("executing timing = %v, want > 0", result.Timings.Executing)
	}
}

func TestRunStatePersistsAcrossRuns(t *testing.T) {
	first := runOK(t, map[string]any{
		"code":       "x = 42",
		"language":   "python",
		"keep_alive": true,
	})

	second := runOK(t, map[string]any{
		"code":       "print(x)",
		"session_id": first.SessionID,
		"keep_alive": true,
	})

	if second.Stdout != "42\n" {
		t.Errorf("stdout = %q, want %q", second.Stdout, "42\n")
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session changed across runs: %q != %q", second.SessionID, first.SessionID)
	}

	closeSession(t, first.SessionID)
}

func TestRunResourceCaching(t *testing.T) {
	payload := map[string]any{
		"code":       "hello",
		"language":   "python",
		"keep_alive": true,
		"packages":   []string{"numpy"},
		"files": map[string]string{
			"data.csv": base64.StdEncoding.EncodeToString([]byte("1,2\n")),
		},
	}

	first := runOK(t, payload)
	if first.Timings.Installing <= 0 {
		t.Errorf("first run installing = %v, want > 0", first.Timings.Installing)
	}
	if first.Timings.Uploading <= 0 {
		t.Errorf("first run uploading = %v, want > 0", first.Timings.Uploading)
	}

	payload["session_id"] = first.SessionID
	second := runOK(t, payload)
	if second.Timings.Installing != 0 {
		t.Errorf("cached run installing = %v, want 0", second.Timings.Installing)
	}
	if second.Timings.Uploading != 0 {
		t.Errorf("cached run uploading = %v, want 0", second.Timings.Uploading)
	}

	closeSession(t, first.SessionID)
}

func TestRunProgramFailure(t *testing.T) {
	resp := postJSON(t, testEnv.BaseURL()+"/v1/runs", map[string]any{
		"code":     "raise:bad input",
		"language": "python",
	})
	defer resp.Body.Close()

	// Program failure is a successful API call carrying a failed result.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result api.RunResult
	decodeJSON(t, resp, &result)

	if result.Success {
		t.Error("expected failure result")
	}
	if result.Error == nil {
		t.Fatal("error is nil")
	}
	if result.Error.Name != "TestError" {
		t.Errorf("error.name = %q", result.Error.Name)
	}
	if result.Error.Message != "bad input" {
		t.Errorf("error.message = %q", result.Error.Message)
	}
}

func TestRunWithoutKeepAliveTearsDown(t *testing.T) {
	result := runOK(t, map[string]any{
		"code":     "hello",
		"language": "python",
	})

	resp := getURL(t, testEnv.BaseURL()+"/v1/sessions/"+result.SessionID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after non-keep-alive run, got %d", resp.StatusCode)
	}
}

// runOK posts a run and fails the test unless it succeeds.
func runOK(t *testing.T, payload map[string]any) *api.RunResult {
	t.Helper()
	resp := postJSON(t, testEnv.BaseURL()+"/v1/runs", payload)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run failed with %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var result api.RunResult
	decodeJSON(t, resp, &result)
	if !result.Success {
		t.Fatalf("run result not successful: %+v", result)
	}
	return &result
}

// closeSession deletes a session and fails the test on error.
func closeSession(t *testing.T, sessionID string) {
	t.Helper()
	resp := deleteURL(t, testEnv.BaseURL()+"/v1/sessions/"+sessionID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close session %s: %d", sessionID, resp.StatusCode)
	}
}
