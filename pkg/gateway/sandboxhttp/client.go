package sandboxhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/debug"
	"github.com/runboxd/runbox/pkg/gateway"
)

// Ensure Client implements the gateway contract.
var _ gateway.Gateway = (*Client)(nil)

// envEntry tracks one live environment: which sandbox server hosts it
// and how to release the underlying sandbox.
type envEntry struct {
	baseURL string
	release func()
}

// Client is an HTTP implementation of gateway.Gateway against the
// sandbox server REST API.
type Client struct {
	provisioner Provisioner
	httpClient  *http.Client

	mu   sync.Mutex
	envs map[string]envEntry
}

// Config holds client settings.
type Config struct {
	// Provisioner decides where environments are placed. Required.
	Provisioner Provisioner

	// HTTPTimeout is the overall HTTP timeout per request. The execution
	// timeout itself is enforced by the sandbox. Default: 120s.
	HTTPTimeout time.Duration
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("sandboxhttp: provisioner is required")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	return &Client{
		provisioner: cfg.Provisioner,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		envs:        make(map[string]envEntry),
	}, nil
}

// CreateEnvironment provisions a sandbox server and creates an
// environment on it. The returned identifier is the sandbox server's
// environment ID.
func (c *Client) CreateEnvironment(ctx context.Context, language string) (string, error) {
	baseURL, release, err := c.provisioner.Provision(ctx, language)
	if err != nil {
		return "", fmt.Errorf("provision sandbox: %w", err)
	}

	var resp createEnvironmentResponse
	err = c.doJSON(ctx, http.MethodPost, baseURL+"/environments",
		createEnvironmentRequest{Language: language}, &resp)
	if err != nil {
		release()
		return "", fmt.Errorf("create environment: %w", err)
	}
	if resp.EnvironmentID == "" {
		release()
		return "", fmt.Errorf("create environment: sandbox returned empty environment ID")
	}

	c.mu.Lock()
	c.envs[resp.EnvironmentID] = envEntry{baseURL: baseURL, release: release}
	c.mu.Unlock()

	debug.Log("gateway", "environment created", "env_id", resp.EnvironmentID, "url", baseURL, "language", language)
	return resp.EnvironmentID, nil
}

// DestroyEnvironment deletes the environment and releases its sandbox.
// Destroying an unknown environment is a no-op.
func (c *Client) DestroyEnvironment(ctx context.Context, envID string) error {
	c.mu.Lock()
	entry, ok := c.envs[envID]
	delete(c.envs, envID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	defer entry.release()

	err := c.doJSON(ctx, http.MethodDelete, entry.baseURL+"/environments/"+envID, nil, nil)
	if err != nil {
		return fmt.Errorf("destroy environment %s: %w", envID, err)
	}
	debug.Log("gateway", "environment destroyed", "env_id", envID)
	return nil
}

// UploadFiles transfers file contents into the environment.
func (c *Client) UploadFiles(ctx context.Context, envID string, files map[string][]byte) (time.Duration, error) {
	entry, err := c.lookup(envID)
	if err != nil {
		return 0, err
	}

	encoded := make(map[string]string, len(files))
	for name, content := range files {
		encoded[name] = base64.StdEncoding.EncodeToString(content)
	}

	var resp stageResponse
	err = c.doJSON(ctx, http.MethodPost, entry.baseURL+"/environments/"+envID+"/files",
		uploadFilesRequest{Files: encoded}, &resp)
	if err != nil {
		return 0, fmt.Errorf("upload files: %w", err)
	}
	return time.Duration(resp.DurationMs) * time.Millisecond, nil
}

// InstallPackages installs packages in the environment.
func (c *Client) InstallPackages(ctx context.Context, envID string, names []string) (time.Duration, error) {
	entry, err := c.lookup(envID)
	if err != nil {
		return 0, err
	}

	var resp stageResponse
	err = c.doJSON(ctx, http.MethodPost, entry.baseURL+"/environments/"+envID+"/packages",
		installPackagesRequest{Packages: names}, &resp)
	if err != nil {
		return 0, fmt.Errorf("install packages: %w", err)
	}
	return time.Duration(resp.DurationMs) * time.Millisecond, nil
}

// Execute runs code in the environment. With stream handlers set the
// request is made in SSE mode and chunks are forwarded as they arrive.
func (c *Client) Execute(ctx context.Context, envID, code, language string, stream *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
	entry, err := c.lookup(envID)
	if err != nil {
		return nil, err
	}

	req := executeRequest{Code: code, Stream: stream != nil}
	if deadline, ok := ctx.Deadline(); ok {
		if secs := int(time.Until(deadline).Seconds()); secs > 0 {
			req.TimeoutSeconds = secs
		}
	}

	url := entry.baseURL + "/environments/" + envID + "/execute"
	if stream != nil {
		return c.executeStreaming(ctx, url, req, stream)
	}

	var resp executeResponse
	if err := c.doJSON(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return toExecResponse(&resp), nil
}

// lookup resolves the sandbox entry for an environment ID.
func (c *Client) lookup(envID string) (envEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.envs[envID]
	if !ok {
		return envEntry{}, fmt.Errorf("unknown environment %q", envID)
	}
	return entry, nil
}

// doJSON performs one JSON request/response round trip. A nil out
// discards the response body.
func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("sandbox at capacity (HTTP 429)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// toExecResponse converts the wire format into the gateway contract type.
func toExecResponse(resp *executeResponse) *gateway.ExecResponse {
	out := &gateway.ExecResponse{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Result:   resp.Result,
		Duration: time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
	}
	if resp.Error != nil {
		out.Error = &api.ExecError{
			Kind:      resp.Error.Kind,
			Name:      resp.Error.Name,
			Message:   resp.Error.Message,
			Traceback: resp.Error.Traceback,
		}
	}
	return out
}
