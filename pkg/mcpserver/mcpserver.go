// Package mcpserver exposes the session manager as an MCP server, so
// agent runtimes can execute code and manage sessions through the Model
// Context Protocol instead of the REST API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/session"
)

// Server bridges MCP tool calls to the session manager.
type Server struct {
	mgr *session.Manager
	mcp *mcp.Server
}

// New builds an MCP server with the code execution and session
// management tools registered.
func New(mgr *session.Manager) *Server {
	s := &Server{
		mgr: mgr,
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: "runbox", Version: "v1.0.0"},
			nil,
		),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler for mounting on a mux.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// Run serves MCP over the given transport until ctx is cancelled. Used
// for stdio deployments and tests.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcp.Run(ctx, transport)
}

type runCodeInput struct {
	Code      string            `json:"code" jsonschema_description:"The code to execute"`
	Language  string            `json:"language,omitempty" jsonschema_description:"Language runtime, e.g. python. Required unless session_id is set"`
	SessionID string            `json:"session_id,omitempty" jsonschema_description:"Existing session to run in. Omit to start a new session"`
	Packages  []string          `json:"packages,omitempty" jsonschema_description:"Packages that must be installed before the code runs"`
	Files     map[string]string `json:"files,omitempty" jsonschema_description:"Files to place in the environment, name to content"`
	KeepAlive bool              `json:"keep_alive,omitempty" jsonschema_description:"Keep the session alive after this run for follow-up calls"`
	TimeoutMs int64             `json:"timeout_ms,omitempty" jsonschema_description:"Execution deadline in milliseconds"`
}

type runCodeOutput struct {
	Success   bool           `json:"success"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     *api.ExecError `json:"error,omitempty"`
	SessionID string         `json:"session_id"`
}

type sessionIDInput struct {
	SessionID string `json:"session_id" jsonschema_description:"The session identifier"`
}

type keepAliveInput struct {
	SessionID string `json:"session_id" jsonschema_description:"The session identifier"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" jsonschema_description:"New lifetime in milliseconds. Omit for the server default"`
}

type listSessionsOutput struct {
	Sessions []api.SessionMeta `json:"sessions"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_code",
		Description: "Execute code in an isolated sandbox session. Set keep_alive to reuse interpreter state across calls via the returned session_id.",
	}, s.runCode)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List live code execution sessions.",
	}, s.listSessions)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_session",
		Description: "Inspect a session, including its installed packages and uploaded files.",
	}, s.getSession)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "close_session",
		Description: "Close a session and release its sandbox.",
	}, s.closeSession)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "keep_alive",
		Description: "Reset a session's expiry timer.",
	}, s.keepAlive)
}

func (s *Server) runCode(ctx context.Context, _ *mcp.CallToolRequest, input runCodeInput) (*mcp.CallToolResult, runCodeOutput, error) {
	req := &api.RunRequest{
		Code:      input.Code,
		Language:  input.Language,
		SessionID: input.SessionID,
		Packages:  input.Packages,
		KeepAlive: input.KeepAlive,
	}
	if input.TimeoutMs > 0 {
		req.Timeout = time.Duration(input.TimeoutMs) * time.Millisecond
	}
	if len(input.Files) > 0 {
		req.Files = make(map[string][]byte, len(input.Files))
		for name, content := range input.Files {
			req.Files[name] = []byte(content)
		}
	}

	result, err := s.mgr.Run(ctx, req)
	if err != nil {
		return toolError(err), runCodeOutput{}, nil
	}

	out := runCodeOutput{
		Success:   result.Success,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Result:    result.Result,
		Error:     result.Error,
		SessionID: result.SessionID,
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: formatRunText(result)}},
		IsError: !result.Success,
	}, out, nil
}

func (s *Server) listSessions(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, listSessionsOutput, error) {
	sessions := s.mgr.ListSessions()
	if sessions == nil {
		sessions = []api.SessionMeta{}
	}
	return textResult(listSessionsOutput{Sessions: sessions})
}

func (s *Server) getSession(ctx context.Context, _ *mcp.CallToolRequest, input sessionIDInput) (*mcp.CallToolResult, api.SessionDetail, error) {
	detail, err := s.mgr.GetSession(input.SessionID)
	if err != nil {
		return toolError(err), api.SessionDetail{}, nil
	}
	return textResult(*detail)
}

func (s *Server) closeSession(ctx context.Context, _ *mcp.CallToolRequest, input sessionIDInput) (*mcp.CallToolResult, struct{}, error) {
	if err := s.mgr.CloseSession(ctx, input.SessionID); err != nil {
		return toolError(err), struct{}{}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("session %s closed", input.SessionID)}},
	}, struct{}{}, nil
}

func (s *Server) keepAlive(ctx context.Context, _ *mcp.CallToolRequest, input keepAliveInput) (*mcp.CallToolResult, api.KeepAliveResult, error) {
	timeout := time.Duration(input.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.mgr.DefaultTimeout()
	}
	result, err := s.mgr.KeepAlive(input.SessionID, timeout)
	if err != nil {
		return toolError(err), api.KeepAliveResult{}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{
			Text: fmt.Sprintf("session %s extended until %s", result.SessionID, result.ExpiresAt.Format(time.RFC3339)),
		}},
	}, *result, nil
}

// toolError reports a manager failure as a tool-level error so the
// calling model sees the message instead of a protocol fault.
func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

func textResult[T any](v T) (*mcp.CallToolResult, T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, v, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, v, nil
}

func formatRunText(result *api.RunResult) string {
	if result.Success {
		text := result.Stdout
		if result.Result != "" {
			if text != "" {
				text += "\n"
			}
			text += result.Result
		}
		if text == "" {
			text = "(no output)"
		}
		return text + sessionSuffix(result)
	}

	text := "execution failed"
	if result.Error != nil {
		text = fmt.Sprintf("%s: %s", result.Error.Name, result.Error.Message)
		if result.Error.Traceback != "" {
			text += "\n" + result.Error.Traceback
		}
	}
	if result.Stderr != "" {
		text += "\n" + result.Stderr
	}
	return text + sessionSuffix(result)
}

func sessionSuffix(result *api.RunResult) string {
	if result.SessionID == "" {
		return ""
	}
	return fmt.Sprintf("\n[session: %s]", result.SessionID)
}
