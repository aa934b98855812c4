package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

type executeRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Stream         bool   `json:"stream"`
}

type executeResponse struct {
	Status          string     `json:"status"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	Result          string     `json:"result,omitempty"`
	Error           *wireError `json:"error,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
}

type wireError struct {
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	env, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown environment")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	codePreview := req.Code
	if len(codePreview) > 120 {
		codePreview = codePreview[:120] + "..."
	}
	env.mu.Lock()
	defer env.mu.Unlock()

	slog.Info("execute request",
		"env_id", env.id,
		"code", codePreview,
		"timeout", req.TimeoutSeconds,
		"stream", req.Stream,
		"replayed_cells", len(env.cells),
	)

	var sender *sseSender
	if req.Stream {
		sender = newSSESender(w)
	}

	resp := s.execute(r.Context(), env, &req, sender)

	slog.Info("execute complete",
		"env_id", env.id,
		"status", resp.Status,
		"duration_ms", resp.ExecutionTimeMs,
		"stdout_len", len(resp.Stdout),
	)

	if sender != nil {
		if resp.Result != "" {
			sender.sendChunk("result", resp.Result)
		}
		sender.sendDone(resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// execute runs the environment's replayed cells plus the new code.
// Output produced by replayed cells is suppressed so the caller only
// sees what the new code printed. The cell is recorded for future
// replay only when it succeeds.
func (s *sandboxServer) execute(ctx context.Context, env *environment, req *executeRequest, sender *sseSender) *executeResponse {
	script := strings.Join(append(append([]string{}, env.cells...), req.Code), "\n")

	scriptPath := filepath.Join(env.workDir, "script"+scriptExt(s.mode))
	if err := os.WriteFile(scriptPath, []byte(script), 0644); err != nil {
		return &executeResponse{
			Status: "error",
			Error:  &wireError{Kind: "internal", Message: "failed to write script: " + err.Error()},
		}
	}

	resultPath := filepath.Join(env.workDir, ".result")
	os.Remove(resultPath)

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd, err := s.buildCommand(execCtx, env, scriptPath, resultPath)
	if err != nil {
		return &executeResponse{
			Status: "error",
			Error:  &wireError{Kind: "internal", Message: err.Error()},
		}
	}

	stdout := &suppressWriter{skip: env.prevStdout}
	stderr := &suppressWriter{skip: env.prevStderr}
	if sender != nil {
		stdout.emit = func(chunk string) { sender.sendChunk("stdout", chunk) }
		stderr.emit = func(chunk string) { sender.sendChunk("stderr", chunk) }
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	resp := &executeResponse{
		Status:          "success",
		Stdout:          stdout.visible.String(),
		Stderr:          stderr.visible.String(),
		ExecutionTimeMs: duration.Milliseconds(),
	}

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			resp.Status = "timeout"
			resp.Error = &wireError{
				Kind:    "timeout",
				Message: fmt.Sprintf("execution timed out after %d seconds", req.TimeoutSeconds),
			}
			return resp
		}
		resp.Status = "error"
		resp.Error = s.classifyFailure(runErr, resp.Stderr)
		return resp
	}

	if result, err := os.ReadFile(resultPath); err == nil {
		resp.Result = string(result)
		os.Remove(resultPath)
	}

	env.cells = append(env.cells, req.Code)
	env.prevStdout = stdout.total
	env.prevStderr = stderr.total
	return resp
}

// buildCommand assembles the interpreter invocation for the active mode.
func (s *sandboxServer) buildCommand(ctx context.Context, env *environment, scriptPath, resultPath string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch s.mode {
	case "python":
		runnerPath := filepath.Join(env.workDir, ".runner.py")
		if err := os.WriteFile(runnerPath, []byte(pythonRunner), 0644); err != nil {
			return nil, fmt.Errorf("failed to write runner: %s", err.Error())
		}
		cmd = exec.CommandContext(ctx, "python3", runnerPath, scriptPath)
		cmd.Env = append(os.Environ(),
			"PYTHONPATH="+filepath.Join(env.workDir, ".pylibs"),
			"PYTHONUNBUFFERED=1",
			"RUNBOX_RESULT_PATH="+resultPath,
		)
	case "node":
		cmd = exec.CommandContext(ctx, "node", scriptPath)
		cmd.Env = os.Environ()
	case "shell":
		cmd = exec.CommandContext(ctx, "bash", scriptPath)
		cmd.Env = os.Environ()
	default:
		return nil, fmt.Errorf("unsupported mode %q", s.mode)
	}
	cmd.Dir = env.workDir
	return cmd, nil
}

// classifyFailure turns a process failure into the structured error
// reported to the session manager.
func (s *sandboxServer) classifyFailure(runErr error, stderr string) *wireError {
	if s.mode == "python" {
		if werr := parsePythonError(stderr); werr != nil {
			return werr
		}
	}
	exitCode := -1
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	message := strings.TrimSpace(stderr)
	if message == "" {
		message = runErr.Error()
	}
	return &wireError{
		Kind:      "exit",
		Name:      fmt.Sprintf("ExitCode%d", exitCode),
		Message:   message,
		Traceback: stderr,
	}
}

var pythonErrorLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*(?:Error|Exception|Exit|Interrupt|Warning)?):?\s*(.*)$`)

// parsePythonError extracts the exception name and message from the
// last line of a Python traceback. Returns nil when stderr does not
// look like a traceback.
func parsePythonError(stderr string) *wireError {
	if !strings.Contains(stderr, "Traceback (most recent call last):") &&
		!strings.Contains(stderr, "SyntaxError") {
		return nil
	}

	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "^") {
			continue
		}
		m := pythonErrorLine.FindStringSubmatch(line)
		if m == nil {
			return nil
		}
		name, message := m[1], m[2]
		// Bare identifiers that are not exception-shaped are likely
		// source echo, not the error line.
		if message == "" && !strings.Contains(line, ":") {
			continue
		}
		return &wireError{
			Kind:      "exception",
			Name:      name,
			Message:   message,
			Traceback: stderr,
		}
	}
	return nil
}

func scriptExt(mode string) string {
	switch mode {
	case "python":
		return ".py"
	case "node":
		return ".js"
	default:
		return ".sh"
	}
}

// suppressWriter drops the first skip bytes, then records and forwards
// the remainder. Replayed cells reproduce their old output as a prefix;
// only what follows belongs to the new cell.
type suppressWriter struct {
	skip    int
	total   int
	visible strings.Builder
	emit    func(chunk string)
}

func (w *suppressWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.total += n
	if w.skip > 0 {
		if n <= w.skip {
			w.skip -= n
			return n, nil
		}
		p = p[w.skip:]
		w.skip = 0
	}
	w.visible.Write(p)
	if w.emit != nil {
		w.emit(string(p))
	}
	return n, nil
}

// sseSender writes execution events as Server-Sent Events. Stdout and
// stderr copies run on separate goroutines, so sends are serialized.
type sseSender struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESender(w http.ResponseWriter) *sseSender {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseSender{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSender) sendChunk(event, chunk string) {
	payload, err := json.Marshal(map[string]string{"chunk": chunk})
	if err != nil {
		return
	}
	s.send(event, string(payload))
}

func (s *sseSender) sendDone(resp *executeResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal done event", "error", err)
		return
	}
	s.send("done", string(payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.rc.Flush()
}

func (s *sseSender) send(event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.rc.Flush()
}

// pythonRunner executes the accumulated script and, when its final
// statement is an expression, writes the expression's repr to the file
// named by RUNBOX_RESULT_PATH.
const pythonRunner = `import ast
import os
import sys

path = sys.argv[1]
with open(path) as f:
    src = f.read()

tree = ast.parse(src, path)
namespace = {"__name__": "__main__"}

last = None
if tree.body and isinstance(tree.body[-1], ast.Expr):
    last = tree.body.pop()

if tree.body:
    exec(compile(tree, path, "exec"), namespace)

if last is not None:
    value = eval(compile(ast.Expression(last.value), path, "eval"), namespace)
    if value is not None:
        result_path = os.environ.get("RUNBOX_RESULT_PATH")
        if result_path:
            with open(result_path, "w") as f:
                f.write(repr(value))
`
