package sandboxhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/runboxd/runbox/pkg/gateway"
)

// chunkEvent is the payload of incremental stdout/stderr/result/error
// SSE events from the sandbox server.
type chunkEvent struct {
	Chunk string `json:"chunk"`
}

// executeStreaming performs an SSE execute request, forwarding chunk
// events to the stream handlers as they arrive. The terminal "done"
// event carries the complete executeResponse.
func (c *Client) executeStreaming(ctx context.Context, url string, req executeRequest, stream *gateway.StreamHandlers) (*gateway.ExecResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				continue
			}
			if eventType == "done" {
				var final executeResponse
				if err := json.Unmarshal([]byte(payload), &final); err != nil {
					return nil, fmt.Errorf("decode final event: %w", err)
				}
				return toExecResponse(&final), nil
			}
			dispatchChunk(eventType, payload, stream)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	return nil, fmt.Errorf("event stream ended without a terminal event")
}

// dispatchChunk routes one incremental event to the matching handler.
// Unknown event types are skipped.
func dispatchChunk(eventType, payload string, stream *gateway.StreamHandlers) {
	var ev chunkEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return
	}

	var handler func(string)
	switch eventType {
	case "stdout":
		handler = stream.Stdout
	case "stderr":
		handler = stream.Stderr
	case "result":
		handler = stream.Result
	case "error":
		handler = stream.Error
	}
	if handler != nil {
		handler(ev.Chunk)
	}
}
