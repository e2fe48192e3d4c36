// Package markclient talks to the ComfyUI style marking engine.
package markclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// State 远程打标任务状态
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Done reports whether the state is terminal.
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed
}

// ExecutionError is the failure detail the engine reports for a prompt.
type ExecutionError struct {
	NodeID           string         `json:"node_id"`
	NodeType         string         `json:"node_type"`
	ExceptionType    string         `json:"exception_type"`
	ExceptionMessage string         `json:"exception_message"`
	Traceback        []string       `json:"traceback"`
	CurrentInputs    map[string]any `json:"current_inputs"`
}

func (e *ExecutionError) Error() string {
	msg := e.ExceptionMessage
	if msg == "" {
		msg = "unknown error"
	}
	if e.NodeType != "" {
		return fmt.Sprintf("%s (node %s %s): %s", e.ExceptionType, e.NodeID, e.NodeType, msg)
	}
	return msg
}

// Result is one status observation of a prompt.
type Result struct {
	State    State
	Progress int
	Error    *ExecutionError
}

// HTTPError is a non-2xx engine response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("marking engine returned %d: %s", e.StatusCode, e.Body)
}

// ErrNoPromptID is returned when the engine accepts a prompt without an id.
var ErrNoPromptID = errors.New("marking engine returned no prompt_id")

// Client 打标引擎客户端
type Client struct {
	baseURL  string
	headers  map[string]string
	http     *http.Client
	clientID string
}

// New creates a client for the engine at baseURL.
func New(baseURL string, headers map[string]string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		headers:  headers,
		http:     httpClient,
		clientID: "lora_pipeline-" + uuid.NewString(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return nil
}

// Submit queues a workflow and returns its prompt id.
func (c *Client) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	var resp struct {
		PromptID   string         `json:"prompt_id"`
		NodeErrors map[string]any `json:"node_errors"`
	}
	body := map[string]any{"prompt": workflow, "client_id": c.clientID}
	if err := c.do(ctx, http.MethodPost, "/api/prompt", body, &resp); err != nil {
		return "", err
	}
	if len(resp.NodeErrors) > 0 {
		b, _ := json.Marshal(resp.NodeErrors)
		return "", fmt.Errorf("workflow rejected: %s", b)
	}
	if resp.PromptID == "" {
		return "", ErrNoPromptID
	}
	return resp.PromptID, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string              `json:"status_str"`
		Completed bool                `json:"completed"`
		Progress  int                 `json:"progress"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Status returns the state of a prompt. A prompt missing from history is still running.
func (c *Client) Status(ctx context.Context, promptID string) (Result, error) {
	var history map[string]historyEntry
	if err := c.do(ctx, http.MethodGet, "/api/history/"+promptID, nil, &history); err != nil {
		return Result{}, err
	}

	entry, ok := history[promptID]
	if !ok {
		return Result{State: StateRunning}, nil
	}

	res := Result{Progress: entry.Status.Progress}
	switch entry.Status.StatusStr {
	case "success":
		res.State = StateSucceeded
		res.Progress = 100
	case "error":
		res.State = StateFailed
		res.Error = executionError(entry.Status.Messages)
	default:
		res.State = StateRunning
	}
	return res, nil
}

func executionError(messages [][]json.RawMessage) *ExecutionError {
	for _, msg := range messages {
		if len(msg) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var detail ExecutionError
		if err := json.Unmarshal(msg[1], &detail); err == nil {
			return &detail
		}
	}
	return &ExecutionError{ExceptionMessage: "engine reported error without detail"}
}

// Interrupt stops the prompt currently executing on the engine.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/interrupt", map[string]any{}, nil)
}

// SystemStats returns the engine system report.
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/system_stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}
