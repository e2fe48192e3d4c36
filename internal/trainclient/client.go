// Package trainclient talks to the LoRA training engine.
package trainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// 训练引擎任务状态
const (
	StatusCreated    = "CREATED"
	StatusRunning    = "RUNNING"
	StatusFinished   = "FINISHED"
	StatusFailed     = "FAILED"
	StatusTerminated = "TERMINATED"
	StatusNotFound   = "NOT_FOUND"
)

// IsTerminal reports whether status ends the job.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusTerminated, StatusNotFound:
		return true
	}
	return false
}

// Job is one entry of the engine task list.
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HTTPError is a non-2xx engine response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("training engine returned %d: %s", e.StatusCode, e.Body)
}

// RejectedError is an application level refusal from the engine.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "training engine rejected request: " + e.Message
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client 训练引擎客户端
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
	newID   func() string
}

// New creates a client for the engine at baseURL.
func New(baseURL string, headers map[string]string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		http:    httpClient,
		newID:   uuid.NewString,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	if env.Status != "success" {
		msg := env.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &RejectedError{Message: msg}
	}
	return &env, nil
}

// Submit starts a training run and returns its job id. The engine reports
// the id as an `ID:` suffix of the message; a random id is used when absent.
func (c *Client) Submit(ctx context.Context, payload map[string]any) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/run", payload)
	if err != nil {
		return "", err
	}
	if _, after, ok := strings.Cut(env.Message, "ID:"); ok {
		if id := strings.TrimSpace(after); id != "" {
			return id, nil
		}
	}
	return c.newID(), nil
}

// Jobs lists the jobs known to the engine.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/tasks", nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		Tasks []Job `json:"tasks"`
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("training task list has no data")
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return data.Tasks, nil
}

// Status returns the engine status of jobID, StatusNotFound when the engine
// does not know it.
func (c *Client) Status(ctx context.Context, jobID string) (string, error) {
	jobs, err := c.Jobs(ctx)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return j.Status, nil
		}
	}
	return StatusNotFound, nil
}

// Cancel terminates jobID.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodGet, "/api/tasks/terminate/"+jobID, nil)
	return err
}
