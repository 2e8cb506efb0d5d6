// Package engine is the client for the external node-graph compute backend.
// Progress visibility arrives over the WebSocket listener; completion is
// confirmed by polling so a dropped push connection cannot hang a run.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

var (
	ErrNotInitialized = errors.New("engine client not initialized")
	ErrUpload         = errors.New("engine upload failed")
	ErrSubmission     = errors.New("engine submission failed")
	ErrTimeout        = errors.New("engine completion poll timed out")
)

// MediaKind selects the upload endpoint.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindAudio MediaKind = "audio"
)

// StorageScope tags where the backend stores an uploaded file.
type StorageScope string

const (
	ScopeInput  StorageScope = "input"
	ScopeOutput StorageScope = "output"
	ScopeTemp   StorageScope = "temp"
)

// Completion is the result of AwaitCompletion. An engine-reported execution
// error is a result, not a transport failure.
type Completion struct {
	Completed bool
	Errored   bool
	Error     string
	Outputs   map[string]any
}

// Client talks to the compute backend over HTTP. Initialize must be called
// once before use.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	logger   *slog.Logger
}

func NewClient(clientID string, logger *slog.Logger) *Client {
	return &Client{
		clientID: clientID,
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// Initialize points the client at the backend.
func (c *Client) Initialize(baseURL string) {
	c.baseURL = baseURL
}

// ClientID is the idempotency token attached to submissions; the push
// listener subscribes with the same id.
func (c *Client) ClientID() string {
	return c.clientID
}

// UploadMedia pushes raw media bytes to the backend's storage and returns the
// backend-side filename.
func (c *Client) UploadMedia(ctx context.Context, data []byte, filename string, kind MediaKind, scope StorageScope, overwrite bool) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotInitialized
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(string(kind), filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	_ = writer.WriteField("type", string(scope))
	if overwrite {
		_ = writer.WriteField("overwrite", "true")
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	endpoint := c.baseURL + "/upload/" + string(kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: backend returned %d", ErrUpload, resp.StatusCode)
	}

	var result struct {
		Name string `json:"name"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	if result.Name == "" {
		result.Name = filename
	}

	return result.Name, nil
}

// Submit sends a fully-bound graph for execution and returns the engine job id.
func (c *Client) Submit(ctx context.Context, graph map[string]any) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotInitialized
	}

	payload, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

		return "", fmt.Errorf("%w: backend returned %d: %s", ErrSubmission, resp.StatusCode, detail)
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	if result.PromptID == "" {
		return "", fmt.Errorf("%w: backend returned no job id", ErrSubmission)
	}

	return result.PromptID, nil
}

// AwaitCompletion polls the history endpoint until the job reaches a terminal
// state. Transient status-check failures consume attempts but do not abort;
// only exhausting the attempt budget yields ErrTimeout.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (Completion, error) {
	if c.baseURL == "" {
		return Completion{}, ErrNotInitialized
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Completion{}, ctx.Err()
			case <-time.After(interval):
			}
		}

		completion, terminal, err := c.checkStatus(ctx, jobID)
		if err != nil {
			c.logger.Warn("Engine status check failed", "job_id", jobID, "attempt", attempt, "error", err)

			continue
		}

		if terminal {
			return completion, nil
		}
	}

	return Completion{}, fmt.Errorf("%w: job %s after %d attempts", ErrTimeout, jobID, maxAttempts)
}

func (c *Client) checkStatus(ctx context.Context, jobID string) (Completion, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+jobID, nil)
	if err != nil {
		return Completion{}, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Completion{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Completion{}, false, fmt.Errorf("backend returned %d", resp.StatusCode)
	}

	var history map[string]struct {
		Status struct {
			StatusStr string `json:"status_str"`
			Completed bool   `json:"completed"`
			Messages  []any  `json:"messages"`
		} `json:"status"`
		Outputs map[string]any `json:"outputs"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return Completion{}, false, err
	}

	entry, ok := history[jobID]
	if !ok {
		// Not in history yet: still queued or executing.
		return Completion{}, false, nil
	}

	if entry.Status.StatusStr == "error" {
		return Completion{
			Errored: true,
			Error:   fmt.Sprintf("engine execution error for job %s", jobID),
			Outputs: entry.Outputs,
		}, true, nil
	}

	if entry.Status.Completed {
		return Completion{Completed: true, Outputs: entry.Outputs}, true, nil
	}

	return Completion{}, false, nil
}

// FreeMemory asks the backend to drop cached models and free VRAM. Best
// effort: failures are logged, never returned, so a flaky backend cannot fail
// a run over an optimization.
func (c *Client) FreeMemory(ctx context.Context) {
	if c.baseURL == "" {
		return
	}

	payload := []byte(`{"unload_models":true,"free_memory":true}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/free", bytes.NewReader(payload))
	if err != nil {
		c.logger.Warn("Failed to build free-memory request", "error", err)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Engine free-memory call failed", "error", err)

		return
	}

	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}
