// Package llm is a thin client for the local text/captioning model server
// used by prompt and template tasks.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mediagen-studio/mediagen/pkg/engine"
)

var ErrCompletion = errors.New("llm completion failed")

// Client issues single-turn completions, optionally attaching an image for
// captioning workflows.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	session *engine.SessionState
	logger  *slog.Logger
}

func NewClient(baseURL, model string, session *engine.SessionState, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 5 * time.Minute},
		session: session,
		logger:  logger,
	}
}

type completionRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Images []string `json:"images,omitempty"`
}

type completionResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete sends a prompt and returns the model's text. When imagePath is
// non-empty the file is attached base64-encoded. Switching models first
// unloads the previous one to bound the server's memory use.
func (c *Client) Complete(ctx context.Context, prompt, imagePath string) (string, error) {
	if previous, switched := c.session.SwitchModel(c.model); switched {
		c.unload(ctx, previous)
	}

	request := completionRequest{Model: c.model, Prompt: prompt}

	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return "", fmt.Errorf("%w: reading image %s: %v", ErrCompletion, imagePath, err)
		}

		request.Images = []string{base64.StdEncoding.EncodeToString(data)}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletion, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletion, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletion, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

		return "", fmt.Errorf("%w: server returned %d: %s", ErrCompletion, resp.StatusCode, detail)
	}

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletion, err)
	}

	if result.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrCompletion, result.Error)
	}

	return result.Response, nil
}

// unload asks the server to drop a model. Best effort.
func (c *Client) unload(ctx context.Context, model string) {
	payload, _ := json.Marshal(map[string]any{"model": model, "keep_alive": 0})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Failed to unload previous model", "model", model, "error", err)

		return
	}

	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}
