// Package noderpc is the HTTP client for provider node agents. A node agent
// exposes a small control API (start_session, stop_session, status) plus a
// streaming generate endpoint that relays llama.cpp server-sent events.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrNodeUnreachable is returned when the node agent cannot be contacted
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrLoadFailed is returned when the node reports a model load error
	ErrLoadFailed = errors.New("model load failed")
	// ErrLoadDeadline is returned when the model did not become ready in time
	ErrLoadDeadline = errors.New("model load deadline exceeded")
	// ErrGenerationFailed is returned for a failed generate call
	ErrGenerationFailed = errors.New("generation failed")
)

// Model readiness states reported by the node agent.
const (
	StateIdle        = "idle"
	StateDownloading = "downloading"
	StateLoading     = "loading"
	StateReady       = "ready"
	StateError       = "error"
)

// Client talks to node agents over plain HTTP. One shared client serves every
// node; the agent address travels with each call.
type Client struct {
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewClient(pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Client{
		// No global timeout: generate streams can legitimately run for
		// minutes. Control calls set their own per-request deadlines.
		httpClient:   &http.Client{},
		pollInterval: pollInterval,
	}
}

// LoadRequest asks a node agent to load a model for a session.
type LoadRequest struct {
	SessionID     string `json:"session_id"`
	ModelID       string `json:"model_id"`
	HFRepo        string `json:"hf_repo,omitempty"`
	ContextLength int    `json:"context_length"`
}

// AgentStatus is the node agent's status report.
type AgentStatus struct {
	State     string  `json:"state"`
	ModelID   string  `json:"model_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// StatusFn receives load progress updates while LoadModel polls the agent.
type StatusFn func(state string, progress float64)

// LoadModel starts a session on the node agent and polls its status until the
// model is ready, the agent reports an error, or the deadline passes. Each
// observed state change is relayed through statusFn.
func (c *Client) LoadModel(ctx context.Context, addr string, req LoadRequest, deadline time.Time, statusFn StatusFn) error {
	if err := c.postJSON(ctx, addr, "/api/start_session", req, nil); err != nil {
		return err
	}

	lastState := ""
	for {
		if time.Now().After(deadline) {
			return ErrLoadDeadline
		}

		status, err := c.Status(ctx, addr)
		if err != nil {
			// Transient: the agent may restart its backend between
			// polls. The deadline bounds how long we tolerate this.
			logger.Debug("Node status poll failed", zap.String("address", addr), zap.Error(err))
		} else {
			if statusFn != nil && status.State != lastState {
				statusFn(status.State, status.Progress)
				lastState = status.State
			}

			switch status.State {
			case StateReady:
				return nil
			case StateError:
				return fmt.Errorf("%w: %s", ErrLoadFailed, status.Error)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// StopModel tells the node agent to tear down the session and unload the
// model. Best-effort: the caller frees the node either way.
func (c *Client) StopModel(ctx context.Context, addr, sessionID string) error {
	return c.postJSON(ctx, addr, "/api/stop_session", map[string]string{"session_id": sessionID}, nil)
}

// Status fetches the agent's current status report.
func (c *Client) Status(ctx context.Context, addr string) (*AgentStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, addr+"/api/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status endpoint returned %d", ErrNodeUnreachable, resp.StatusCode)
	}

	var status AgentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	return &status, nil
}

func (c *Client) postJSON(ctx context.Context, addr, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, addr+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}

	return nil
}
