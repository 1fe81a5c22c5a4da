package noderpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SamplingParams are the llama.cpp sampling knobs the node agent passes
// through to its inference backend. Zero values are replaced by the backend
// defaults via DefaultSamplingParams.
type SamplingParams struct {
	Temperature    float64  `json:"temperature"`
	TopK           int      `json:"top_k"`
	TopP           float64  `json:"top_p"`
	MinP           float64  `json:"min_p"`
	TypicalP       float64  `json:"typical_p"`
	RepeatPenalty  float64  `json:"repeat_penalty"`
	RepeatLastN    int      `json:"repeat_last_n"`
	XTCThreshold   float64  `json:"xtc_threshold"`
	XTCProbability float64  `json:"xtc_probability"`
	DryMultiplier  float64  `json:"dry_multiplier"`
	DryBase        float64  `json:"dry_base"`
	DryAllowedLen  int      `json:"dry_allowed_length"`
	DryPenaltyLast int      `json:"dry_penalty_last_n"`
	Samplers       []string `json:"samplers,omitempty"`
	Seed           int64    `json:"seed"`
	MaxTokens      int      `json:"max_tokens"`
}

// DefaultSamplingParams mirrors the llama.cpp server defaults.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:    0.7,
		TopK:           40,
		TopP:           0.95,
		MinP:           0.05,
		TypicalP:       1.0,
		RepeatPenalty:  1.0,
		RepeatLastN:    64,
		XTCThreshold:   0.1,
		XTCProbability: 0.5,
		DryMultiplier:  0,
		DryBase:        1.75,
		DryAllowedLen:  2,
		DryPenaltyLast: -1,
		Seed:           -1,
		MaxTokens:      2048,
	}
}

// GenerateRequest is one chat completion request to the node agent.
type GenerateRequest struct {
	SessionID string         `json:"session_id"`
	Messages  []ChatMessage  `json:"messages"`
	Params    SamplingParams `json:"params"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// tokenEvent is one SSE data frame from the agent's generate stream.
type tokenEvent struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// TokenFn receives each generated token fragment. Returning an error cancels
// the stream.
type TokenFn func(token string) error

// Generate streams a completion from the node agent. The agent relays
// llama.cpp server-sent events: lines of the form "data: {json}", terminated
// by a frame with stop=true. The context carries the caller's idle and
// session deadlines; cancelling it aborts the stream mid-generation.
func (c *Client) Generate(ctx context.Context, addr string, req GenerateRequest, onToken TokenFn) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: generate returned %d: %s", ErrGenerationFailed, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	// Token frames are small but a long prompt echo can exceed the default
	// 64KiB line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev tokenEvent
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			return fmt.Errorf("%w: malformed stream frame: %v", ErrGenerationFailed, err)
		}

		if ev.Content != "" {
			if err := onToken(ev.Content); err != nil {
				return err
			}
		}

		if ev.Stop {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: stream read error: %v", ErrGenerationFailed, err)
	}

	// Stream closed without a stop frame: the agent died mid-generation.
	return fmt.Errorf("%w: stream ended without stop frame", ErrGenerationFailed)
}
