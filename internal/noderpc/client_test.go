package noderpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ai-lightning/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		json.NewEncoder(w).Encode(AgentStatus{State: StateReady, ModelID: "llama-3.1-8b-q4"})
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)
	status, err := client.Status(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, StateReady, status.State)
	assert.Equal(t, "llama-3.1-8b-q4", status.ModelID)
}

func TestClient_Status_Unreachable(t *testing.T) {
	client := NewClient(10 * time.Millisecond)
	_, err := client.Status(context.Background(), "http://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrNodeUnreachable)
}

func TestClient_LoadModel_Success(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start_session":
			var req LoadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "sess-1", req.SessionID)
			w.WriteHeader(http.StatusOK)
		case "/api/status":
			// Two loading polls, then ready.
			state := StateLoading
			if polls.Add(1) >= 3 {
				state = StateReady
			}
			json.NewEncoder(w).Encode(AgentStatus{State: state, Progress: 0.5})
		}
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)

	var states []string
	statusFn := func(state string, progress float64) {
		states = append(states, state)
	}

	req := LoadRequest{SessionID: "sess-1", ModelID: "llama-3.1-8b-q4", ContextLength: 4096}
	err := client.LoadModel(context.Background(), server.URL, req, time.Now().Add(5*time.Second), statusFn)
	require.NoError(t, err)
	assert.Equal(t, []string{StateLoading, StateReady}, states)
}

func TestClient_LoadModel_AgentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start_session":
			w.WriteHeader(http.StatusOK)
		case "/api/status":
			json.NewEncoder(w).Encode(AgentStatus{State: StateError, Error: "out of VRAM"})
		}
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)
	req := LoadRequest{SessionID: "sess-1", ModelID: "llama-70b"}
	err := client.LoadModel(context.Background(), server.URL, req, time.Now().Add(5*time.Second), nil)
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Contains(t, err.Error(), "out of VRAM")
}

func TestClient_LoadModel_Deadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start_session":
			w.WriteHeader(http.StatusOK)
		case "/api/status":
			json.NewEncoder(w).Encode(AgentStatus{State: StateDownloading, Progress: 0.1})
		}
	}))
	defer server.Close()

	client := NewClient(5 * time.Millisecond)
	req := LoadRequest{SessionID: "sess-1", ModelID: "llama-3.1-8b-q4"}
	err := client.LoadModel(context.Background(), server.URL, req, time.Now().Add(30*time.Millisecond), nil)
	assert.ErrorIs(t, err, ErrLoadDeadline)
}

func TestClient_StopModel(t *testing.T) {
	var stopped atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stop_session", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess-1", body["session_id"])
		stopped.Store(true)
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)
	require.NoError(t, client.StopModel(context.Background(), server.URL, "sess-1"))
	assert.True(t, stopped.Load())
}

func TestClient_Generate_StreamsTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 0.7, req.Params.Temperature)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Hello", ", ", "world"} {
			fmt.Fprintf(w, "data: %s\n\n", mustJSON(t, tokenEvent{Content: tok}))
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: %s\n\n", mustJSON(t, tokenEvent{Stop: true}))
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)

	var got string
	req := GenerateRequest{
		SessionID: "sess-1",
		Messages:  []ChatMessage{{Role: "user", Content: "hi"}},
		Params:    DefaultSamplingParams(),
	}
	err := client.Generate(context.Background(), server.URL, req, func(token string) error {
		got += token
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", got)
}

func TestClient_Generate_NoStopFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", mustJSON(t, tokenEvent{Content: "partial"}))
		// Connection closes without a stop frame.
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)
	req := GenerateRequest{SessionID: "sess-1", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	err := client.Generate(context.Background(), server.URL, req, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestClient_Generate_CallbackCancels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: %s\n\n", mustJSON(t, tokenEvent{Content: "x"}))
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: %s\n\n", mustJSON(t, tokenEvent{Stop: true}))
	}))
	defer server.Close()

	client := NewClient(10 * time.Millisecond)
	wantErr := fmt.Errorf("client gone")

	count := 0
	req := GenerateRequest{SessionID: "sess-1", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	err := client.Generate(context.Background(), server.URL, req, func(string) error {
		count++
		if count >= 3 {
			return wantErr
		}
		return nil
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, count)
}

func TestDefaultSamplingParams(t *testing.T) {
	p := DefaultSamplingParams()
	assert.Equal(t, 0.7, p.Temperature)
	assert.Equal(t, 40, p.TopK)
	assert.Equal(t, 0.95, p.TopP)
	assert.Equal(t, 0.05, p.MinP)
	assert.Equal(t, 1.0, p.TypicalP)
	assert.Equal(t, 64, p.RepeatLastN)
	assert.Equal(t, int64(-1), p.Seed)
	assert.Equal(t, 2048, p.MaxTokens)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
