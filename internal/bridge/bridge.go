// Package bridge relays inference between a connected client and the node
// agent serving its session. One bridge per session, one generation in flight
// at a time. Outbound frames go through a bounded buffer: a client that
// cannot keep up cancels its own generation instead of stalling the node.
package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ai-lightning/internal/noderpc"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when a generation is already in flight
	ErrBusy = errors.New("generation already in progress")
	// ErrBackpressure is returned when the client cannot drain tokens fast enough
	ErrBackpressure = errors.New("client too slow, generation cancelled")
	// ErrClosed is returned when the bridge has been torn down
	ErrClosed = errors.New("bridge closed")
	// ErrIdleTimeout is returned when the node produced no token for too long
	ErrIdleTimeout = errors.New("generation idle timeout")
)

const frameBufferSize = 256

// Frame is one outbound message to the session client.
type Frame struct {
	Type              string `json:"type"` // "ai_token", "ai_response", "error", "session_ended"
	Token             string `json:"token,omitempty"`
	IsFinal           bool   `json:"is_final,omitempty"`
	Response          string `json:"response,omitempty"`
	StreamingComplete bool   `json:"streaming_complete,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Error             string `json:"error,omitempty"`
}

// FrameWriter delivers one frame to the client. Called from the bridge's pump
// goroutine only; an error tears the bridge down.
type FrameWriter func(Frame) error

// Manager owns the live bridges, keyed by session id.
type Manager struct {
	nodeRPC     *noderpc.Client
	idleTimeout time.Duration

	mu      sync.Mutex
	bridges map[string]*Bridge
}

func NewManager(nodeRPC *noderpc.Client, idleTimeout time.Duration) *Manager {
	return &Manager{
		nodeRPC:     nodeRPC,
		idleTimeout: idleTimeout,
		bridges:     make(map[string]*Bridge),
	}
}

// Attach opens a bridge for the session, replacing any previous one (a
// resumed session closes the stale bridge first).
func (m *Manager) Attach(sessionID, nodeAddr string, expiresAt time.Time, w FrameWriter) *Bridge {
	b := &Bridge{
		manager:   m,
		sessionID: sessionID,
		nodeAddr:  nodeAddr,
		expiresAt: expiresAt,
		frames:    make(chan Frame, frameBufferSize),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.bridges[sessionID]; ok {
		old.close("replaced by new connection")
	}
	m.bridges[sessionID] = b
	m.mu.Unlock()

	go b.pump(w)
	return b
}

// Get returns the live bridge for a session, if any.
func (m *Manager) Get(sessionID string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[sessionID]
	return b, ok
}

// CloseSession tears down the session's bridge and cancels any in-flight
// generation. A no-op when no bridge is attached.
func (m *Manager) CloseSession(sessionID, reason string) {
	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	m.mu.Unlock()
	if ok {
		b.close(reason)
	}
}

func (m *Manager) remove(b *Bridge) {
	m.mu.Lock()
	if m.bridges[b.sessionID] == b {
		delete(m.bridges, b.sessionID)
	}
	m.mu.Unlock()
}

// Bridge relays one session's inference traffic.
type Bridge struct {
	manager   *Manager
	sessionID string
	nodeAddr  string
	expiresAt time.Time
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	inflight  bool
	cancelGen context.CancelFunc
}

// pump drains the frame buffer to the client until the bridge closes.
func (b *Bridge) pump(w FrameWriter) {
	for {
		select {
		case <-b.done:
			// Drain what the writer can still take, best-effort.
			for {
				select {
				case f := <-b.frames:
					if w(f) != nil {
						return
					}
				default:
					return
				}
			}
		case f := <-b.frames:
			if err := w(f); err != nil {
				logger.Debug("Frame write failed, closing bridge",
					zap.String("session_id", b.sessionID),
					zap.Error(err),
				)
				b.close("write failed")
				return
			}
		}
	}
}

// push queues a frame without blocking. Reports false when the buffer is full.
func (b *Bridge) push(f Frame) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.frames <- f:
		return true
	default:
		return false
	}
}

// Chat runs one generation against the node agent, streaming tokens to the
// client. Only one generation runs at a time; the call fails fast with
// ErrBusy otherwise. The generation is bounded by the session expiry and by
// the token idle timeout, and dies with ErrBackpressure if the client lets
// the frame buffer fill up.
func (b *Bridge) Chat(ctx context.Context, messages []noderpc.ChatMessage, params noderpc.SamplingParams) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	b.mu.Lock()
	if b.inflight {
		b.mu.Unlock()
		return ErrBusy
	}
	b.inflight = true

	genCtx, cancel := context.WithDeadline(ctx, b.expiresAt)
	b.cancelGen = cancel
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		b.inflight = false
		b.cancelGen = nil
		b.mu.Unlock()
	}()

	// The idle watchdog cancels the generation when the node stops
	// producing tokens; every token pushes the deadline out again.
	idle := b.manager.idleTimeout
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(idle, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	var backpressure bool
	var full strings.Builder
	onToken := func(token string) error {
		watchdog.Reset(idle)
		full.WriteString(token)
		if !b.push(Frame{Type: "ai_token", Token: token}) {
			backpressure = true
			return ErrBackpressure
		}
		return nil
	}

	req := noderpc.GenerateRequest{
		SessionID: b.sessionID,
		Messages:  messages,
		Params:    params,
	}

	err := b.manager.nodeRPC.Generate(genCtx, b.nodeAddr, req, onToken)
	if err != nil {
		switch {
		case backpressure:
			b.close("backpressure")
			return ErrBackpressure
		case timedOut.Load():
			b.push(Frame{Type: "error", Error: ErrIdleTimeout.Error()})
			return ErrIdleTimeout
		case genCtx.Err() != nil:
			return genCtx.Err()
		default:
			b.push(Frame{Type: "error", Error: err.Error()})
			return err
		}
	}

	// Terminal token marker, then the whole response so a client that
	// dropped a token render can recover from it.
	b.push(Frame{Type: "ai_token", IsFinal: true})
	b.push(Frame{Type: "ai_response", Response: full.String(), StreamingComplete: true})
	return nil
}

// close shuts the bridge down exactly once: cancels any generation, emits a
// final frame, and detaches from the manager.
func (b *Bridge) close(reason string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.cancelGen != nil {
			b.cancelGen()
		}
		b.mu.Unlock()

		b.push(Frame{Type: "session_ended", Reason: reason})
		close(b.done)
		b.manager.remove(b)

		logger.Debug("Bridge closed",
			zap.String("session_id", b.sessionID),
			zap.String("reason", reason),
		)
	})
}

// Close tears the bridge down from the client side.
func (b *Bridge) Close() {
	b.close("client disconnected")
}
