package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"ai-lightning/internal/bridge"
	"ai-lightning/internal/database"
	"ai-lightning/internal/noderpc"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/internal/registry"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// pushFrame is one outbound websocket message.
type pushFrame struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"session_id,omitempty"`
	NodeID            string  `json:"node_id,omitempty"`
	Token             string  `json:"token,omitempty"`
	IsFinal           bool    `json:"is_final,omitempty"`
	Response          string  `json:"response,omitempty"`
	StreamingComplete bool    `json:"streaming_complete,omitempty"`
	State             string  `json:"state,omitempty"`
	Progress          float64 `json:"progress,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	ExpiresAt         string  `json:"expires_at,omitempty"`
	ChargedSats       int64   `json:"charged_sats,omitempty"`
	RefundSats        int64   `json:"refund_sats,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// inboundFrame is one client websocket message.
type inboundFrame struct {
	Type      string                  `json:"type"` // "start_session", "resume_session", "chat_message", "end_session"
	SessionID string                  `json:"session_id"`
	Messages  []noderpc.ChatMessage   `json:"messages,omitempty"`
	Params    *noderpc.SamplingParams `json:"params,omitempty"`
}

// wsClient is one websocket connection. Writes are serialized through mu:
// the bridge pump, notifier pushes and handler replies share the socket.
type wsClient struct {
	conn   *websocket.Conn
	userID string

	mu sync.Mutex
}

func (c *wsClient) send(frame pushFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, frame)
}

// Hub routes session events to connected clients and relays chat traffic
// into the bridges. Implements the orchestrator and settlement notifier
// interfaces.
type Hub struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	bridges      *bridge.Manager

	mu      sync.RWMutex
	clients map[string]*wsClient // session id -> connection watching it
}

func NewHub(orch *orchestrator.Orchestrator, reg *registry.Registry, bridges *bridge.Manager) *Hub {
	return &Hub{
		orchestrator: orch,
		registry:     reg,
		bridges:      bridges,
		clients:      make(map[string]*wsClient),
	}
}

func (h *Hub) watch(sessionID string, c *wsClient) {
	h.mu.Lock()
	h.clients[sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) unwatch(c *wsClient) {
	h.mu.Lock()
	for id, client := range h.clients {
		if client == c {
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) pushTo(sessionID string, frame pushFrame) {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	frame.SessionID = sessionID
	if err := c.send(frame); err != nil {
		logger.Debug("Push failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ModelStatus implements orchestrator.Notifier.
func (h *Hub) ModelStatus(sessionID, state string, progress float64) {
	h.pushTo(sessionID, pushFrame{Type: "model_status", State: state, Progress: progress})
}

// SessionStarted implements orchestrator.Notifier. A client already watching
// the session gets its bridge opened right away, followed by session_ready.
func (h *Hub) SessionStarted(sessionID string, expiresAt time.Time) {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := h.orchestrator.GetSession(ctx, sessionID, c.userID)
	if err != nil {
		logger.Debug("Started session vanished", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c.send(pushFrame{
		Type:      "session_started",
		SessionID: sessionID,
		NodeID:    session.NodeID,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
	if session.State == database.Active && session.ExpiresAt != nil {
		h.attachBridge(ctx, c, session)
	}
}

// NodeFreed implements settlement.Notifier.
func (h *Hub) NodeFreed(sessionID, nodeID string) {
	h.pushTo(sessionID, pushFrame{Type: "node_freed", NodeID: nodeID})
}

// SessionFailed implements orchestrator.Notifier.
func (h *Hub) SessionFailed(sessionID, reason string) {
	h.pushTo(sessionID, pushFrame{Type: "session_failed", Reason: reason})
}

// SessionSettled implements settlement.Notifier.
func (h *Hub) SessionSettled(sessionID, reason string, chargedSats, refundSats int64) {
	h.pushTo(sessionID, pushFrame{
		Type:        "session_settled",
		Reason:      reason,
		ChargedSats: chargedSats,
		RefundSats:  refundSats,
	})
}

// handleWebsocket upgrades the connection and serves inbound frames until
// the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Debug("Websocket accept failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, userID: claims.UserID}
	defer func() {
		s.hub.unwatch(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		s.hub.handleInbound(ctx, client, frame)
	}
}

func (h *Hub) handleInbound(ctx context.Context, c *wsClient, frame inboundFrame) {
	switch frame.Type {
	case "start_session", "resume_session":
		h.handleAttach(ctx, c, frame.SessionID)

	case "chat_message":
		h.handleChat(c, frame)

	case "end_session":
		if err := h.orchestrator.EndSession(ctx, frame.SessionID, c.userID); err != nil {
			c.send(pushFrame{Type: "error", SessionID: frame.SessionID, Error: err.Error()})
		}

	default:
		c.send(pushFrame{Type: "error", Error: "unknown frame type"})
	}
}

// handleAttach subscribes the connection to the session's events and, when
// the session is already active, opens the inference bridge.
func (h *Hub) handleAttach(ctx context.Context, c *wsClient, sessionID string) {
	session, err := h.orchestrator.GetSession(ctx, sessionID, c.userID)
	if err != nil {
		c.send(pushFrame{Type: "error", SessionID: sessionID, Error: err.Error()})
		return
	}
	if session.State.Terminal() {
		c.send(pushFrame{Type: "error", SessionID: sessionID, Error: "session has ended"})
		return
	}

	h.watch(sessionID, c)

	if session.State == database.Active && session.ExpiresAt != nil {
		c.send(pushFrame{
			Type:      "session_started",
			SessionID: sessionID,
			NodeID:    session.NodeID,
			ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
		})
		h.attachBridge(ctx, c, session)
		return
	}

	c.send(pushFrame{Type: "session_state", SessionID: sessionID, State: session.State.String()})
}

// attachBridge opens the inference bridge for an active session and tells the
// client it can start sending chat messages.
func (h *Hub) attachBridge(ctx context.Context, c *wsClient, session *database.Session) {
	node, err := h.registry.GetNode(ctx, session.NodeID)
	if err != nil {
		c.send(pushFrame{Type: "error", SessionID: session.ID, Error: err.Error()})
		return
	}

	sessionID := session.ID
	writer := func(f bridge.Frame) error {
		return c.send(pushFrame{
			Type:              f.Type,
			SessionID:         sessionID,
			Token:             f.Token,
			IsFinal:           f.IsFinal,
			Response:          f.Response,
			StreamingComplete: f.StreamingComplete,
			Reason:            f.Reason,
			Error:             f.Error,
		})
	}
	h.bridges.Attach(sessionID, node.Address, *session.ExpiresAt, writer)

	c.send(pushFrame{Type: "session_ready", SessionID: sessionID})
}

// handleChat runs one generation. The bridge streams tokens back through the
// connection; the read loop keeps serving control frames meanwhile.
func (h *Hub) handleChat(c *wsClient, frame inboundFrame) {
	b, ok := h.bridges.Get(frame.SessionID)
	if !ok {
		c.send(pushFrame{Type: "error", SessionID: frame.SessionID, Error: "no active bridge, send start_session first"})
		return
	}
	if len(frame.Messages) == 0 {
		c.send(pushFrame{Type: "error", SessionID: frame.SessionID, Error: "messages are required"})
		return
	}

	params := noderpc.DefaultSamplingParams()
	if frame.Params != nil {
		params = *frame.Params
	}

	go func() {
		err := b.Chat(context.Background(), frame.Messages, params)
		switch {
		case err == nil:
		case errors.Is(err, bridge.ErrBusy), errors.Is(err, bridge.ErrClosed):
			// Rejected before the bridge pushed anything; the client
			// must hear why.
			c.send(pushFrame{Type: "error", SessionID: frame.SessionID, Error: err.Error()})
		default:
			// Generation failures already produced an error frame.
			logger.Debug("Chat ended with error",
				zap.String("session_id", frame.SessionID),
				zap.Error(err),
			)
		}
	}()
}
