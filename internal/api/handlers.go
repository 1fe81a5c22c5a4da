package api

import (
	"net/http"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/internal/registry"

	"github.com/go-chi/chi/v5"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	token, err := s.auth.IssueToken(user)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	user, err := s.auth.GetUser(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// availableModel is one model offer aggregated across the online fleet.
type availableModel struct {
	Model database.ModelDescriptor `json:"model"`
	Nodes []modelOffer             `json:"nodes"`
}

type modelOffer struct {
	NodeID             string     `json:"node_id"`
	NodeName           string     `json:"node_name"`
	PricePerMinuteSats int64      `json:"price_per_minute_sats"`
	BusyUntil          *time.Time `json:"busy_until,omitempty"`
}

// aggregateModels groups node offers by model, preserving fleet order.
func aggregateModels(offers []modelOffer, modelsOf func(i int) []database.ModelDescriptor) []*availableModel {
	byModel := make(map[string]*availableModel)
	order := make([]string, 0)
	for i, offer := range offers {
		for _, m := range modelsOf(i) {
			entry, ok := byModel[m.ID]
			if !ok {
				entry = &availableModel{Model: m}
				byModel[m.ID] = entry
				order = append(order, m.ID)
			}
			entry.Nodes = append(entry.Nodes, offer)
		}
	}

	models := make([]*availableModel, 0, len(order))
	for _, id := range order {
		models = append(models, byModel[id])
	}
	return models
}

func (s *Server) handleModelsAvailable(w http.ResponseWriter, r *http.Request) {
	idle, busy, err := s.registry.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	idleOffers := make([]modelOffer, len(idle))
	for i, node := range idle {
		idleOffers[i] = modelOffer{
			NodeID:             node.ID,
			NodeName:           node.Name,
			PricePerMinuteSats: node.PricePerMinuteSats,
		}
	}
	busyOffers := make([]modelOffer, len(busy))
	for i, b := range busy {
		busyOffers[i] = modelOffer{
			NodeID:             b.Node.ID,
			NodeName:           b.Node.Name,
			PricePerMinuteSats: b.Node.PricePerMinuteSats,
			BusyUntil:          b.BusyUntil,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models":             aggregateModels(idleOffers, func(i int) []database.ModelDescriptor { return idle[i].Models }),
		"busy_models":        aggregateModels(busyOffers, func(i int) []database.ModelDescriptor { return busy[i].Node.Models }),
		"total_nodes_online": len(idle) + len(busy),
	})
}

func (s *Server) handleNodesOnline(w http.ResponseWriter, r *http.Request) {
	idle, busy, err := s.registry.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":              idle,
		"busy_nodes":         busy,
		"total_nodes_online": len(idle) + len(busy),
	})
}

type registerNodeRequest struct {
	Name               string                     `json:"name"`
	Address            string                     `json:"address"`
	Hardware           database.Hardware          `json:"hardware"`
	Models             []database.ModelDescriptor `json:"models"`
	PricePerMinuteSats int64                      `json:"price_per_minute_sats"`
	PaymentAddress     *string                    `json:"payment_address,omitempty"`
	Fingerprint        string                     `json:"hardware_fingerprint"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims := claimsFrom(r)
	node, err := s.registry.Register(r.Context(), registry.RegisterRequest{
		Name:               req.Name,
		OwnerUserID:        claims.UserID,
		Address:            req.Address,
		Hardware:           req.Hardware,
		Models:             req.Models,
		PricePerMinuteSats: req.PricePerMinuteSats,
		PaymentAddress:     req.PaymentAddress,
		Fingerprint:        req.Fingerprint,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"node":                  node,
		"registration_fee_sats": s.registry.RegistrationFeeSats(),
	})
}

type heartbeatRequest struct {
	NodeID   string                     `json:"node_id"`
	Load     int                        `json:"load"`
	Hardware database.Hardware          `json:"hardware"`
	Models   []database.ModelDescriptor `json:"models"`
}

func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims := claimsFrom(r)
	node, err := s.registry.GetNode(r.Context(), req.NodeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if node.OwnerUserID != claims.UserID {
		writeError(w, http.StatusForbidden, "node belongs to another user")
		return
	}

	if err := s.registry.Heartbeat(r.Context(), req.NodeID, req.Load, req.Hardware, req.Models); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type newSessionRequest struct {
	NodeID        string  `json:"node_id"`
	ModelID       string  `json:"model_id"`
	HFRepo        *string `json:"hf_repo,omitempty"`
	ContextLength int     `json:"context_length"`
	Minutes       int     `json:"minutes"`
	PaymentMethod string  `json:"payment_method"`
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims := claimsFrom(r)
	result, err := s.orchestrator.NewSession(r.Context(), orchestrator.NewSessionRequest{
		UserID:        claims.UserID,
		NodeID:        req.NodeID,
		ModelID:       req.ModelID,
		HFRepo:        req.HFRepo,
		ContextLength: req.ContextLength,
		Minutes:       req.Minutes,
		PaymentMethod: database.ParsePaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := map[string]any{"session": result.Session}
	if result.Invoice != nil {
		resp["invoice"] = map[string]any{
			"payment_hash": result.Invoice.PaymentHash,
			"bolt11":       result.Invoice.Bolt11,
			"amount_sats":  result.Invoice.AmountSats,
			"expires_at":   result.Invoice.ExpiresAt,
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	sessions, err := s.orchestrator.ListUserSessions(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	session, err := s.orchestrator.GetSession(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCheckPayment(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	session, err := s.orchestrator.CheckPayment(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"state":      session.State.String(),
		"paid":       session.PaidAt != nil,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	sessionID := chi.URLParam(r, "id")

	if err := s.orchestrator.EndSession(r.Context(), sessionID, claims.UserID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "settling"})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	sessionID := chi.URLParam(r, "id")

	session, err := s.orchestrator.GetSession(r.Context(), sessionID, claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if session.State != database.PendingPayment {
		writeServiceError(w, orchestrator.ErrWrongState)
		return
	}

	if err := s.orchestrator.CancelPending(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleAdminNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.ListNodes(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}
