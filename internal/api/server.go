// Package api is the coordinator's HTTP surface: a chi REST API for
// accounts, nodes, sessions and the wallet, plus a websocket channel for
// live inference traffic.
package api

import (
	"context"
	"net/http"
	"time"

	"ai-lightning/internal/auth"
	"ai-lightning/internal/bridge"
	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/lnd"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/internal/registry"
	"ai-lightning/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server wires the HTTP surface to the domain services.
type Server struct {
	auth         *auth.Service
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	ledger       *ledger.Service
	bridges      *bridge.Manager
	lightning    lnd.LightningClient
	invoices     *database.InvoiceRepository
	hub          *Hub

	httpServer *http.Server
}

func NewServer(
	addr string,
	authSvc *auth.Service,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	ldg *ledger.Service,
	bridges *bridge.Manager,
	lightning lnd.LightningClient,
	invoices *database.InvoiceRepository,
) *Server {
	s := &Server{
		auth:         authSvc,
		orchestrator: orch,
		registry:     reg,
		ledger:       ldg,
		bridges:      bridges,
		lightning:    lightning,
		invoices:     invoices,
	}
	s.hub = NewHub(orch, reg, bridges)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the websocket hub, which implements the orchestrator and
// settlement notifier interfaces.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// The push channel stays open for the session's lifetime, so it
		// is mounted outside the per-request timeout.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/ws", s.handleWebsocket)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/health", s.handleHealth)
			r.With(s.rateLimit("register", 5)).Post("/register", s.handleRegister)
			r.With(s.rateLimit("login", 10)).Post("/login", s.handleLogin)
			r.Get("/models/available", s.handleModelsAvailable)
			r.Get("/nodes/online", s.handleNodesOnline)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)

				r.Get("/me", s.handleMe)
				r.Post("/register_node", s.handleRegisterNode)
				r.Post("/node_heartbeat", s.handleNodeHeartbeat)

				r.With(s.rateLimit("new_session", 20)).Post("/new_session", s.handleNewSession)
				r.Get("/sessions", s.handleListSessions)
				r.Get("/session/{id}", s.handleGetSession)
				r.Get("/session/{id}/check_payment", s.handleCheckPayment)
				r.Post("/session/{id}/end", s.handleEndSession)
				r.Post("/session/{id}/cancel", s.handleCancelSession)

				r.Post("/wallet/deposit", s.handleWalletDeposit)
				r.Get("/wallet/deposit/check/{payment_hash}", s.handleWalletCheck)
				r.Post("/wallet/pay_session", s.handleWalletPaySession)
				r.Get("/wallet/transactions", s.handleWalletTransactions)
				r.Post("/withdraw", s.handleWithdraw)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAdmin)
					r.Get("/admin/nodes", s.handleAdminNodes)
				})
			})
		})
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info, err := s.lightning.GetInfo(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"lnd":    "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"lnd_synced":      info.SyncedToChain,
		"lnd_block_height": info.BlockHeight,
	})
}
