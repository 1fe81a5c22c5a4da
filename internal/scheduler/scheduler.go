// Package scheduler runs the coordinator's periodic loops: session expiry,
// stale node detection, and Lightning invoice polling. Every action funnels
// through the orchestrator's compare-and-set transitions, so overlapping
// ticks or a second coordinator instance never double-fire an event.
package scheduler

import (
	"context"
	"errors"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/lnd"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/internal/registry"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

// Config carries the loop intervals and the deadlines enforced by the scans.
type Config struct {
	HeartbeatTimeout time.Duration
	HeartbeatPoll    time.Duration
	InvoicePoll      time.Duration
	StartingDeadline time.Duration
	DownloadDeadline time.Duration
	PendingDeadline  time.Duration
}

type Scheduler struct {
	cfg          Config
	orchestrator *orchestrator.Orchestrator
	sessions     *database.SessionRepository
	invoices     *database.InvoiceRepository
	registry     *registry.Registry
	lightning    lnd.LightningClient
}

func New(cfg Config, orch *orchestrator.Orchestrator, sessions *database.SessionRepository, invoices *database.InvoiceRepository, reg *registry.Registry, lightning lnd.LightningClient) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orch,
		sessions:     sessions,
		invoices:     invoices,
		registry:     reg,
		lightning:    lightning,
	}
}

// Run starts the loops and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, s.cfg.HeartbeatPoll, s.expiryTick)
	go s.loop(ctx, s.cfg.HeartbeatPoll, s.staleNodeTick)
	go s.loop(ctx, s.cfg.InvoicePoll, s.invoiceTick)

	logger.Info("Scheduler started",
		zap.Duration("heartbeat_poll", s.cfg.HeartbeatPoll),
		zap.Duration("invoice_poll", s.cfg.InvoicePoll),
	)
	<-ctx.Done()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// expiryTick closes active sessions past their expiry and refunds starting
// sessions whose load deadline passed. The deadline scan is the safety net
// for load goroutines lost to a coordinator restart.
func (s *Scheduler) expiryTick(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.sessions.ListExpiredActive(ctx, now)
	if err != nil {
		logger.Error("Expiry scan failed", zap.Error(err))
	} else {
		for _, session := range expired {
			s.orchestrator.SessionExpired(ctx, session.ID)
		}
	}

	starting, err := s.sessions.ListByState(ctx, database.Starting)
	if err != nil {
		logger.Error("Starting-deadline scan failed", zap.Error(err))
		return
	}
	for _, session := range starting {
		if session.PaidAt == nil {
			continue
		}
		deadline := s.cfg.StartingDeadline
		if session.HFRepo != nil {
			deadline = s.cfg.DownloadDeadline
		}
		if now.After(session.PaidAt.Add(deadline)) {
			logger.Warn("Model load deadline exceeded",
				zap.String("session_id", session.ID),
				zap.String("node_id", session.NodeID),
			)
			s.orchestrator.NodeLoadFailed(ctx, session.ID, "load deadline exceeded")
		}
	}

	s.pendingWalletScan(ctx, now)
}

// pendingWalletScan cancels wallet purchases never paid within the pending
// deadline, freeing the node they hold. Lightning purchases are not scanned
// here: their invoice's expiry cancels them through the invoice poll.
func (s *Scheduler) pendingWalletScan(ctx context.Context, now time.Time) {
	pending, err := s.sessions.ListByState(ctx, database.PendingPayment)
	if err != nil {
		logger.Error("Pending-payment scan failed", zap.Error(err))
		return
	}

	for _, session := range pending {
		if session.PaymentMethod != database.PayWallet {
			continue
		}
		if !now.After(session.CreatedAt.Add(s.cfg.PendingDeadline)) {
			continue
		}

		logger.Info("Abandoned wallet purchase cancelled",
			zap.String("session_id", session.ID),
			zap.String("node_id", session.NodeID),
		)
		err := s.orchestrator.CancelPending(ctx, session.ID)
		if err != nil && !errors.Is(err, orchestrator.ErrWrongState) {
			logger.Warn("Failed to cancel abandoned purchase",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
		}
	}
}

// staleNodeTick pushes silent nodes offline and fails the sessions they held.
func (s *Scheduler) staleNodeTick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.HeartbeatTimeout)

	stale, err := s.registry.MarkStale(ctx, cutoff)
	if err != nil {
		logger.Error("Stale node sweep failed", zap.Error(err))
		return
	}

	for _, n := range stale {
		logger.Warn("Node went offline", zap.String("node_id", n.NodeID))
		if n.SessionID != nil {
			s.orchestrator.NodeFailed(ctx, *n.SessionID)
		}
	}
}

// invoiceTick reconciles pending invoices against the Lightning daemon.
// A settled invoice kicks its purpose forward; a cancelled or overdue one is
// expired, which for session invoices also frees the reserved node.
func (s *Scheduler) invoiceTick(ctx context.Context) {
	pending, err := s.invoices.ListPending(ctx)
	if err != nil {
		logger.Error("Invoice poll failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, inv := range pending {
		status, err := s.lightning.LookupInvoice(ctx, inv.PaymentHash)
		if err != nil {
			logger.Warn("Invoice lookup failed",
				zap.String("payment_hash", inv.PaymentHash),
				zap.Error(err),
			)
			continue
		}

		switch {
		case status.State == lnd.InvoiceSettled:
			if err := s.orchestrator.InvoiceSettled(ctx, inv.PaymentHash); err != nil {
				logger.Error("Failed to process settled invoice",
					zap.String("payment_hash", inv.PaymentHash),
					zap.Error(err),
				)
			}

		case status.State == lnd.InvoiceCanceled, now.After(inv.ExpiresAt):
			s.expireInvoice(ctx, inv)
		}
	}
}

func (s *Scheduler) expireInvoice(ctx context.Context, inv *database.Invoice) {
	won, err := s.invoices.MarkExpired(ctx, inv.PaymentHash)
	if err != nil {
		logger.Error("Failed to expire invoice", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
		return
	}
	if !won {
		return
	}

	logger.Info("Invoice expired",
		zap.String("payment_hash", inv.PaymentHash),
		zap.String("purpose", inv.Purpose.String()),
	)

	if inv.Purpose == database.PurposeSession {
		if err := s.orchestrator.CancelPending(ctx, inv.RelatedID); err != nil {
			logger.Warn("Failed to cancel session for expired invoice",
				zap.String("session_id", inv.RelatedID),
				zap.Error(err),
			)
		}
	}
}
