// Package orchestrator drives the session lifecycle: purchase, payment,
// model load, activation, and the handoff to settlement. State lives in the
// sessions table; every transition is a compare-and-set there, so concurrent
// observers of the same event (two payment polls, an end racing an expiry)
// agree on a single winner.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/lnd"
	"ai-lightning/internal/noderpc"
	"ai-lightning/internal/registry"
	"ai-lightning/internal/settlement"
	"ai-lightning/pkg/logger"
	"ai-lightning/pkg/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidMinutes is returned when the purchase is outside the allowed range
	ErrInvalidMinutes = errors.New("minutes outside allowed range")
	// ErrModelUnsupported is returned when the node does not offer the model
	ErrModelUnsupported = errors.New("node does not support the requested model")
	// ErrWrongState is returned when the session is not in a state that allows the operation
	ErrWrongState = errors.New("session is not in a valid state for this operation")
	// ErrForbidden is returned when a user operates on a session they do not own
	ErrForbidden = errors.New("session belongs to another user")
	// ErrInsufficientBalance is returned when a wallet purchase exceeds the balance
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
)

// Notifier pushes session events to a connected client. Implemented by the
// websocket hub.
type Notifier interface {
	ModelStatus(sessionID, state string, progress float64)
	SessionStarted(sessionID string, expiresAt time.Time)
	SessionFailed(sessionID, reason string)
}

// SessionCloser tears down any live inference bridge for a session.
// Implemented by the bridge manager.
type SessionCloser interface {
	CloseSession(sessionID, reason string)
}

// Pricing carries the purchase rules.
type Pricing struct {
	CommissionRate float64
	MinMinutes     int
	MaxMinutes     int
}

// Deadlines carries the model load time limits.
type Deadlines struct {
	Starting time.Duration // model already on disk
	Download time.Duration // model must be fetched from the hub first
}

// Orchestrator coordinates repositories, the node fleet, the ledger and the
// Lightning daemon for the session lifecycle.
type Orchestrator struct {
	sessions  *database.SessionRepository
	invoices  *database.InvoiceRepository
	registry  *registry.Registry
	ledger    *ledger.Service
	lightning lnd.LightningClient
	nodeRPC   *noderpc.Client
	queue     *queue.StreamQueue
	pricing   Pricing
	deadlines Deadlines
	notifier  Notifier
	closer    SessionCloser

	// locks serializes the stop-and-settle sequence per session so an end
	// racing an expiry does not stop the node agent twice.
	locks sync.Map
}

func New(
	sessions *database.SessionRepository,
	invoices *database.InvoiceRepository,
	reg *registry.Registry,
	ldg *ledger.Service,
	lightning lnd.LightningClient,
	nodeRPC *noderpc.Client,
	q *queue.StreamQueue,
	pricing Pricing,
	deadlines Deadlines,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		invoices:  invoices,
		registry:  reg,
		ledger:    ldg,
		lightning: lightning,
		nodeRPC:   nodeRPC,
		queue:     q,
		pricing:   pricing,
		deadlines: deadlines,
	}
}

// SetNotifier wires the push channel. Must be called before serving traffic.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// SetCloser wires the bridge teardown hook. Must be called before serving
// traffic.
func (o *Orchestrator) SetCloser(c SessionCloser) { o.closer = c }

func (o *Orchestrator) lock(sessionID string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// NewSessionRequest is a purchase request for node time.
type NewSessionRequest struct {
	UserID        string
	NodeID        string
	ModelID       string
	HFRepo        *string
	ContextLength int
	Minutes       int
	PaymentMethod database.PaymentMethod
}

// NewSessionResult is the created session plus, for Lightning purchases, the
// invoice to pay.
type NewSessionResult struct {
	Session *database.Session
	Invoice *database.Invoice
}

// NewSession validates the purchase, reserves the node exclusively, and
// creates the session in pending_payment. For Lightning the invoice is
// registered with LND; for wallet purchases the balance is pre-checked (the
// actual debit happens at pay time under the ledger's row lock).
func (o *Orchestrator) NewSession(ctx context.Context, req NewSessionRequest) (*NewSessionResult, error) {
	if req.Minutes < o.pricing.MinMinutes || req.Minutes > o.pricing.MaxMinutes {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidMinutes, req.Minutes, o.pricing.MinMinutes, o.pricing.MaxMinutes)
	}

	node, err := o.registry.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}

	if req.ContextLength <= 0 {
		req.ContextLength = 4096
	}
	if !node.SupportsModel(req.ModelID, req.ContextLength) && req.HFRepo == nil {
		return nil, ErrModelUnsupported
	}

	amount := int64(req.Minutes) * node.PricePerMinuteSats
	sessionID := uuid.New().String()

	if req.PaymentMethod == database.PayWallet {
		balance, err := o.ledger.GetBalance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if balance < amount {
			return nil, ErrInsufficientBalance
		}
	}

	if err := o.registry.TryReserve(ctx, req.NodeID, sessionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &database.Session{
		ID:               sessionID,
		UserID:           req.UserID,
		NodeID:           req.NodeID,
		ModelID:          req.ModelID,
		HFRepo:           req.HFRepo,
		ContextLength:    req.ContextLength,
		MinutesPurchased: req.Minutes,
		AmountSats:       amount,
		State:            database.PendingPayment,
		PaymentMethod:    req.PaymentMethod,
		CreatedAt:        now,
	}

	var invoice *database.Invoice
	if req.PaymentMethod == database.PayLightning {
		memo := fmt.Sprintf("%d minutes on %s (%s)", req.Minutes, node.Name, req.ModelID)
		created, err := o.lightning.CreateInvoice(ctx, amount, memo)
		if err != nil {
			o.releaseQuietly(ctx, req.NodeID, sessionID)
			return nil, fmt.Errorf("failed to create invoice: %w", err)
		}

		invoice = &database.Invoice{
			PaymentHash: created.PaymentHash,
			Bolt11:      created.Bolt11,
			AmountSats:  amount,
			Purpose:     database.PurposeSession,
			RelatedID:   sessionID,
			UserID:      req.UserID,
			Status:      database.InvoicePending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Duration(created.Expiry) * time.Second),
		}
		session.PaymentReference = &created.PaymentHash

		if err := o.invoices.Create(ctx, invoice); err != nil {
			o.releaseQuietly(ctx, req.NodeID, sessionID)
			return nil, err
		}
	}

	if err := o.sessions.Create(ctx, session); err != nil {
		o.releaseQuietly(ctx, req.NodeID, sessionID)
		return nil, err
	}

	logger.Info("Session created",
		zap.String("session_id", sessionID),
		zap.String("node_id", req.NodeID),
		zap.String("model_id", req.ModelID),
		zap.Int("minutes", req.Minutes),
		zap.Int64("amount_sats", amount),
		zap.String("payment_method", req.PaymentMethod.String()),
	)
	return &NewSessionResult{Session: session, Invoice: invoice}, nil
}

func (o *Orchestrator) releaseQuietly(ctx context.Context, nodeID, sessionID string) {
	if err := o.registry.Release(ctx, nodeID, sessionID); err != nil {
		logger.Error("Failed to release node after aborted purchase",
			zap.String("node_id", nodeID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// PayFromWallet settles a wallet-method session from the user's balance. The
// full amount moves to the house account as escrow; settlement distributes it
// when the session ends.
func (o *Orchestrator) PayFromWallet(ctx context.Context, sessionID, userID string) (*database.Session, error) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}
	if session.State != database.PendingPayment || session.PaymentMethod != database.PayWallet {
		return nil, ErrWrongState
	}

	// Claim the transition before touching money: of two concurrent pay
	// calls only the CAS winner debits, the loser moves nothing.
	won, err := o.sessions.MarkPaid(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrWrongState
	}

	desc := fmt.Sprintf("Escrow for session %s", sessionID)
	err = o.ledger.Transfer(ctx, userID, o.ledger.HouseUserID(), session.AmountSats, 0,
		database.TxSessionPayment, database.TxDeposit, desc, &sessionID)
	if err != nil {
		// The debit never happened; hand the claim back so the session
		// stays payable.
		if _, rerr := o.sessions.MarkUnpaid(ctx, sessionID); rerr != nil {
			logger.Error("CRITICAL: failed to revert unpaid wallet claim",
				zap.String("session_id", sessionID),
				zap.Error(rerr),
			)
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	session, err = o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	logger.Info("Session paid", zap.String("session_id", sessionID))
	go o.startLoad(session)
	return session, nil
}

// InvoiceSettled handles a Lightning settlement observed for one of our
// invoices. The invoice pending -> paid CAS deduplicates; the winner credits
// the money and, for session invoices, kicks the session forward.
func (o *Orchestrator) InvoiceSettled(ctx context.Context, paymentHash string) error {
	invoice, err := o.invoices.GetByHash(ctx, paymentHash)
	if err != nil {
		return err
	}

	won, err := o.invoices.MarkPaid(ctx, paymentHash, time.Now().UTC())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	switch invoice.Purpose {
	case database.PurposeDeposit:
		desc := "Lightning deposit"
		if err := o.ledger.Credit(ctx, invoice.UserID, invoice.AmountSats, database.TxDeposit, desc, nil); err != nil {
			logger.Error("CRITICAL: deposit invoice paid but credit failed",
				zap.String("payment_hash", paymentHash),
				zap.Error(err),
			)
			return err
		}
		logger.Info("Deposit credited",
			zap.String("user_id", invoice.UserID),
			zap.Int64("amount_sats", invoice.AmountSats),
		)
		return nil

	case database.PurposeSession:
		desc := fmt.Sprintf("Escrow for session %s", invoice.RelatedID)
		if err := o.ledger.Credit(ctx, o.ledger.HouseUserID(), invoice.AmountSats, database.TxDeposit, desc, &invoice.RelatedID); err != nil {
			logger.Error("CRITICAL: session invoice paid but escrow credit failed",
				zap.String("payment_hash", paymentHash),
				zap.Error(err),
			)
			return err
		}
		return o.PaymentObserved(ctx, invoice.RelatedID)

	default:
		return fmt.Errorf("invoice %s has unknown purpose", paymentHash)
	}
}

// PaymentObserved moves the session to starting exactly once and dispatches
// the model load. Safe to call repeatedly for the same session.
func (o *Orchestrator) PaymentObserved(ctx context.Context, sessionID string) error {
	won, err := o.sessions.MarkPaid(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	logger.Info("Session paid", zap.String("session_id", sessionID))
	go o.startLoad(session)
	return nil
}

// startLoad drives the node agent through the model load, bounded by the
// starting deadline (extended when the model must be downloaded first).
func (o *Orchestrator) startLoad(session *database.Session) {
	deadline := time.Now().Add(o.deadlines.Starting)
	req := noderpc.LoadRequest{
		SessionID:     session.ID,
		ModelID:       session.ModelID,
		ContextLength: session.ContextLength,
	}
	if session.HFRepo != nil {
		req.HFRepo = *session.HFRepo
		deadline = time.Now().Add(o.deadlines.Download)
	}

	node, err := o.registry.GetNode(context.Background(), session.NodeID)
	if err != nil {
		logger.Error("Failed to resolve node for load", zap.String("session_id", session.ID), zap.Error(err))
		o.NodeLoadFailed(context.Background(), session.ID, "node lookup failed")
		return
	}

	loadCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	statusFn := func(state string, progress float64) {
		if o.notifier != nil {
			o.notifier.ModelStatus(session.ID, state, progress)
		}
	}

	if err := o.nodeRPC.LoadModel(loadCtx, node.Address, req, deadline, statusFn); err != nil {
		logger.Warn("Model load failed",
			zap.String("session_id", session.ID),
			zap.String("node_id", session.NodeID),
			zap.Error(err),
		)
		o.NodeLoadFailed(context.Background(), session.ID, err.Error())
		return
	}

	o.NodeReady(context.Background(), session.ID)
}

// NodeReady activates the session. The paid clock starts here: expiry is
// started_at plus the purchased minutes, immutable afterwards.
func (o *Orchestrator) NodeReady(ctx context.Context, sessionID string) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		logger.Error("NodeReady for unknown session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(session.MinutesPurchased) * time.Minute)

	won, err := o.sessions.MarkActive(ctx, sessionID, now, expiresAt)
	if err != nil {
		logger.Error("Failed to activate session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	logger.Info("Session active",
		zap.String("session_id", sessionID),
		zap.Time("expires_at", expiresAt),
	)
	if o.notifier != nil {
		o.notifier.SessionStarted(sessionID, expiresAt)
	}
}

// NodeLoadFailed refunds a session whose model never became ready. The user
// paid but received nothing, so the full amount goes back.
func (o *Orchestrator) NodeLoadFailed(ctx context.Context, sessionID, reason string) {
	won, err := o.sessions.MarkRefunding(ctx, sessionID)
	if err != nil {
		logger.Error("Failed to mark session refunding", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	if o.notifier != nil {
		o.notifier.SessionFailed(sessionID, reason)
	}

	msg := &settlement.SettleSessionMessage{SessionID: sessionID, Reason: settlement.ReasonLoadFailed}
	if err := settlement.Publish(ctx, o.queue, msg); err != nil {
		logger.Error("CRITICAL: failed to enqueue load-failure refund",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// EndSession handles a user-initiated early end. Consumed time is charged in
// whole minutes, rounded up, never less than one; the remainder is refunded
// at settlement.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID, userID string) error {
	mu := o.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return ErrForbidden
	}
	if session.State != database.Active || session.StartedAt == nil {
		return ErrWrongState
	}

	elapsed := time.Since(*session.StartedAt)
	chargedMinutes := int(math.Ceil(elapsed.Minutes()))
	if chargedMinutes < 1 {
		chargedMinutes = 1
	}
	if chargedMinutes > session.MinutesPurchased {
		chargedMinutes = session.MinutesPurchased
	}

	perMinute := session.AmountSats / int64(session.MinutesPurchased)
	refund := session.AmountSats - int64(chargedMinutes)*perMinute

	won, err := o.sessions.MarkSettling(ctx, sessionID, refund)
	if err != nil {
		return err
	}
	if !won {
		// Expiry beat us to it.
		return ErrWrongState
	}

	o.teardown(ctx, session, settlement.ReasonUserEnded, "ended by user")
	return nil
}

// SessionExpired closes a session whose purchased time ran out. No refund:
// the full amount was consumed.
func (o *Orchestrator) SessionExpired(ctx context.Context, sessionID string) {
	mu := o.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		logger.Error("Expiry for unknown session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	won, err := o.sessions.MarkSettling(ctx, sessionID, 0)
	if err != nil {
		logger.Error("Failed to mark expired session settling", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	o.teardown(ctx, session, settlement.ReasonCompleted, "time expired")
}

// NodeFailed closes a session whose node went silent. The user gets the full
// amount back regardless of consumed time: the marketplace failed to deliver.
func (o *Orchestrator) NodeFailed(ctx context.Context, sessionID string) {
	mu := o.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		logger.Error("Node failure for unknown session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	var won bool
	switch session.State {
	case database.Active:
		won, err = o.sessions.MarkSettling(ctx, sessionID, session.AmountSats)
	case database.Starting:
		won, err = o.sessions.MarkRefunding(ctx, sessionID)
	default:
		return
	}
	if err != nil {
		logger.Error("Failed to fail session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	if o.closer != nil {
		o.closer.CloseSession(sessionID, "node offline")
	}
	if o.notifier != nil {
		o.notifier.SessionFailed(sessionID, "node offline")
	}

	msg := &settlement.SettleSessionMessage{SessionID: sessionID, Reason: settlement.ReasonNodeFailed}
	if err := settlement.Publish(ctx, o.queue, msg); err != nil {
		logger.Error("CRITICAL: failed to enqueue node-failure refund",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// teardown closes the bridge, stops the node agent and hands the session to
// settlement. Called with the session lock held and the settling CAS won.
func (o *Orchestrator) teardown(ctx context.Context, session *database.Session, reason, detail string) {
	if o.closer != nil {
		o.closer.CloseSession(session.ID, detail)
	}

	node, err := o.registry.GetNode(ctx, session.NodeID)
	if err == nil {
		if err := o.nodeRPC.StopModel(ctx, node.Address, session.ID); err != nil {
			logger.Warn("Failed to stop node agent",
				zap.String("session_id", session.ID),
				zap.String("node_id", session.NodeID),
				zap.Error(err),
			)
		}
	}

	msg := &settlement.SettleSessionMessage{SessionID: session.ID, Reason: reason}
	if err := settlement.Publish(ctx, o.queue, msg); err != nil {
		logger.Error("CRITICAL: failed to enqueue settlement",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

// CancelPending closes an unpaid session, freeing the node and expiring its
// invoice. Used for explicit cancels and expired invoices.
func (o *Orchestrator) CancelPending(ctx context.Context, sessionID string) error {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	won, err := o.sessions.MarkEndedFromPending(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !won {
		return ErrWrongState
	}

	o.releaseQuietly(ctx, session.NodeID, sessionID)

	if session.PaymentReference != nil {
		if _, err := o.invoices.MarkExpired(ctx, *session.PaymentReference); err != nil {
			logger.Warn("Failed to expire session invoice",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}

	logger.Info("Pending session cancelled", zap.String("session_id", sessionID))
	return nil
}

// GetSession retrieves a session enforcing ownership.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID, userID string) (*database.Session, error) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}
	return session, nil
}

// CheckPayment reports the session's payment progress. For pending Lightning
// sessions the invoice is looked up on the daemon directly, so a settlement
// not yet seen by the poll loop is caught here.
func (o *Orchestrator) CheckPayment(ctx context.Context, sessionID, userID string) (*database.Session, error) {
	session, err := o.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if session.State == database.PendingPayment && session.PaymentMethod == database.PayLightning && session.PaymentReference != nil {
		status, err := o.lightning.LookupInvoice(ctx, *session.PaymentReference)
		if err != nil {
			logger.Warn("Invoice lookup failed during payment check",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else if status.State == lnd.InvoiceSettled {
			if err := o.InvoiceSettled(ctx, *session.PaymentReference); err != nil {
				return nil, err
			}
			return o.sessions.GetByID(ctx, sessionID)
		}
	}

	return session, nil
}

// ListUserSessions retrieves the user's session history.
func (o *Orchestrator) ListUserSessions(ctx context.Context, userID string) ([]*database.Session, error) {
	return o.sessions.ListByUser(ctx, userID)
}
