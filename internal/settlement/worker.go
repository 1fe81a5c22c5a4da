package settlement

import (
	"context"
	"errors"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/registry"
	"ai-lightning/pkg/logger"
	"ai-lightning/pkg/queue"

	"go.uber.org/zap"
)

// Notifier pushes a settlement outcome to a connected session client.
// Implemented by the websocket hub; a nil-safe no-op in the worker binary.
type Notifier interface {
	SessionSettled(sessionID, reason string, chargedSats, refundSats int64)
	NodeFreed(sessionID, nodeID string)
}

// Worker consumes settle requests and applies the money movement. The
// settling|refunding -> ended transition is claimed with a compare-and-set
// BEFORE any ledger write, so a message replayed by the reclaim loop (or a
// duplicated publish) settles nothing the second time.
type Worker struct {
	queue          *queue.StreamQueue
	sessions       *database.SessionRepository
	ledger         *ledger.Service
	registry       *registry.Registry
	commissionRate float64
	notifier       Notifier
	consumer       string
}

func NewWorker(q *queue.StreamQueue, sessions *database.SessionRepository, ldg *ledger.Service, reg *registry.Registry, commissionRate float64, notifier Notifier, consumer string) *Worker {
	return &Worker{
		queue:          q,
		sessions:       sessions,
		ledger:         ldg,
		registry:       reg,
		commissionRate: commissionRate,
		notifier:       notifier,
		consumer:       consumer,
	}
}

// Run declares the stream and consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.DeclareStream(ctx, StreamName, ConsumerGroup); err != nil {
		return err
	}

	logger.Info("Settlement worker started", zap.String("consumer", w.consumer))
	return w.queue.Consume(ctx, StreamName, ConsumerGroup, w.consumer, w.handle)
}

// handle settles one session. Returning an error leaves the message pending
// for the reclaim loop; returning nil acknowledges it.
func (w *Worker) handle(messageID string, data []byte) error {
	msg, err := FromJSONSettleSession(data)
	if err != nil {
		// Malformed payloads never become valid. ACK and drop.
		logger.Error("Dropping malformed settle message", zap.String("message_id", messageID), zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return w.Settle(ctx, msg)
}

// Settle closes the session named by the message.
func (w *Worker) Settle(ctx context.Context, msg *SettleSessionMessage) error {
	session, err := w.sessions.GetByID(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			logger.Error("Settle request for unknown session", zap.String("session_id", msg.SessionID))
			return nil
		}
		return err
	}

	// Resolve the payout target before claiming the transition: a failure
	// here must stay retryable, and after the CAS it no longer is.
	node, err := w.registry.GetNode(ctx, session.NodeID)
	if err != nil {
		return err
	}

	// Claim the transition. Losing the CAS means another delivery of this
	// message already settled the session.
	applied, err := w.sessions.MarkEnded(ctx, session.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		logger.Debug("Session already settled, skipping",
			zap.String("session_id", session.ID),
			zap.String("state", session.State.String()),
		)
		return nil
	}

	params := ledger.SettleParams{
		SessionID:   session.ID,
		UserID:      session.UserID,
		OwnerUserID: node.OwnerUserID,
		AmountSats:  session.AmountSats,
		RefundSats:  session.RefundSats,
		Commission:  w.commissionRate,
	}

	if err := w.ledger.SettleSession(ctx, params); err != nil {
		// The ended CAS is already spent; a retry would skip the ledger
		// entirely. This needs an operator, not a replay.
		logger.Error("CRITICAL: session ended but settlement failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return nil
	}

	if earning := params.EarningSats(); earning > 0 {
		if err := w.registry.AddEarnings(ctx, session.NodeID, earning); err != nil {
			logger.Error("Failed to record node earnings",
				zap.String("node_id", session.NodeID),
				zap.Error(err),
			)
		}
	}

	// Free the node unless it already left busy (offline sweep clears the
	// hold itself).
	if err := w.registry.Release(ctx, session.NodeID, session.ID); err != nil {
		logger.Error("Failed to release node after settlement",
			zap.String("node_id", session.NodeID),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	} else if w.notifier != nil {
		w.notifier.NodeFreed(session.ID, session.NodeID)
	}

	if w.notifier != nil {
		w.notifier.SessionSettled(session.ID, msg.Reason, params.ChargedSats(), session.RefundSats)
	}

	logger.Info("Settlement complete",
		zap.String("session_id", session.ID),
		zap.String("reason", msg.Reason),
		zap.Int64("charged_sats", params.ChargedSats()),
		zap.Int64("refund_sats", session.RefundSats),
	)
	return nil
}

// Publish enqueues a settle request.
func Publish(ctx context.Context, q *queue.StreamQueue, msg *SettleSessionMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}

	if _, err := q.Publish(ctx, StreamName, data); err != nil {
		return err
	}

	logger.Debug("Settle request published",
		zap.String("session_id", msg.SessionID),
		zap.String("reason", msg.Reason),
	)
	return nil
}
