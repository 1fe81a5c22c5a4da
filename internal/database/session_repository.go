package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound is returned when a session is not found in the database
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository handles all database operations for sessions.
// Every lifecycle transition is a compare-and-set on the current state, so a
// duplicated event (invoice reported paid twice, ready reported twice) is a
// no-op: the methods report whether the transition was applied.
type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db.pool}
}

// Create inserts a new session in its initial state.
func (r *SessionRepository) Create(ctx context.Context, s *Session) error {
	query := `INSERT INTO sessions (
		session_id, user_id, node_id, model_id, hf_repo, context_length,
		minutes_purchased, amount_sats, refund_sats, state, payment_method,
		payment_reference, created_at, paid_at, started_at, expires_at, ended_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, query,
		s.ID,
		s.UserID,
		s.NodeID,
		s.ModelID,
		s.HFRepo,
		s.ContextLength,
		s.MinutesPurchased,
		s.AmountSats,
		s.RefundSats,
		s.State.String(),
		s.PaymentMethod.String(),
		s.PaymentReference,
		s.CreatedAt,
		s.PaidAt,
		s.StartedAt,
		s.ExpiresAt,
		s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

const sessionColumns = `session_id, user_id, node_id, model_id, hf_repo, context_length,
	minutes_purchased, amount_sats, refund_sats, state, payment_method,
	payment_reference, created_at, paid_at, started_at, expires_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var state, method string

	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.NodeID,
		&s.ModelID,
		&s.HFRepo,
		&s.ContextLength,
		&s.MinutesPurchased,
		&s.AmountSats,
		&s.RefundSats,
		&state,
		&method,
		&s.PaymentReference,
		&s.CreatedAt,
		&s.PaidAt,
		&s.StartedAt,
		&s.ExpiresAt,
		&s.EndedAt,
	)
	if err != nil {
		return nil, err
	}

	s.State = ParseSessionState(state)
	s.PaymentMethod = ParsePaymentMethod(method)
	return &s, nil
}

// GetByID retrieves a session. Returns ErrSessionNotFound if missing.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	s, err := scanSession(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session with id %s: %w", id, err)
	}

	return s, nil
}

// MarkPaid moves pending_payment -> starting exactly once. The paid_at IS
// NULL precondition deduplicates concurrent payment observations; the return
// value reports whether this caller won.
func (r *SessionRepository) MarkPaid(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE sessions
		SET state = 'starting', paid_at = $2
		WHERE session_id = $1 AND state = 'pending_payment' AND paid_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %s paid: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkUnpaid reverts starting -> pending_payment, clearing paid_at. Used
// when the wallet debit behind a won payment claim failed, so the session
// stays payable.
func (r *SessionRepository) MarkUnpaid(ctx context.Context, id string) (bool, error) {
	query := `UPDATE sessions
		SET state = 'pending_payment', paid_at = NULL
		WHERE session_id = $1 AND state = 'starting'`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %s unpaid: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkActive moves starting -> active, pinning started_at and the immutable
// expires_at derived from the purchased minutes.
func (r *SessionRepository) MarkActive(ctx context.Context, id string, startedAt, expiresAt time.Time) (bool, error) {
	query := `UPDATE sessions
		SET state = 'active', started_at = $2, expires_at = $3
		WHERE session_id = $1 AND state = 'starting'`

	tag, err := r.db.Exec(ctx, query, id, startedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %s active: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkSettling moves active -> settling recording the refund owed to the
// user (zero for a fully consumed session, the full amount for a node
// failure, the unused remainder for a user-initiated end).
func (r *SessionRepository) MarkSettling(ctx context.Context, id string, refundSats int64) (bool, error) {
	query := `UPDATE sessions
		SET state = 'settling', refund_sats = $2
		WHERE session_id = $1 AND state = 'active'`

	tag, err := r.db.Exec(ctx, query, id, refundSats)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %s settling: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkRefunding moves starting -> refunding with the full amount owed back.
// Used when the node failed to load the model before the deadline.
func (r *SessionRepository) MarkRefunding(ctx context.Context, id string) (bool, error) {
	query := `UPDATE sessions
		SET state = 'refunding', refund_sats = amount_sats
		WHERE session_id = $1 AND state = 'starting'`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %s refunding: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkEndedFromPending closes a pending_payment session that was cancelled
// or whose invoice expired. No refund: nothing was paid.
func (r *SessionRepository) MarkEndedFromPending(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE sessions
		SET state = 'ended', ended_at = $2
		WHERE session_id = $1 AND state = 'pending_payment'`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to end pending session %s: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkEnded moves settling|refunding -> ended exactly once. The settlement
// worker calls this before touching the ledger so a replayed message cannot
// credit twice.
func (r *SessionRepository) MarkEnded(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE sessions
		SET state = 'ended', ended_at = $2
		WHERE session_id = $1 AND state IN ('settling', 'refunding')`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to end session %s: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListByState retrieves every session in the given state, oldest first.
func (r *SessionRepository) ListByState(ctx context.Context, state SessionState) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, state.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions in state %s: %w", state, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return sessions, nil
}

// ListExpiredActive retrieves active sessions whose expiry has passed.
func (r *SessionRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE state = 'active' AND expires_at <= $1 ORDER BY expires_at`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return sessions, nil
}

// ListByUser retrieves a user's sessions, newest first.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return sessions, nil
}
