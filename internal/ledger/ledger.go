// Package ledger is the internal balance store. Every balance mutation runs
// in a single database transaction that locks the user row, inserts exactly
// one transaction record and updates the balance, so the invariant
// SUM(amount) == balance holds at every instant and a balance can never go
// negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("amount must be greater than 0")
	// ErrUserNotFound is returned when the account does not exist
	ErrUserNotFound = errors.New("user not found")
)

// Service executes ledger operations. houseUserID is the platform account
// that receives escrowed session payments and commissions.
type Service struct {
	pool        *pgxpool.Pool
	houseUserID string
}

func NewService(db *database.DB, houseUserID string) *Service {
	return &Service{pool: db.Pool(), houseUserID: houseUserID}
}

// HouseUserID returns the platform account id.
func (s *Service) HouseUserID() string {
	return s.houseUserID
}

// entry is one balance mutation applied inside a transaction.
type entry struct {
	userID      string
	amount      int64 // signed
	txType      database.TxType
	fee         int64
	description string
	relatedID   *string
}

// apply locks the user row, verifies the resulting balance stays
// non-negative, updates it and inserts the matching transaction record.
func apply(ctx context.Context, tx pgx.Tx, e entry) error {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance_sats FROM users WHERE id = $1 FOR UPDATE`, e.userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to lock user %s: %w", e.userID, err)
	}

	if balance+e.amount < 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `UPDATE users SET balance_sats = balance_sats + $2 WHERE id = $1`, e.userID, e.amount)
	if err != nil {
		return fmt.Errorf("failed to update balance for user %s: %w", e.userID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, user_id, type, amount_sats, fee_sats, description, related_session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), e.userID, e.txType.String(), e.amount, e.fee, e.description, e.relatedID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert ledger transaction: %w", err)
	}

	return nil
}

// applyAll runs a set of entries in one transaction. Entries are applied in
// user-id order so concurrent multi-leg operations cannot deadlock on row
// locks.
func (s *Service) applyAll(ctx context.Context, entries []entry) error {
	sorted := make([]entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].userID < sorted[j].userID })

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range sorted {
		if err := apply(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return nil
}

// Credit adds amount to the user's balance with one transaction record.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType database.TxType, description string, relatedID *string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := s.applyAll(ctx, []entry{{userID: userID, amount: amount, txType: txType, description: description, relatedID: relatedID}})
	if err != nil {
		return err
	}

	logger.Debug("Ledger credit",
		zap.String("user_id", userID),
		zap.Int64("amount_sats", amount),
		zap.String("type", txType.String()),
	)
	return nil
}

// Debit removes amount from the user's balance with one transaction record.
// Fails with ErrInsufficientFunds when the locked balance is too low, so
// concurrent debits against the same user serialize and the loser sees the
// updated balance.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType database.TxType, description string, relatedID *string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := s.applyAll(ctx, []entry{{userID: userID, amount: -amount, txType: txType, description: description, relatedID: relatedID}})
	if err != nil {
		return err
	}

	logger.Debug("Ledger debit",
		zap.String("user_id", userID),
		zap.Int64("amount_sats", amount),
		zap.String("type", txType.String()),
	)
	return nil
}

// Transfer atomically debits the payer and credits the payee minus the fee,
// which is credited to the house account. All-or-nothing: if the payer
// cannot cover the amount no leg is applied.
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID string, amount, fee int64, typeOut, typeIn database.TxType, description string, relatedID *string) error {
	if amount <= 0 || fee < 0 || fee > amount {
		return ErrInvalidAmount
	}

	entries := []entry{
		{userID: fromUserID, amount: -amount, txType: typeOut, fee: fee, description: description, relatedID: relatedID},
		{userID: toUserID, amount: amount - fee, txType: typeIn, description: description, relatedID: relatedID},
	}
	if fee > 0 {
		entries = append(entries, entry{userID: s.houseUserID, amount: fee, txType: database.TxCommission, description: description, relatedID: relatedID})
	}

	return s.applyAll(ctx, entries)
}

// SettleParams describes the money movement that closes a session. The full
// amount sits on the house account (escrowed on wallet payment, deposited on
// Lightning settlement); settlement pays the node owner their share of the
// consumed minutes, retains the commission, and refunds the rest to the user.
type SettleParams struct {
	SessionID   string
	UserID      string
	OwnerUserID string
	AmountSats  int64
	RefundSats  int64
	Commission  float64
}

// ChargedSats is the consumed portion of the purchase.
func (p SettleParams) ChargedSats() int64 {
	return p.AmountSats - p.RefundSats
}

// CommissionSats is the house share of the charged amount.
func (p SettleParams) CommissionSats() int64 {
	return int64(math.Round(float64(p.ChargedSats()) * p.Commission))
}

// EarningSats is the node owner share of the charged amount.
func (p SettleParams) EarningSats() int64 {
	return p.ChargedSats() - p.CommissionSats()
}

// SettleSession applies the settlement legs in one transaction:
// house -amount, owner +earning, house +commission, user +refund.
// The legs always sum to zero, so the total supply of sats across accounts
// is unchanged by a session.
func (s *Service) SettleSession(ctx context.Context, p SettleParams) error {
	if p.RefundSats < 0 || p.RefundSats > p.AmountSats {
		return ErrInvalidAmount
	}
	if p.AmountSats == 0 {
		return nil
	}

	desc := fmt.Sprintf("Settlement for session %s", p.SessionID)
	related := p.SessionID

	entries := []entry{
		{userID: s.houseUserID, amount: -p.AmountSats, txType: database.TxSessionPayment, description: desc, relatedID: &related},
	}
	if earning := p.EarningSats(); earning > 0 {
		entries = append(entries, entry{userID: p.OwnerUserID, amount: earning, txType: database.TxNodeEarning, description: desc, relatedID: &related})
	}
	if commission := p.CommissionSats(); commission > 0 {
		entries = append(entries, entry{userID: s.houseUserID, amount: commission, txType: database.TxCommission, fee: commission, description: desc, relatedID: &related})
	}
	if p.RefundSats > 0 {
		refundDesc := fmt.Sprintf("Refund for session %s", p.SessionID)
		entries = append(entries, entry{userID: p.UserID, amount: p.RefundSats, txType: database.TxRefund, description: refundDesc, relatedID: &related})
	}

	if err := s.applyAll(ctx, entries); err != nil {
		return err
	}

	logger.Info("Session settled",
		zap.String("session_id", p.SessionID),
		zap.Int64("charged_sats", p.ChargedSats()),
		zap.Int64("earning_sats", p.EarningSats()),
		zap.Int64("commission_sats", p.CommissionSats()),
		zap.Int64("refund_sats", p.RefundSats),
	)
	return nil
}

// GetBalance reads the current balance. Authoritative only inside a ledger
// transaction; callers use it for pre-checks and display.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance_sats FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to get balance for user %s: %w", userID, err)
	}

	return balance, nil
}

// ListTransactions returns a page of the user's transaction history, newest
// first. Page numbering starts at 1.
func (s *Service) ListTransactions(ctx context.Context, userID string, page, size int) ([]*database.LedgerTransaction, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	query := `SELECT id, user_id, type, amount_sats, fee_sats, description, related_session_id, created_at
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, userID, size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []*database.LedgerTransaction
	for rows.Next() {
		var t database.LedgerTransaction
		var txType string
		err := rows.Scan(&t.ID, &t.UserID, &txType, &t.AmountSats, &t.FeeSats, &t.Description, &t.RelatedSessionID, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		t.Type = database.ParseTxType(txType)
		txs = append(txs, &t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return txs, nil
}
