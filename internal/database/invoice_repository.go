package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvoiceNotFound is returned when an invoice is not found in the database
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrInvoiceExists is returned on a duplicate payment hash
	ErrInvoiceExists = errors.New("invoice already exists")
)

// InvoiceRepository handles all database operations for invoices.
// The invoice row is the single source of truth for "paid" outside the
// Lightning daemon; it only moves to paid after the daemon confirms
// settlement, and the pending -> paid update is a compare-and-set so a
// settlement observed twice is credited once.
type InvoiceRepository struct {
	db *pgxpool.Pool
}

func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{db: db.pool}
}

// Create inserts a new invoice row.
func (r *InvoiceRepository) Create(ctx context.Context, inv *Invoice) error {
	query := `INSERT INTO invoices (
		payment_hash, bolt11, amount_sats, purpose, related_id, user_id,
		status, created_at, expires_at, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		inv.PaymentHash,
		inv.Bolt11,
		inv.AmountSats,
		inv.Purpose.String(),
		inv.RelatedID,
		inv.UserID,
		inv.Status.String(),
		inv.CreatedAt,
		inv.ExpiresAt,
		inv.PaidAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrInvoiceExists
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	return nil
}

const invoiceColumns = `payment_hash, bolt11, amount_sats, purpose, related_id, user_id,
	status, created_at, expires_at, paid_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var purpose, status string

	err := row.Scan(
		&inv.PaymentHash,
		&inv.Bolt11,
		&inv.AmountSats,
		&purpose,
		&inv.RelatedID,
		&inv.UserID,
		&status,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&inv.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Purpose = ParseInvoicePurpose(purpose)
	inv.Status = ParseInvoiceStatus(status)
	return &inv, nil
}

// GetByHash retrieves an invoice by payment hash. Returns ErrInvoiceNotFound
// if missing.
func (r *InvoiceRepository) GetByHash(ctx context.Context, paymentHash string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE payment_hash = $1`

	inv, err := scanInvoice(r.db.QueryRow(ctx, query, paymentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice %s: %w", paymentHash, err)
	}

	return inv, nil
}

// MarkPaid moves pending -> paid exactly once; the return value reports
// whether this caller performed the transition.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, paymentHash string, at time.Time) (bool, error) {
	query := `UPDATE invoices
		SET status = 'paid', paid_at = $2
		WHERE payment_hash = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, paymentHash, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice %s paid: %w", paymentHash, err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkExpired moves pending -> expired.
func (r *InvoiceRepository) MarkExpired(ctx context.Context, paymentHash string) (bool, error) {
	query := `UPDATE invoices
		SET status = 'expired'
		WHERE payment_hash = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, paymentHash)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice %s expired: %w", paymentHash, err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListPending retrieves invoices still awaiting settlement, oldest first.
func (r *InvoiceRepository) ListPending(ctx context.Context) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE status = 'pending' ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return invoices, nil
}

// ExpireStale marks every pending invoice past its expiry as expired and
// returns how many were affected.
func (r *InvoiceRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE invoices SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`

	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale invoices: %w", err)
	}

	return tag.RowsAffected(), nil
}

// DeleteGarbage removes invoices whose expiry passed more than the retention
// window ago. Paid invoices are kept: they back the ledger audit trail.
func (r *InvoiceRepository) DeleteGarbage(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	query := `DELETE FROM invoices
		WHERE status = 'expired' AND expires_at <= $1`

	tag, err := r.db.Exec(ctx, query, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete garbage invoices: %w", err)
	}

	return tag.RowsAffected(), nil
}
