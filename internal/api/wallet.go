package api

import (
	"net/http"
	"strconv"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/lnd"
	"ai-lightning/pkg/logger"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type depositRequest struct {
	AmountSats int64 `json:"amount_sats"`
}

// handleWalletDeposit creates a Lightning invoice that, once settled, credits
// the user's internal balance.
func (s *Server) handleWalletDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AmountSats <= 0 {
		writeError(w, http.StatusBadRequest, "amount_sats must be positive")
		return
	}

	claims := claimsFrom(r)
	created, err := s.lightning.CreateInvoice(r.Context(), req.AmountSats, "Wallet deposit")
	if err != nil {
		writeServiceError(w, err)
		return
	}

	now := time.Now().UTC()
	invoice := &database.Invoice{
		PaymentHash: created.PaymentHash,
		Bolt11:      created.Bolt11,
		AmountSats:  req.AmountSats,
		Purpose:     database.PurposeDeposit,
		RelatedID:   claims.UserID,
		UserID:      claims.UserID,
		Status:      database.InvoicePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(created.Expiry) * time.Second),
	}
	if err := s.invoices.Create(r.Context(), invoice); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"payment_hash": created.PaymentHash,
		"bolt11":       created.Bolt11,
		"amount_sats":  req.AmountSats,
		"expires_at":   invoice.ExpiresAt,
	})
}

// handleWalletCheck reports a deposit invoice's status, consulting the
// Lightning daemon directly so a settlement is credited without waiting for
// the poll loop.
func (s *Server) handleWalletCheck(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	paymentHash := chi.URLParam(r, "payment_hash")

	invoice, err := s.invoices.GetByHash(r.Context(), paymentHash)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if invoice.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "invoice belongs to another user")
		return
	}

	if invoice.Status == database.InvoicePending {
		status, err := s.lightning.LookupInvoice(r.Context(), paymentHash)
		if err != nil {
			logger.Warn("Invoice lookup failed during wallet check",
				zap.String("payment_hash", paymentHash),
				zap.Error(err),
			)
		} else if status.State == lnd.InvoiceSettled {
			if err := s.orchestrator.InvoiceSettled(r.Context(), paymentHash); err != nil {
				writeServiceError(w, err)
				return
			}
			invoice, err = s.invoices.GetByHash(r.Context(), paymentHash)
			if err != nil {
				writeServiceError(w, err)
				return
			}
		}
	}

	balance, err := s.ledger.GetBalance(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payment_hash": invoice.PaymentHash,
		"status":       invoice.Status.String(),
		"balance_sats": balance,
	})
}

type paySessionRequest struct {
	SessionID string `json:"session_id"`
}

// handleWalletPaySession pays a wallet-method session from the internal
// balance.
func (s *Server) handleWalletPaySession(w http.ResponseWriter, r *http.Request) {
	var req paySessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims := claimsFrom(r)
	session, err := s.orchestrator.PayFromWallet(r.Context(), req.SessionID, claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"state":      session.State.String(),
	})
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	txs, err := s.ledger.ListTransactions(r.Context(), claims.UserID, page, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	balance, err := s.ledger.GetBalance(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance_sats": balance,
		"transactions": txs,
	})
}

type withdrawRequest struct {
	Bolt11 string `json:"bolt11"`
}

// handleWithdraw pays a user-supplied BOLT11 invoice from the internal
// balance. The balance is debited first; if the Lightning payment then fails
// terminally the debit is reversed.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims := claimsFrom(r)

	decoded, err := s.lightning.DecodeInvoice(r.Context(), req.Bolt11)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice")
		return
	}
	if decoded.IsExpired {
		writeError(w, http.StatusBadRequest, "invoice is expired")
		return
	}
	if decoded.AmountSats <= 0 {
		writeError(w, http.StatusBadRequest, "zero-amount invoices are not supported")
		return
	}

	err = s.ledger.Debit(r.Context(), claims.UserID, decoded.AmountSats, database.TxWithdrawal,
		"Lightning withdrawal "+decoded.PaymentHash, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := s.lightning.PayInvoice(r.Context(), req.Bolt11, 0)
	if err != nil {
		// The daemon rejected or failed the payment: the money never
		// left, so the hold goes back.
		if cerr := s.ledger.Credit(r.Context(), claims.UserID, decoded.AmountSats, database.TxRefund,
			"Reversed withdrawal "+decoded.PaymentHash, nil); cerr != nil {
			logger.Error("CRITICAL: failed to reverse withdrawal debit",
				zap.String("user_id", claims.UserID),
				zap.Int64("amount_sats", decoded.AmountSats),
				zap.Error(cerr),
			)
		}
		writeError(w, http.StatusBadGateway, "payment failed")
		return
	}

	logger.Info("Withdrawal paid",
		zap.String("user_id", claims.UserID),
		zap.Int64("amount_sats", decoded.AmountSats),
		zap.Int64("fee_sats", result.FeeSats),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"payment_hash": result.PaymentHash,
		"preimage":     result.PaymentPreimage,
		"amount_sats":  decoded.AmountSats,
		"fee_sats":     result.FeeSats,
	})
}
