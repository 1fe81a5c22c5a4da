package lnd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
)

// CreateInvoice registers an invoice with LND and returns the BOLT11 string
// plus its payment hash. The expiry comes from the configured invoice TTL.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*CreatedInvoice, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive, got %d", amountSats)
	}

	resp, err := c.lnClient.AddInvoice(ctx, &lnrpc.Invoice{
		Value:  amountSats,
		Memo:   memo,
		Expiry: c.cfg.InvoiceExpirySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add invoice: %w", mapGRPCError(err))
	}

	return &CreatedInvoice{
		PaymentHash: hex.EncodeToString(resp.RHash),
		Bolt11:      resp.PaymentRequest,
		AmountSats:  amountSats,
		Expiry:      c.cfg.InvoiceExpirySeconds,
	}, nil
}

// LookupInvoice reports the settlement state of an invoice by payment hash.
// OPEN and ACCEPTED both map to InvoiceOpen: money is not ours until LND
// reports SETTLED.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceStatus, error) {
	rHash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash %q: %w", paymentHash, err)
	}

	resp, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rHash})
	if err != nil {
		return nil, mapGRPCError(err)
	}

	st := &InvoiceStatus{
		PaymentHash: paymentHash,
		AmountSats:  resp.Value,
	}

	switch resp.State {
	case lnrpc.Invoice_SETTLED:
		st.State = InvoiceSettled
		st.SettledAt = resp.SettleDate
		// AmtPaidSat reflects overpayment; the settled amount is what we
		// actually received.
		if resp.AmtPaidSat > 0 {
			st.AmountSats = resp.AmtPaidSat
		}
	case lnrpc.Invoice_CANCELED:
		st.State = InvoiceCanceled
	default:
		st.State = InvoiceOpen
	}

	return st, nil
}
