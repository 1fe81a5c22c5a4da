// Package lnd wraps the Lightning Network Daemon gRPC API behind the
// LightningClient interface, so the rest of the codebase never touches LND
// internals and tests can substitute a mock.
package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"ai-lightning/pkg/logger"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvoiceNotFound is returned when LND has no invoice for the hash
	ErrInvoiceNotFound = errors.New("invoice not found on node")
	// ErrUnavailable is returned for transient daemon failures; callers may retry
	ErrUnavailable = errors.New("lightning daemon unavailable")
)

// Config holds the LND connection settings, populated from the [lnd] section
// of config.toml.
type Config struct {
	GRPCHost              string
	GRPCPort              string
	TLSCertPath           string
	MacaroonPath          string
	Network               string // "mainnet", "testnet", "regtest"
	InvoiceExpirySeconds  int64
	PaymentTimeoutSeconds int
	MaxPaymentFeeSats     int64
}

// LightningClient is the surface the coordinator needs from LND: receive
// money (invoices), pay money out (withdrawals), and health info.
type LightningClient interface {
	// CreateInvoice registers a new hold-free invoice and returns its
	// BOLT11 string and payment hash.
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*CreatedInvoice, error)

	// LookupInvoice reports the current state of an invoice by payment hash.
	LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceStatus, error)

	// DecodeInvoice decodes a BOLT11 string without paying it.
	DecodeInvoice(ctx context.Context, bolt11 string) (*DecodedInvoice, error)

	// PayInvoice pays a BOLT11 invoice and blocks until a terminal state.
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)

	// GetInfo returns node identity and sync status.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	Close() error
}

// CreatedInvoice is the result of registering an invoice with LND.
type CreatedInvoice struct {
	PaymentHash string // hex-encoded, 64 chars
	Bolt11      string
	AmountSats  int64
	Expiry      int64 // seconds
}

// InvoiceState is the settlement state LND reports for an invoice.
type InvoiceState int

const (
	// InvoiceOpen covers both OPEN and ACCEPTED: not yet settled.
	InvoiceOpen InvoiceState = iota
	InvoiceSettled
	InvoiceCanceled
)

type InvoiceStatus struct {
	PaymentHash string
	State       InvoiceState
	AmountSats  int64
	SettledAt   int64 // unix seconds, zero unless settled
}

type DecodedInvoice struct {
	Destination string
	AmountSats  int64
	PaymentHash string
	Expiry      int64
	Description string
	IsExpired   bool
}

type PaymentStatus int

const (
	PaymentSucceeded PaymentStatus = iota
	PaymentFailed
)

type PaymentResult struct {
	PaymentHash     string
	PaymentPreimage string
	FeeSats         int64
	Status          PaymentStatus
}

type NodeInfo struct {
	Alias         string
	PubKey        string
	SyncedToChain bool
	SyncedToGraph bool
	BlockHeight   uint32
	NumChannels   uint32
}

// macaroonCredential attaches the hex-encoded macaroon as gRPC metadata on
// every call so LND can authorize the request.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

// RequireTransportSecurity returns true: macaroons must only travel over TLS.
func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// Client is the concrete LightningClient backed by a single shared gRPC
// connection.
type Client struct {
	conn         *grpc.ClientConn
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	cfg          Config
}

func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	macaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(macaroonData)}

	url := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	// GetInfo fails fast if LND is not running, the wallet is locked, or
	// the credentials are wrong.
	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}

	logger.Info("LND connected",
		zap.String("alias", info.Alias),
		zap.String("pubkey", info.IdentityPubkey),
		zap.Uint32("block_height", info.BlockHeight),
		zap.Bool("synced_to_chain", info.SyncedToChain),
		zap.Bool("synced_to_graph", info.SyncedToGraph),
	)

	if !info.SyncedToChain {
		logger.Warn("LND is not synced to chain, payments may fail until sync completes")
	}

	return &Client{
		conn:         conn,
		lnClient:     lnClient,
		routerClient: routerrpc.NewRouterClient(conn),
		cfg:          cfg,
	}, nil
}

// GetInfo returns node identity and sync status.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	info, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, mapGRPCError(err)
	}

	return &NodeInfo{
		Alias:         info.Alias,
		PubKey:        info.IdentityPubkey,
		SyncedToChain: info.SyncedToChain,
		SyncedToGraph: info.SyncedToGraph,
		BlockHeight:   info.BlockHeight,
		NumChannels:   info.NumActiveChannels,
	}, nil
}

// Close closes the underlying gRPC connection to LND.
func (c *Client) Close() error {
	return c.conn.Close()
}

// mapGRPCError normalizes transient daemon failures onto ErrUnavailable so
// callers can tell retryable conditions apart from terminal ones.
func mapGRPCError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case codes.NotFound:
		return ErrInvoiceNotFound
	default:
		return err
	}
}
