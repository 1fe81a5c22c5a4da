// Package registry manages the provider node fleet: admission with the
// one-time registration fee, liveness via heartbeats, and exclusive
// reservation of a node for a session. The database node row is the authority
// on exclusivity; Redis only mirrors liveness for cheap reads.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/pkg/cache"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrRegistrationFee is returned when the owner cannot cover the fee
	ErrRegistrationFee = errors.New("insufficient balance for registration fee")
	// ErrInvalidNode is returned for a malformed registration request
	ErrInvalidNode = errors.New("invalid node registration")
)

// Registry wraps the node repository with fee collection and the Redis
// liveness mirror.
type Registry struct {
	nodes               *database.NodeRepository
	sessions            *database.SessionRepository
	ledger              *ledger.Service
	registrationFeeSats int64
}

func NewRegistry(nodes *database.NodeRepository, sessions *database.SessionRepository, ldg *ledger.Service, registrationFeeSats int64) *Registry {
	return &Registry{
		nodes:               nodes,
		sessions:            sessions,
		ledger:              ldg,
		registrationFeeSats: registrationFeeSats,
	}
}

// RegistrationFeeSats returns the configured one-time admission fee.
func (r *Registry) RegistrationFeeSats() int64 {
	return r.registrationFeeSats
}

// newNodeID generates a "node-" id with 8 hex chars of entropy.
func newNodeID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate node id: %w", err)
	}
	return "node-" + hex.EncodeToString(buf), nil
}

// RegisterRequest is a provider's node admission request.
type RegisterRequest struct {
	Name               string
	OwnerUserID        string
	Address            string
	Hardware           database.Hardware
	Models             []database.ModelDescriptor
	PricePerMinuteSats int64
	PaymentAddress     *string
	Fingerprint        string
}

// Register admits a node after debiting the registration fee from the owner's
// balance. The fee debit happens first; if the insert then fails on a
// duplicate fingerprint the fee is returned.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*database.Node, error) {
	if req.Name == "" || req.Address == "" || req.Fingerprint == "" {
		return nil, fmt.Errorf("%w: name, address and fingerprint are required", ErrInvalidNode)
	}
	if req.PricePerMinuteSats <= 0 {
		return nil, fmt.Errorf("%w: price_per_minute_sats must be positive", ErrInvalidNode)
	}
	if len(req.Models) == 0 {
		return nil, fmt.Errorf("%w: at least one model is required", ErrInvalidNode)
	}

	id, err := newNodeID()
	if err != nil {
		return nil, err
	}

	if r.registrationFeeSats > 0 {
		desc := fmt.Sprintf("Registration fee for node %s", id)
		err := r.ledger.Debit(ctx, req.OwnerUserID, r.registrationFeeSats, database.TxRegistrationFee, desc, nil)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return nil, ErrRegistrationFee
			}
			return nil, err
		}
	}

	now := time.Now().UTC()
	node := &database.Node{
		ID:                  id,
		Name:                req.Name,
		OwnerUserID:         req.OwnerUserID,
		Address:             req.Address,
		Hardware:            req.Hardware,
		Models:              req.Models,
		PricePerMinuteSats:  req.PricePerMinuteSats,
		PaymentAddress:      req.PaymentAddress,
		Status:              database.Online,
		HardwareFingerprint: req.Fingerprint,
		LastHeartbeatAt:     now,
		CreatedAt:           now,
	}

	if err := r.nodes.Create(ctx, node); err != nil {
		if errors.Is(err, database.ErrNodeExists) && r.registrationFeeSats > 0 {
			refundDesc := fmt.Sprintf("Registration fee refund for duplicate node %s", req.Fingerprint)
			if cerr := r.ledger.Credit(ctx, req.OwnerUserID, r.registrationFeeSats, database.TxRefund, refundDesc, nil); cerr != nil {
				logger.Error("Failed to refund registration fee",
					zap.String("owner_user_id", req.OwnerUserID),
					zap.Error(cerr),
				)
			}
		}
		return nil, err
	}

	logger.Info("Node registered",
		zap.String("node_id", node.ID),
		zap.String("owner_user_id", node.OwnerUserID),
		zap.Int64("price_per_minute_sats", node.PricePerMinuteSats),
		zap.Int("models", len(node.Models)),
	)
	return node, nil
}

// Heartbeat refreshes the node's liveness and advertised capacity, and
// mirrors the report into Redis for dashboards.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, load int, hw database.Hardware, models []database.ModelDescriptor) error {
	now := time.Now().UTC()
	if err := r.nodes.UpdateHeartbeat(ctx, nodeID, load, hw, models, now); err != nil {
		return err
	}

	// Mirror failures never fail the heartbeat; the database row is the
	// source of truth.
	if err := cache.HSet(ctx, "node:"+nodeID, map[string]any{
		"last_heartbeat": now.Unix(),
		"load":           strconv.Itoa(load),
	}); err != nil {
		logger.Debug("Failed to mirror heartbeat to cache", zap.String("node_id", nodeID), zap.Error(err))
	}

	return nil
}

// GetNode retrieves a node by id.
func (r *Registry) GetNode(ctx context.Context, nodeID string) (*database.Node, error) {
	return r.nodes.GetByID(ctx, nodeID)
}

// ListNodes returns the full fleet, any status.
func (r *Registry) ListNodes(ctx context.Context) ([]*database.Node, error) {
	return r.nodes.List(ctx)
}

// BusyNode is a reserved node with the expiry of the session holding it.
// BusyUntil is nil while the holding session has not activated yet.
type BusyNode struct {
	Node      *database.Node `json:"node"`
	BusyUntil *time.Time     `json:"busy_until,omitempty"`
}

// Snapshot splits the live fleet into idle nodes and busy ones. A snapshot:
// any idle entry may be reserved by someone else before the caller acts,
// which TryReserve resolves.
func (r *Registry) Snapshot(ctx context.Context) ([]*database.Node, []BusyNode, error) {
	nodes, err := r.nodes.List(ctx)
	if err != nil {
		return nil, nil, err
	}

	idle := make([]*database.Node, 0, len(nodes))
	busy := make([]BusyNode, 0)
	for _, n := range nodes {
		switch {
		case n.Status == database.Online && n.CurrentSessionID == nil:
			idle = append(idle, n)
		case n.Status == database.Busy && n.CurrentSessionID != nil:
			b := BusyNode{Node: n}
			if s, err := r.sessions.GetByID(ctx, *n.CurrentSessionID); err == nil {
				b.BusyUntil = s.ExpiresAt
			}
			busy = append(busy, b)
		}
	}
	return idle, busy, nil
}

// ListAvailable returns online idle nodes.
func (r *Registry) ListAvailable(ctx context.Context) ([]*database.Node, error) {
	idle, _, err := r.Snapshot(ctx)
	return idle, err
}

// TryReserve attempts to take exclusive hold of the node for a session.
// Returns database.ErrNodeBusy when a concurrent reservation won.
func (r *Registry) TryReserve(ctx context.Context, nodeID, sessionID string) error {
	return r.nodes.Reserve(ctx, nodeID, sessionID)
}

// Release frees a node held by the session. Safe to call more than once.
func (r *Registry) Release(ctx context.Context, nodeID, sessionID string) error {
	return r.nodes.Release(ctx, nodeID, sessionID)
}

// MarkStale pushes every node silent since cutoff offline and returns the
// nodes affected with the sessions they held.
func (r *Registry) MarkStale(ctx context.Context, cutoff time.Time) ([]database.StaleNode, error) {
	return r.nodes.MarkStaleOffline(ctx, cutoff)
}

// AddEarnings records settled earnings on the node's lifetime counter.
func (r *Registry) AddEarnings(ctx context.Context, nodeID string, sats int64) error {
	return r.nodes.AddEarnings(ctx, nodeID, sats)
}
