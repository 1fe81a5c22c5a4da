package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNodeNotFound is returned when a node is not found in the database
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeExists is returned when the owner already registered the same hardware
	ErrNodeExists = errors.New("node already registered")
	// ErrNodeBusy is returned when a reservation races and loses
	ErrNodeBusy = errors.New("node is busy")
)

// NodeRepository handles all database operations for nodes.
// Reservation and release are single-statement compare-and-set updates; the
// node row is the authority on exclusivity.
type NodeRepository struct {
	db *pgxpool.Pool
}

func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db.pool}
}

// Create inserts a new node. Returns ErrNodeExists when the same owner
// registers the same hardware fingerprint twice.
func (r *NodeRepository) Create(ctx context.Context, node *Node) error {
	hardware, err := json.Marshal(node.Hardware)
	if err != nil {
		return fmt.Errorf("failed to marshal hardware: %w", err)
	}
	models, err := json.Marshal(node.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}

	query := `INSERT INTO nodes (
		node_id, name, owner_user_id, address, hardware, models,
		price_per_minute_sats, payment_address, status, current_session_id,
		load, hardware_fingerprint, total_earned_sats, last_heartbeat_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.Exec(ctx, query,
		node.ID,
		node.Name,
		node.OwnerUserID,
		node.Address,
		hardware,
		models,
		node.PricePerMinuteSats,
		node.PaymentAddress,
		node.Status.String(),
		node.CurrentSessionID,
		node.Load,
		node.HardwareFingerprint,
		node.TotalEarnedSats,
		node.LastHeartbeatAt,
		node.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrNodeExists
		}
		return fmt.Errorf("failed to create node: %w", err)
	}

	return nil
}

const nodeColumns = `node_id, name, owner_user_id, address, hardware, models,
	price_per_minute_sats, payment_address, status, current_session_id,
	load, hardware_fingerprint, total_earned_sats, last_heartbeat_at, created_at`

func scanNode(row pgx.Row) (*Node, error) {
	var node Node
	var hardware, models []byte
	var status string

	err := row.Scan(
		&node.ID,
		&node.Name,
		&node.OwnerUserID,
		&node.Address,
		&hardware,
		&models,
		&node.PricePerMinuteSats,
		&node.PaymentAddress,
		&status,
		&node.CurrentSessionID,
		&node.Load,
		&node.HardwareFingerprint,
		&node.TotalEarnedSats,
		&node.LastHeartbeatAt,
		&node.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.Status = ParseNodeStatus(status)
	if err := json.Unmarshal(hardware, &node.Hardware); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hardware: %w", err)
	}
	if err := json.Unmarshal(models, &node.Models); err != nil {
		return nil, fmt.Errorf("failed to unmarshal models: %w", err)
	}

	return &node, nil
}

// GetByID retrieves a node. Returns ErrNodeNotFound if missing.
func (r *NodeRepository) GetByID(ctx context.Context, id string) (*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE node_id = $1`

	node, err := scanNode(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get node with id %s: %w", id, err)
	}

	return node, nil
}

// List retrieves all nodes ordered by creation date.
func (r *NodeRepository) List(ctx context.Context) ([]*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return nodes, nil
}

// UpdateHeartbeat refreshes liveness, load, hardware and offered models.
// An offline node is re-admitted as online; a busy node stays busy.
// Returns ErrNodeNotFound if the node was never registered.
func (r *NodeRepository) UpdateHeartbeat(ctx context.Context, id string, load int, hw Hardware, models []ModelDescriptor, at time.Time) error {
	hardware, err := json.Marshal(hw)
	if err != nil {
		return fmt.Errorf("failed to marshal hardware: %w", err)
	}
	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}

	query := `UPDATE nodes
		SET last_heartbeat_at = $2,
			load = $3,
			hardware = $4,
			models = $5,
			status = CASE WHEN status = 'busy' THEN 'busy' ELSE 'online' END
		WHERE node_id = $1`

	tag, err := r.db.Exec(ctx, query, id, at, load, hardware, modelsJSON)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for node %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}

	return nil
}

// Reserve atomically moves an online idle node to busy with the session as
// occupant. This is the only path into busy. Returns ErrNodeBusy when the
// node is not online-idle (a racing reservation won, or the node is offline).
func (r *NodeRepository) Reserve(ctx context.Context, nodeID, sessionID string) error {
	query := `UPDATE nodes
		SET status = 'busy', current_session_id = $2
		WHERE node_id = $1 AND status = 'online' AND current_session_id IS NULL`

	tag, err := r.db.Exec(ctx, query, nodeID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to reserve node %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeBusy
	}

	return nil
}

// Release reverses a reservation. A no-op when the node is not currently
// held by sessionID, so duplicate releases are harmless.
func (r *NodeRepository) Release(ctx context.Context, nodeID, sessionID string) error {
	query := `UPDATE nodes
		SET status = CASE WHEN status = 'busy' THEN 'online' ELSE status END,
			current_session_id = NULL
		WHERE node_id = $1 AND current_session_id = $2`

	_, err := r.db.Exec(ctx, query, nodeID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to release node %s: %w", nodeID, err)
	}

	return nil
}

// StaleNode identifies a node pushed offline by the heartbeat sweep along
// with the session it held, if any.
type StaleNode struct {
	NodeID    string
	SessionID *string
}

// MarkStaleOffline transitions every node silent since cutoff to offline and
// returns the affected nodes. Sessions held by those nodes must be failed by
// the caller. RETURNING on an UPDATE sees the new row, so the held session
// ids come from the locked pre-update snapshot.
func (r *NodeRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]StaleNode, error) {
	query := `UPDATE nodes n
		SET status = 'offline', current_session_id = NULL
		FROM (
			SELECT node_id, current_session_id FROM nodes
			WHERE status IN ('online', 'busy') AND last_heartbeat_at < $1
			FOR UPDATE
		) old
		WHERE n.node_id = old.node_id
		RETURNING old.node_id, old.current_session_id`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale nodes offline: %w", err)
	}
	defer rows.Close()

	var stale []StaleNode
	for rows.Next() {
		var s StaleNode
		if err := rows.Scan(&s.NodeID, &s.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan stale node row: %w", err)
		}
		stale = append(stale, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return stale, nil
}

// AddEarnings accumulates settled earnings onto the node's lifetime counter.
func (r *NodeRepository) AddEarnings(ctx context.Context, nodeID string, sats int64) error {
	query := `UPDATE nodes SET total_earned_sats = total_earned_sats + $2 WHERE node_id = $1`

	tag, err := r.db.Exec(ctx, query, nodeID, sats)
	if err != nil {
		return fmt.Errorf("failed to add earnings to node %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}

	return nil
}
