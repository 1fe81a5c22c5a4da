//go:build integration

package registry

import (
	"context"
	"testing"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/pkg/cache"
	"ai-lightning/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func testRegistry(t *testing.T) (*Registry, *database.DB, *database.User, *database.User) {
	t.Helper()

	db := database.SetupTestDB(t)
	t.Cleanup(func() {
		database.CleanupTestDB(t, db)
		db.Close()
	})

	require.NoError(t, cache.Init(cache.Config{Host: "localhost", Port: "6379"}))

	house := database.CreateTestUser(t, db, "house-"+uuid.New().String()[:8], 0)
	owner := database.CreateTestUser(t, db, "owner-"+uuid.New().String()[:8], 5000)

	ldg := ledger.NewService(db, house.ID)
	reg := NewRegistry(database.NewNodeRepository(db), database.NewSessionRepository(db), ldg, 1000)
	return reg, db, house, owner
}

func registerRequest(ownerID string) RegisterRequest {
	return RegisterRequest{
		Name:        "rtx-4090-box",
		OwnerUserID: ownerID,
		Address:     "http://10.0.0.5:9100",
		Hardware: database.Hardware{
			CPU:   "ryzen-9",
			RAMMb: 65536,
			GPUs:  []database.GPU{{Model: "RTX 4090", VRAMMb: 24576}},
		},
		Models: []database.ModelDescriptor{{
			ID:            "llama-3.1-8b-q4",
			Name:          "Llama 3.1 8B Q4",
			ContextLength: 8192,
		}},
		PricePerMinuteSats: 50,
		Fingerprint:        uuid.New().String(),
	}
}

func TestRegistry_Register_DebitsFee(t *testing.T) {
	reg, db, _, owner := testRegistry(t)
	ctx := context.Background()

	node, err := reg.Register(ctx, registerRequest(owner.ID))
	require.NoError(t, err)
	assert.Regexp(t, `^node-[0-9a-f]{8}$`, node.ID)
	assert.Equal(t, database.Online, node.Status)

	ldg := ledger.NewService(db, owner.ID)
	balance, err := ldg.GetBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), balance)

	// The fee shows up in the owner's history under its own type.
	txs, err := ldg.ListTransactions(ctx, owner.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, database.TxRegistrationFee, txs[0].Type)
}

func TestRegistry_Register_InsufficientFee(t *testing.T) {
	reg, db, _, _ := testRegistry(t)
	ctx := context.Background()

	broke := database.CreateTestUser(t, db, "broke-"+uuid.New().String()[:8], 500)
	_, err := reg.Register(ctx, registerRequest(broke.ID))
	assert.ErrorIs(t, err, ErrRegistrationFee)
}

func TestRegistry_Register_DuplicateFingerprint_RefundsFee(t *testing.T) {
	reg, db, _, owner := testRegistry(t)
	ctx := context.Background()

	req := registerRequest(owner.ID)
	_, err := reg.Register(ctx, req)
	require.NoError(t, err)

	// Same fingerprint again: rejected, and the second fee comes back.
	_, err = reg.Register(ctx, req)
	assert.ErrorIs(t, err, database.ErrNodeExists)

	ldg := ledger.NewService(db, owner.ID)
	balance, err := ldg.GetBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), balance)
}

func TestRegistry_Register_Validation(t *testing.T) {
	reg, _, _, owner := testRegistry(t)
	ctx := context.Background()

	req := registerRequest(owner.ID)
	req.Name = ""
	_, err := reg.Register(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidNode)

	req = registerRequest(owner.ID)
	req.PricePerMinuteSats = 0
	_, err = reg.Register(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidNode)

	req = registerRequest(owner.ID)
	req.Models = nil
	_, err = reg.Register(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestRegistry_ListAvailable_SkipsBusyAndOffline(t *testing.T) {
	reg, _, _, owner := testRegistry(t)
	ctx := context.Background()

	free, err := reg.Register(ctx, registerRequest(owner.ID))
	require.NoError(t, err)
	busy, err := reg.Register(ctx, registerRequest(owner.ID))
	require.NoError(t, err)

	require.NoError(t, reg.TryReserve(ctx, busy.ID, uuid.New().String()))

	available, err := reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, free.ID, available[0].ID)
}

func TestRegistry_Snapshot_ReportsBusyWithETA(t *testing.T) {
	reg, db, _, owner := testRegistry(t)
	ctx := context.Background()

	free, err := reg.Register(ctx, registerRequest(owner.ID))
	require.NoError(t, err)
	held, err := reg.Register(ctx, registerRequest(owner.ID))
	require.NoError(t, err)

	// An active session holds the second node until its expiry.
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(30 * time.Minute)
	session := &database.Session{
		ID:               uuid.New().String(),
		UserID:           owner.ID,
		NodeID:           held.ID,
		ModelID:          "llama-3.1-8b-q4",
		ContextLength:    4096,
		MinutesPurchased: 30,
		AmountSats:       1500,
		State:            database.Active,
		PaymentMethod:    database.PayWallet,
		CreatedAt:        now,
		StartedAt:        &now,
		ExpiresAt:        &expires,
	}
	require.NoError(t, database.NewSessionRepository(db).Create(ctx, session))
	require.NoError(t, reg.TryReserve(ctx, held.ID, session.ID))

	idle, busy, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, free.ID, idle[0].ID)
	require.Len(t, busy, 1)
	assert.Equal(t, held.ID, busy[0].Node.ID)
	require.NotNil(t, busy[0].BusyUntil)
	assert.WithinDuration(t, expires, *busy[0].BusyUntil, time.Second)
}

func TestRegistry_Heartbeat_RefreshesLiveness(t *testing.T) {
	reg, db, _, owner := testRegistry(t)
	ctx := context.Background()

	node, err := reg.Register(ctx, registerRequest(owner.ID))
	require.NoError(t, err)

	// Age the heartbeat past the cutoff, then refresh it.
	_, err = db.Pool().Exec(ctx,
		`UPDATE nodes SET last_heartbeat_at = $2 WHERE node_id = $1`,
		node.ID, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)

	require.NoError(t, reg.Heartbeat(ctx, node.ID, 0, node.Hardware, node.Models))

	stale, err := reg.MarkStale(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
