//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"ai-lightning/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("development")
}

func createTestSession(t *testing.T, db *DB, userID, nodeID string) *Session {
	t.Helper()

	session := &Session{
		ID:               uuid.New().String(),
		UserID:           userID,
		NodeID:           nodeID,
		ModelID:          "llama-3.1-8b-q4",
		ContextLength:    4096,
		MinutesPurchased: 10,
		AmountSats:       1000,
		State:            PendingPayment,
		PaymentMethod:    PayLightning,
		CreatedAt:        time.Now().UTC(),
	}

	repo := NewSessionRepository(db)
	require.NoError(t, repo.Create(context.Background(), session))
	return session
}

func TestSessionRepository_CreateAndGet(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	user := CreateTestUser(t, db, "alice", 0)
	node := CreateTestNode(t, db, user.ID, 100)
	session := createTestSession(t, db, user.ID, node.ID)

	repo := NewSessionRepository(db)
	retrieved, err := repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, retrieved.ID)
	assert.Equal(t, PendingPayment, retrieved.State)
	assert.Equal(t, int64(1000), retrieved.AmountSats)
	assert.Equal(t, PayLightning, retrieved.PaymentMethod)
	assert.Nil(t, retrieved.PaidAt)
}

func TestSessionRepository_GetByID_NotFound(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewSessionRepository(db)
	session, err := repo.GetByID(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, session)
}

func TestSessionRepository_MarkPaid_ExactlyOnce(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	user := CreateTestUser(t, db, "alice", 0)
	node := CreateTestNode(t, db, user.ID, 100)
	session := createTestSession(t, db, user.ID, node.ID)

	repo := NewSessionRepository(db)
	ctx := context.Background()

	won, err := repo.MarkPaid(ctx, session.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, won)

	// Second observation of the same payment loses the compare-and-set.
	won, err = repo.MarkPaid(ctx, session.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, won)

	retrieved, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, Starting, retrieved.State)
	assert.NotNil(t, retrieved.PaidAt)
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	user := CreateTestUser(t, db, "alice", 0)
	node := CreateTestNode(t, db, user.ID, 100)
	session := createTestSession(t, db, user.ID, node.ID)

	repo := NewSessionRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	won, err := repo.MarkPaid(ctx, session.ID, now)
	require.NoError(t, err)
	require.True(t, won)

	expiresAt := now.Add(10 * time.Minute)
	won, err = repo.MarkActive(ctx, session.ID, now, expiresAt)
	require.NoError(t, err)
	require.True(t, won)

	won, err = repo.MarkSettling(ctx, session.ID, 700)
	require.NoError(t, err)
	require.True(t, won)

	// An expiry racing the user end loses: the session already left active.
	won, err = repo.MarkSettling(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = repo.MarkEnded(ctx, session.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)

	// Settlement replay is a no-op.
	won, err = repo.MarkEnded(ctx, session.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, won)

	retrieved, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, Ended, retrieved.State)
	assert.Equal(t, int64(700), retrieved.RefundSats)
	assert.NotNil(t, retrieved.EndedAt)
}

func TestSessionRepository_MarkRefunding(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	user := CreateTestUser(t, db, "alice", 0)
	node := CreateTestNode(t, db, user.ID, 100)
	session := createTestSession(t, db, user.ID, node.ID)

	repo := NewSessionRepository(db)
	ctx := context.Background()

	won, err := repo.MarkPaid(ctx, session.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)

	won, err = repo.MarkRefunding(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, won)

	retrieved, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, Refunding, retrieved.State)
	// Load failure refunds the full purchase.
	assert.Equal(t, retrieved.AmountSats, retrieved.RefundSats)
}

func TestSessionRepository_MarkEndedFromPending(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	user := CreateTestUser(t, db, "alice", 0)
	node := CreateTestNode(t, db, user.ID, 100)
	session := createTestSession(t, db, user.ID, node.ID)

	repo := NewSessionRepository(db)
	ctx := context.Background()

	won, err := repo.MarkEndedFromPending(ctx, session.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, won)

	// A paid session cannot be cancelled through the pending path.
	other := createTestSession(t, db, user.ID, node.ID)
	_, err = repo.MarkPaid(ctx, other.ID, time.Now().UTC())
	require.NoError(t, err)
	won, err = repo.MarkEndedFromPending(ctx, other.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSessionRepository_ListExpiredActive(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	user := CreateTestUser(t, db, "alice", 0)
	node := CreateTestNode(t, db, user.ID, 100)
	session := createTestSession(t, db, user.ID, node.ID)

	repo := NewSessionRepository(db)
	ctx := context.Background()

	started := time.Now().UTC().Add(-20 * time.Minute)
	_, err := repo.MarkPaid(ctx, session.ID, started)
	require.NoError(t, err)
	_, err = repo.MarkActive(ctx, session.ID, started, started.Add(10*time.Minute))
	require.NoError(t, err)

	expired, err := repo.ListExpiredActive(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, session.ID, expired[0].ID)

	// Not yet expired sessions stay out of the scan.
	expired, err = repo.ListExpiredActive(ctx, started.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)
}
