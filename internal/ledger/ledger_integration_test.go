//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"ai-lightning/internal/database"
	"ai-lightning/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestService_CreditDebit(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 0)
	user := database.CreateTestUser(t, db, "alice", 0)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, user.ID, 5000, database.TxDeposit, "Lightning deposit", nil))

	balance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)

	require.NoError(t, svc.Debit(ctx, user.ID, 2000, database.TxWithdrawal, "withdrawal", nil))

	balance, err = svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	err = svc.Debit(ctx, user.ID, 4000, database.TxWithdrawal, "too much", nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Failed debit left the balance untouched.
	balance, err = svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)
}

func TestService_Debit_ConcurrentNeverNegative(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 0)
	user := database.CreateTestUser(t, db, "alice", 1000)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	// Ten racing debits of 300 against a balance of 1000: at most three
	// can succeed.
	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Debit(ctx, user.ID, 300, database.TxWithdrawal, "race", nil)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 3, succeeded)

	balance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestService_Transfer_Escrow(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 0)
	user := database.CreateTestUser(t, db, "alice", 10000)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	sessionID := "a2c3a8f2-53f8-4f8e-9a87-000000000001"
	err := svc.Transfer(ctx, user.ID, house.ID, 500, 0,
		database.TxSessionPayment, database.TxDeposit, "Escrow for session", &sessionID)
	require.NoError(t, err)

	userBalance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9500), userBalance)

	houseBalance, err := svc.GetBalance(ctx, house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), houseBalance)
}

func TestService_SettleSession_FullConsumption(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 500)
	user := database.CreateTestUser(t, db, "alice", 0)
	owner := database.CreateTestUser(t, db, "bob", 0)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	// 5 minutes at 100 sats fully consumed with a 10% commission.
	err := svc.SettleSession(ctx, SettleParams{
		SessionID:   "a2c3a8f2-53f8-4f8e-9a87-000000000002",
		UserID:      user.ID,
		OwnerUserID: owner.ID,
		AmountSats:  500,
		RefundSats:  0,
		Commission:  0.10,
	})
	require.NoError(t, err)

	ownerBalance, err := svc.GetBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(450), ownerBalance)

	houseBalance, err := svc.GetBalance(ctx, house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), houseBalance)

	userBalance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), userBalance)
}

func TestService_SettleSession_EarlyEndRefund(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 800)
	user := database.CreateTestUser(t, db, "alice", 0)
	owner := database.CreateTestUser(t, db, "bob", 0)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	// 8 minutes purchased at 100 sats, ended during minute 3: 300 charged,
	// 500 refunded.
	err := svc.SettleSession(ctx, SettleParams{
		SessionID:   "a2c3a8f2-53f8-4f8e-9a87-000000000003",
		UserID:      user.ID,
		OwnerUserID: owner.ID,
		AmountSats:  800,
		RefundSats:  500,
		Commission:  0.10,
	})
	require.NoError(t, err)

	ownerBalance, err := svc.GetBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(270), ownerBalance)

	houseBalance, err := svc.GetBalance(ctx, house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), houseBalance)

	userBalance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), userBalance)
}

func TestService_SettleSession_FullRefund(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 500)
	user := database.CreateTestUser(t, db, "alice", 0)
	owner := database.CreateTestUser(t, db, "bob", 0)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	// Node failure: the user gets everything back, nobody else is paid.
	err := svc.SettleSession(ctx, SettleParams{
		SessionID:   "a2c3a8f2-53f8-4f8e-9a87-000000000004",
		UserID:      user.ID,
		OwnerUserID: owner.ID,
		AmountSats:  500,
		RefundSats:  500,
		Commission:  0.10,
	})
	require.NoError(t, err)

	ownerBalance, err := svc.GetBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ownerBalance)

	houseBalance, err := svc.GetBalance(ctx, house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), houseBalance)

	userBalance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), userBalance)
}

func TestService_ListTransactions(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	house := database.CreateTestUser(t, db, "house", 0)
	user := database.CreateTestUser(t, db, "alice", 0)

	svc := NewService(db, house.ID)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, user.ID, 1000, database.TxDeposit, "first", nil))
	require.NoError(t, svc.Credit(ctx, user.ID, 2000, database.TxDeposit, "second", nil))
	require.NoError(t, svc.Debit(ctx, user.ID, 500, database.TxWithdrawal, "third", nil))

	txs, err := svc.ListTransactions(ctx, user.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	// Newest first.
	assert.Equal(t, "third", txs[0].Description)
	assert.Equal(t, int64(-500), txs[0].AmountSats)
	assert.Equal(t, database.TxWithdrawal, txs[0].Type)

	// A signed sum over the history reproduces the balance.
	var sum int64
	for _, tx := range txs {
		sum += tx.AmountSats
	}
	balance, err := svc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, balance, sum)
}
