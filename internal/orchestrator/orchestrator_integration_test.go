//go:build integration

package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/lnd"
	"ai-lightning/internal/noderpc"
	"ai-lightning/internal/registry"
	"ai-lightning/internal/settlement"
	"ai-lightning/pkg/cache"
	"ai-lightning/pkg/logger"
	"ai-lightning/pkg/queue"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

// fakeLightning is an in-memory LightningClient: invoices settle when the
// test says so.
type fakeLightning struct {
	mu       sync.Mutex
	invoices map[string]*lnd.InvoiceStatus
}

func newFakeLightning() *fakeLightning {
	return &fakeLightning{invoices: make(map[string]*lnd.InvoiceStatus)}
}

func (f *fakeLightning) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*lnd.CreatedInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := hex.EncodeToString([]byte(uuid.New().String()))[:64]
	f.invoices[hash] = &lnd.InvoiceStatus{PaymentHash: hash, State: lnd.InvoiceOpen, AmountSats: amountSats}
	return &lnd.CreatedInvoice{PaymentHash: hash, Bolt11: "lnbcrt-" + hash, AmountSats: amountSats, Expiry: 3600}, nil
}

func (f *fakeLightning) LookupInvoice(ctx context.Context, paymentHash string) (*lnd.InvoiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.invoices[paymentHash]
	if !ok {
		return nil, lnd.ErrInvoiceNotFound
	}
	return st, nil
}

func (f *fakeLightning) settle(paymentHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[paymentHash].State = lnd.InvoiceSettled
}

func (f *fakeLightning) DecodeInvoice(ctx context.Context, bolt11 string) (*lnd.DecodedInvoice, error) {
	return nil, lnd.ErrInvalidInvoice
}

func (f *fakeLightning) PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*lnd.PaymentResult, error) {
	return nil, lnd.ErrInvalidInvoice
}

func (f *fakeLightning) GetInfo(ctx context.Context) (*lnd.NodeInfo, error) {
	return &lnd.NodeInfo{Alias: "fake", SyncedToChain: true}, nil
}

func (f *fakeLightning) Close() error { return nil }

// readyAgent is a node agent whose model is ready immediately.
func readyAgent(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start_session", "/api/stop_session":
			w.WriteHeader(http.StatusOK)
		case "/api/status":
			json.NewEncoder(w).Encode(noderpc.AgentStatus{State: noderpc.StateReady})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

type fixture struct {
	db       *database.DB
	orch     *Orchestrator
	worker   *settlement.Worker
	ledger   *ledger.Service
	registry *registry.Registry
	sessions *database.SessionRepository
	lnd      *fakeLightning
	house    *database.User
	user     *database.User
	owner    *database.User
	node     *database.Node
}

func setup(t *testing.T, agentURL string) *fixture {
	t.Helper()

	db := database.SetupTestDB(t)
	t.Cleanup(func() {
		database.CleanupTestDB(t, db)
		db.Close()
	})

	require.NoError(t, cache.Init(cache.Config{Host: "localhost", Port: "6379"}))

	house := database.CreateTestUser(t, db, "house-"+uuid.New().String()[:8], 0)
	user := database.CreateTestUser(t, db, "alice-"+uuid.New().String()[:8], 10000)
	owner := database.CreateTestUser(t, db, "bob-"+uuid.New().String()[:8], 0)
	node := database.CreateTestNode(t, db, owner.ID, 100)
	if agentURL != "" {
		_, err := db.Pool().Exec(context.Background(),
			`UPDATE nodes SET address = $2 WHERE node_id = $1`, node.ID, agentURL)
		require.NoError(t, err)
	}

	sessions := database.NewSessionRepository(db)
	invoices := database.NewInvoiceRepository(db)
	nodes := database.NewNodeRepository(db)
	ledgerSvc := ledger.NewService(db, house.ID)
	reg := registry.NewRegistry(nodes, sessions, ledgerSvc, 1000)
	fake := newFakeLightning()
	streamQueue := queue.NewStreamQueue(cache.Client)

	orch := New(sessions, invoices, reg, ledgerSvc, fake, noderpc.NewClient(10*time.Millisecond), streamQueue,
		Pricing{CommissionRate: 0.10, MinMinutes: 1, MaxMinutes: 120},
		Deadlines{Starting: 10 * time.Minute, Download: 30 * time.Minute},
	)

	worker := settlement.NewWorker(streamQueue, sessions, ledgerSvc, reg, 0.10, nil,
		"test-"+uuid.New().String()[:8])

	return &fixture{
		db: db, orch: orch, worker: worker, ledger: ledgerSvc, registry: reg,
		sessions: sessions, lnd: fake, house: house, user: user, owner: owner, node: node,
	}
}

func (f *fixture) waitForState(t *testing.T, sessionID string, want database.SessionState) *database.Session {
	t.Helper()
	var session *database.Session
	require.Eventually(t, func() bool {
		var err error
		session, err = f.sessions.GetByID(context.Background(), sessionID)
		require.NoError(t, err)
		return session.State == want
	}, 5*time.Second, 20*time.Millisecond, "session never reached %s", want)
	return session
}

func TestOrchestrator_WalletFlow_EndToEnd(t *testing.T) {
	agent := readyAgent(t)
	defer agent.Close()

	f := setup(t, agent.URL)
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID:        f.user.ID,
		NodeID:        f.node.ID,
		ModelID:       "llama-3.1-8b-q4",
		ContextLength: 4096,
		Minutes:       5,
		PaymentMethod: database.PayWallet,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Invoice)
	assert.Equal(t, int64(500), result.Session.AmountSats)

	// The node is held exclusively while the purchase is pending.
	node, err := f.registry.GetNode(ctx, f.node.ID)
	require.NoError(t, err)
	assert.Equal(t, database.Busy, node.Status)

	_, err = f.orch.PayFromWallet(ctx, result.Session.ID, f.user.ID)
	require.NoError(t, err)

	// Escrow: the user paid, the house holds the funds.
	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9500), balance)
	balance, err = f.ledger.GetBalance(ctx, f.house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	// The ready agent activates the session.
	f.waitForState(t, result.Session.ID, database.Active)

	// User ends inside the first minute: one minute charged, four refunded.
	require.NoError(t, f.orch.EndSession(ctx, result.Session.ID, f.user.ID))
	session := f.waitForState(t, result.Session.ID, database.Settling)
	assert.Equal(t, int64(400), session.RefundSats)

	// Settle directly, without waiting on the consumer loop.
	msg := &settlement.SettleSessionMessage{SessionID: session.ID, Reason: settlement.ReasonUserEnded}
	require.NoError(t, f.worker.Settle(ctx, msg))

	session, err = f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, database.Ended, session.State)

	// 100 charged: 90 to the owner, 10 commission, 400 back to the user.
	balance, err = f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), balance)
	balance, err = f.ledger.GetBalance(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
	balance, err = f.ledger.GetBalance(ctx, f.house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	// The node is free again.
	node, err = f.registry.GetNode(ctx, f.node.ID)
	require.NoError(t, err)
	assert.Equal(t, database.Online, node.Status)

	// A settlement replay changes nothing.
	require.NoError(t, f.worker.Settle(ctx, msg))
	balance, err = f.ledger.GetBalance(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestOrchestrator_LightningFlow(t *testing.T) {
	agent := readyAgent(t)
	defer agent.Close()

	f := setup(t, agent.URL)
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID:        f.user.ID,
		NodeID:        f.node.ID,
		ModelID:       "llama-3.1-8b-q4",
		Minutes:       5,
		PaymentMethod: database.PayLightning,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Invoice)
	assert.Equal(t, int64(500), result.Invoice.AmountSats)

	f.lnd.settle(result.Invoice.PaymentHash)
	require.NoError(t, f.orch.InvoiceSettled(ctx, result.Invoice.PaymentHash))

	// The settled amount lands on the house escrow.
	balance, err := f.ledger.GetBalance(ctx, f.house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	f.waitForState(t, result.Session.ID, database.Active)

	// A second observation of the same settlement is a no-op.
	require.NoError(t, f.orch.InvoiceSettled(ctx, result.Invoice.PaymentHash))
	balance, err = f.ledger.GetBalance(ctx, f.house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestOrchestrator_PayFromWallet_ConcurrentCallsDebitOnce(t *testing.T) {
	agent := readyAgent(t)
	defer agent.Close()

	f := setup(t, agent.URL)
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	require.NoError(t, err)

	// A burst of pay calls for the same session: one claims the transition
	// and debits, the rest are rejected before any money moves.
	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.PayFromWallet(ctx, result.Session.ID, f.user.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var paid, rejected int
	for err := range errs {
		if err == nil {
			paid++
		} else {
			assert.ErrorIs(t, err, ErrWrongState)
			rejected++
		}
	}
	assert.Equal(t, 1, paid)
	assert.Equal(t, racers-1, rejected)

	// Exactly one escrow landed.
	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9500), balance)
	balance, err = f.ledger.GetBalance(ctx, f.house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestOrchestrator_PayFromWallet_DebitFailureStaysPayable(t *testing.T) {
	agent := readyAgent(t)
	defer agent.Close()

	f := setup(t, agent.URL)
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	require.NoError(t, err)

	// Drain the balance between purchase and payment.
	require.NoError(t, f.ledger.Debit(ctx, f.user.ID, 10000, database.TxWithdrawal, "drain", nil))

	_, err = f.orch.PayFromWallet(ctx, result.Session.ID, f.user.ID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The claim was handed back: still unpaid, still payable.
	session, err := f.sessions.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PendingPayment, session.State)
	assert.Nil(t, session.PaidAt)

	// Topped back up, the payment goes through.
	require.NoError(t, f.ledger.Credit(ctx, f.user.ID, 500, database.TxDeposit, "top up", nil))
	_, err = f.orch.PayFromWallet(ctx, result.Session.ID, f.user.ID)
	require.NoError(t, err)
	f.waitForState(t, result.Session.ID, database.Active)
}

func TestOrchestrator_WalletInsufficientBalance(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	// 120 minutes at 100 sats exceeds the 10k balance.
	_, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID:        f.user.ID,
		NodeID:        f.node.ID,
		ModelID:       "llama-3.1-8b-q4",
		Minutes:       120,
		PaymentMethod: database.PayWallet,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed purchase held nothing.
	node, err := f.registry.GetNode(ctx, f.node.ID)
	require.NoError(t, err)
	assert.Equal(t, database.Online, node.Status)
}

func TestOrchestrator_InvalidPurchases(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	_, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 0, PaymentMethod: database.PayWallet,
	})
	assert.ErrorIs(t, err, ErrInvalidMinutes)

	_, err = f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 121, PaymentMethod: database.PayWallet,
	})
	assert.ErrorIs(t, err, ErrInvalidMinutes)

	_, err = f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "no-such-model",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	assert.ErrorIs(t, err, ErrModelUnsupported)

	// Context length beyond the model's limit.
	_, err = f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		ContextLength: 32768, Minutes: 5, PaymentMethod: database.PayWallet,
	})
	assert.ErrorIs(t, err, ErrModelUnsupported)
}

func TestOrchestrator_NodeExclusivity(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	_, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	require.NoError(t, err)

	// The node is taken; a second purchase is refused.
	_, err = f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	assert.ErrorIs(t, err, database.ErrNodeBusy)
}

func TestOrchestrator_CancelPending_FreesNode(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayLightning,
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.CancelPending(ctx, result.Session.ID))

	session, err := f.sessions.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, database.Ended, session.State)

	node, err := f.registry.GetNode(ctx, f.node.ID)
	require.NoError(t, err)
	assert.Equal(t, database.Online, node.Status)

	// Nothing was paid, nothing moved.
	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)
}

func TestOrchestrator_LoadFailure_FullRefund(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start_session":
			w.WriteHeader(http.StatusOK)
		case "/api/status":
			json.NewEncoder(w).Encode(noderpc.AgentStatus{State: noderpc.StateError, Error: "gguf corrupt"})
		}
	}))
	defer failing.Close()

	f := setup(t, failing.URL)
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	require.NoError(t, err)

	_, err = f.orch.PayFromWallet(ctx, result.Session.ID, f.user.ID)
	require.NoError(t, err)

	session := f.waitForState(t, result.Session.ID, database.Refunding)
	assert.Equal(t, session.AmountSats, session.RefundSats)

	msg := &settlement.SettleSessionMessage{SessionID: session.ID, Reason: settlement.ReasonLoadFailed}
	require.NoError(t, f.worker.Settle(ctx, msg))

	// Everything back: the user is whole, nobody else was paid.
	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)
	balance, err = f.ledger.GetBalance(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	balance, err = f.ledger.GetBalance(ctx, f.house.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestOrchestrator_EndSession_WrongUser(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	result, err := f.orch.NewSession(ctx, NewSessionRequest{
		UserID: f.user.ID, NodeID: f.node.ID, ModelID: "llama-3.1-8b-q4",
		Minutes: 5, PaymentMethod: database.PayWallet,
	})
	require.NoError(t, err)

	err = f.orch.EndSession(ctx, result.Session.ID, f.owner.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}
