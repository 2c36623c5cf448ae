package approval_test

import (
	"OptionLedger/internal/approval"
	"OptionLedger/internal/eligibility"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/store"
	"OptionLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const password = "correct horse"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store    *store.Memory
	ledger   *ledger.Service
	creds    *approval.MemoryCredentials
	prices   *market.Static
	workflow *approval.Workflow
}

func newFixture(t *testing.T, autoConvert bool) *fixture {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(nil)
	creds := approval.NewMemoryCredentials()
	prices := market.NewStatic(map[string]decimal.Decimal{"BTCUSDT": d("60000")})
	gate := eligibility.NewGate(mem, eligibility.DefaultMinCompletedTrades)
	wf := approval.NewWorkflow(mem, l, gate, creds, prices, approval.Config{
		SettlementCurrency: "usdt",
		AutoConvert:        autoConvert,
	}, nil, testutil.Logger(t))
	return &fixture{store: mem, ledger: ledger.NewService(mem, l), creds: creds, prices: prices, workflow: wf}
}

// user returns a funded user with a withdrawal password and n completed
// trades.
func (f *fixture) user(t *testing.T, funds string, completed int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	f.creds.SetHash(id, hash)

	if funds != "" {
		_, err := f.ledger.Credit(ctx, ledger.Entry{
			UserID: id, Currency: "USDT", Amount: d(funds), Type: model.TxDeposit, Reference: "seed",
		})
		require.NoError(t, err)
	}
	for i := 0; i < completed; i++ {
		err := f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertTrade(ctx, &model.Trade{
				ID: uuid.New(), UserID: id, Symbol: "BTCUSDT", Direction: model.DirectionUp,
				Amount: d("100"), Currency: "USDT", DurationSeconds: 30, Status: model.TradeCompleted,
				CreatedAt: time.Now(), ExpiresAt: time.Now(),
			})
		})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) balance(t *testing.T, user uuid.UUID, cur string) *model.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user, cur)
	require.NoError(t, err)
	return b
}

func (f *fixture) txCount(t *testing.T, user uuid.UUID) int {
	t.Helper()
	txs, err := f.store.ListTransactions(context.Background(), user, "", 0)
	require.NoError(t, err)
	return len(txs)
}

func TestDeposit_ApproveCredits(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	user := f.user(t, "", 0)

	r, err := f.workflow.RequestDeposit(ctx, approval.DepositParams{UserID: user, Currency: "usdt", Amount: d("250")})
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, r.Status)
	assert.Equal(t, "USDT", r.Currency)

	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	require.ErrorIs(t, err, model.ErrInvalidTransition, "pending deposits need proof before approval")

	r, err = f.workflow.AttachProof(ctx, r.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.RequestVerifying, r.Status)

	out, err := f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, out.Request.Status)
	assert.Equal(t, "ops", out.Request.DecidedBy)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, model.TxDeposit, out.Transaction.Type)
	assert.Nil(t, out.Conversion)

	assert.True(t, f.balance(t, user, "USDT").Available.Equal(d("250")))

	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.True(t, f.balance(t, user, "USDT").Available.Equal(d("250")))
}

// A rejected deposit writes no transaction and changes no balance.
func TestDeposit_RejectHasNoLedgerEffect(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	user := f.user(t, "", 0)

	r, err := f.workflow.RequestDeposit(ctx, approval.DepositParams{
		UserID: user, Currency: "USDT", Amount: d("500"), Proof: "receipt-17",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RequestVerifying, r.Status)

	out, err := f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: false, AdminID: "ops", Reason: "receipt unreadable"})
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, out.Request.Status)
	assert.Equal(t, "receipt unreadable", out.Request.Reason)
	assert.Nil(t, out.Transaction)

	assert.Zero(t, f.txCount(t, user))
	assert.True(t, f.balance(t, user, "USDT").Total().IsZero())

	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestDeposit_PendingCanBeRejected(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	user := f.user(t, "", 0)

	r, err := f.workflow.RequestDeposit(ctx, approval.DepositParams{UserID: user, Currency: "USDT", Amount: d("10")})
	require.NoError(t, err)
	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{AdminID: "ops"})
	require.NoError(t, err)

	_, err = f.workflow.AttachProof(ctx, r.ID, "late")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestDeposit_AutoConvertsToSettlementCurrency(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	user := f.user(t, "", 0)

	r, err := f.workflow.RequestDeposit(ctx, approval.DepositParams{
		UserID: user, Currency: "BTC", Amount: d("0.5"), Proof: "txhash",
	})
	require.NoError(t, err)

	out, err := f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	require.NoError(t, err)
	require.NotNil(t, out.Conversion)
	assert.True(t, out.Conversion.Rate.Equal(d("60000")))

	assert.True(t, f.balance(t, user, "BTC").Total().IsZero())
	assert.True(t, f.balance(t, user, "USDT").Available.Equal(d("30000")))

	for _, cur := range []string{"BTC", "USDT"} {
		_, err := f.ledger.Reconcile(ctx, user, cur)
		assert.NoError(t, err, cur)
	}
}

func TestDeposit_AutoConvertNeedsRate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	user := f.user(t, "", 0)

	r, err := f.workflow.RequestDeposit(ctx, approval.DepositParams{
		UserID: user, Currency: "ETH", Amount: d("2"), Proof: "txhash",
	})
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	require.ErrorIs(t, err, model.ErrMarketUnavailable)

	still, err := f.workflow.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestVerifying, still.Status)
	assert.Zero(t, f.txCount(t, user))
}

// One completed trade is below the threshold of two: refused, nothing locked.
func TestWithdrawal_RequiresCompletedTrades(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	user := f.user(t, "1000", 1)

	_, err := f.workflow.RequestWithdrawal(ctx, approval.WithdrawalParams{
		UserID: user, Currency: "USDT", Amount: d("100"), Address: "TXyz", Password: password,
	})
	require.ErrorIs(t, err, model.ErrMinimumTradesNotMet)

	b := f.balance(t, user, "USDT")
	assert.True(t, b.Available.Equal(d("1000")))
	assert.True(t, b.Locked.IsZero())

	reqs, err := f.workflow.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestWithdrawal_BadPasswordLocksNothing(t *testing.T) {
	f := newFixture(t, false)
	user := f.user(t, "1000", 2)

	_, err := f.workflow.RequestWithdrawal(context.Background(), approval.WithdrawalParams{
		UserID: user, Currency: "USDT", Amount: d("100"), Address: "TXyz", Password: "wrong",
	})
	require.ErrorIs(t, err, model.ErrBadCredentials)
	assert.True(t, f.balance(t, user, "USDT").Locked.IsZero())
}

func TestWithdrawal_ApproveDebitsLocked(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	user := f.user(t, "1000", 2)

	r, err := f.workflow.RequestWithdrawal(ctx, approval.WithdrawalParams{
		UserID: user, Currency: "USDT", Amount: d("400"), Address: "TXyz", Password: password,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RequestVerifying, r.Status)

	b := f.balance(t, user, "USDT")
	assert.True(t, b.Available.Equal(d("600")))
	assert.True(t, b.Locked.Equal(d("400")))

	out, err := f.workflow.Decide(ctx, r.ID, approval.Decision{Approve: true, AdminID: "ops"})
	require.NoError(t, err)
	assert.Equal(t, model.TxWithdraw, out.Transaction.Type)
	assert.True(t, out.Transaction.Amount.Equal(d("-400")))

	b = f.balance(t, user, "USDT")
	assert.True(t, b.Available.Equal(d("600")))
	assert.True(t, b.Locked.IsZero())
	_, err = f.ledger.Reconcile(ctx, user, "USDT")
	assert.NoError(t, err)
}

func TestWithdrawal_RejectReleases(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	user := f.user(t, "1000", 3)

	r, err := f.workflow.RequestWithdrawal(ctx, approval.WithdrawalParams{
		UserID: user, Currency: "USDT", Amount: d("1000"), Address: "TXyz", Password: password,
	})
	require.NoError(t, err)

	_, err = f.workflow.RequestWithdrawal(ctx, approval.WithdrawalParams{
		UserID: user, Currency: "USDT", Amount: d("1"), Address: "TXyz", Password: password,
	})
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{AdminID: "ops", Reason: "address flagged"})
	require.NoError(t, err)

	b := f.balance(t, user, "USDT")
	assert.True(t, b.Available.Equal(d("1000")))
	assert.True(t, b.Locked.IsZero())
	assert.Equal(t, 1, f.txCount(t, user))

	_, err = f.workflow.Decide(ctx, r.ID, approval.Decision{AdminID: "ops"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestDecide_RequiresAdmin(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.workflow.Decide(context.Background(), uuid.New(), approval.Decision{Approve: true})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.workflow.Decide(context.Background(), uuid.New(), approval.Decision{Approve: true, AdminID: "ops"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
