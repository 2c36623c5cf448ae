package query_test

import (
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/model"
	"OptionLedger/internal/query"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeReader struct {
	query.Reader // unimplemented methods panic

	trades    []*model.Trade
	lastLimit int
	rec       ledger.Reconciliation
	recErr    error
}

func (f *fakeReader) ListTrades(_ context.Context, _ uuid.UUID, limit int) ([]*model.Trade, error) {
	f.lastLimit = limit
	return f.trades, nil
}

func (f *fakeReader) Reconcile(context.Context, uuid.UUID, string) (ledger.Reconciliation, error) {
	return f.rec, f.recErr
}

func completed(won bool, profit string) *model.Trade {
	p := d(profit)
	exit := d("60100")
	at := time.Date(2026, 6, 1, 0, 0, 30, 0, time.UTC)
	return &model.Trade{
		ID: uuid.New(), UserID: uuid.New(), Symbol: "BTCUSDT", Direction: model.DirectionUp,
		Amount: d("100"), Currency: "USDT", DurationSeconds: 30, ProfitRate: d("0.1"),
		EntryPrice: d("60000"), ExitPrice: &exit, Status: model.TradeCompleted,
		Won: &won, Profit: &p, ResolvedBy: "system", CompletedAt: &at,
	}
}

func TestNewTradeResponse_Outcome(t *testing.T) {
	tests := []struct {
		name  string
		trade *model.Trade
		want  string
	}{
		{"win", completed(true, "10"), "win"},
		{"lose", completed(false, "-100"), "lose"},
		{"push", completed(false, "0"), "push"},
		{"active", &model.Trade{Status: model.TradeActive, Amount: d("100")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, query.NewTradeResponse(tt.trade).Outcome)
		})
	}

	r := query.NewTradeResponse(completed(true, "10"))
	require.NotNil(t, r.ExitPrice)
	assert.Equal(t, "60100", *r.ExitPrice)
	assert.Equal(t, "0.1", r.ProfitRate)
}

func TestListTrades_ClampsLimit(t *testing.T) {
	f := &fakeReader{trades: []*model.Trade{completed(true, "10")}}
	svc := query.NewService(f)

	out, err := svc.ListTrades(context.Background(), uuid.New(), 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, query.DefaultListLimit, f.lastLimit)

	_, err = svc.ListTrades(context.Background(), uuid.New(), 5000)
	require.NoError(t, err)
	assert.Equal(t, query.DefaultListLimit, f.lastLimit)

	_, err = svc.ListTrades(context.Background(), uuid.New(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, f.lastLimit)
}

func TestReconcile_MismatchIsReportedNotRaised(t *testing.T) {
	user := uuid.New()
	f := &fakeReader{
		rec:    ledger.Reconciliation{UserID: user, Currency: "USDT", BalanceTotal: d("10"), TransactionTotal: d("9")},
		recErr: model.Errorf(model.ErrInvariantViolation, "mismatch"),
	}
	resp, err := query.NewService(f).Reconcile(context.Background(), user, "USDT")
	require.NoError(t, err)
	assert.False(t, resp.Balanced)
	assert.Equal(t, "10", resp.BalanceTotal)

	f.recErr = model.Errorf(model.ErrNotReady, "x")
	_, err = query.NewService(f).Reconcile(context.Background(), user, "USDT")
	assert.ErrorIs(t, err, model.ErrNotReady)
}
