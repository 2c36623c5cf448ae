package settlement_test

import (
	"OptionLedger/internal/event"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/outcome"
	"OptionLedger/internal/settlement"
	"OptionLedger/internal/store"
	"OptionLedger/internal/trade"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "OptionLedger/internal/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store     *store.Memory
	ledger    *ledger.Service
	prices    *market.Static
	clock     *tu.Clock
	registry  *trade.Registry
	scheduler *settlement.Scheduler
	events    *event.Recorder
	metrics   *observability.Metrics
}

type options struct {
	tie      outcome.TiePolicy
	window   time.Duration
	schedule *trade.Schedule
	realTime bool
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	if opts.window == 0 {
		opts.window = time.Second
	}
	mem := store.NewMemory()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := ledger.New(metrics)
	prices := market.NewStatic(map[string]decimal.Decimal{"BTCUSDT": d("60000")})
	clock := tu.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	now := clock.Now
	if opts.realTime {
		now = time.Now
	}
	log := tu.Logger(t)

	reg := trade.NewRegistry(mem, l, prices, trade.Config{Currency: "USDT", Schedule: opts.schedule, Now: now}, metrics, log)
	res := outcome.NewResolver(prices, outcome.ResolverConfig{
		MaxRetryWindow: opts.window,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, metrics, log)
	rec := &event.Recorder{}
	sched := settlement.NewScheduler(mem, reg, res, rec, settlement.Config{
		Workers:       2,
		SweepInterval: 50 * time.Millisecond,
		Tie:           opts.tie,
		Now:           now,
	}, metrics, log)

	return &fixture{
		store: mem, ledger: ledger.NewService(mem, l), prices: prices, clock: clock,
		registry: reg, scheduler: sched, events: rec, metrics: metrics,
	}
}

func (f *fixture) fund(t *testing.T, user uuid.UUID, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), ledger.Entry{
		UserID: user, Currency: "USDT", Amount: d(amount), Type: model.TxDeposit, Reference: "seed",
	})
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, user uuid.UUID, dir model.Direction, amount string, seconds int) *model.Trade {
	t.Helper()
	tr, err := f.registry.Submit(context.Background(), trade.SubmitParams{
		UserID: user, Symbol: "BTCUSDT", Direction: dir, Amount: d(amount), DurationSeconds: seconds,
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) balance(t *testing.T, user uuid.UUID) *model.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user, "USDT")
	require.NoError(t, err)
	return b
}

func (f *fixture) reconciled(t *testing.T, user uuid.UUID) {
	t.Helper()
	r, err := f.ledger.Reconcile(context.Background(), user, "USDT")
	require.NoError(t, err)
	assert.True(t, r.Balanced())
}

// Balance 1000, stake 100 up for 30s at 10%, price rises: 1010 available.
func TestSettle_WinCreditsProfit(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "1000")

	tr := f.submit(t, user, model.DirectionUp, "100", 30)
	f.clock.Advance(31 * time.Second)
	f.prices.Set("BTCUSDT", d("60100"))

	rep, err := f.scheduler.Settle(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, rep.Result.Won)
	assert.True(t, rep.Settlement.Profit.Equal(d("10")))

	b := f.balance(t, user)
	assert.True(t, b.Available.Equal(d("1010")), "available=%s", b.Available)
	assert.True(t, b.Locked.IsZero())
	f.reconciled(t, user)

	done, err := f.store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeCompleted, done.Status)
	assert.Equal(t, settlement.ResolvedBySystem, done.ResolvedBy)
	require.NotNil(t, done.ExitPrice)
	assert.True(t, done.ExitPrice.Equal(d("60100")))

	txs, err := f.store.ListTransactions(ctx, user, "USDT", 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TxTradeWin, txs[0].Type)
	assert.Equal(t, tr.ID.String(), txs[0].Reference)

	assert.Len(t, f.events.OfType(event.EventTypeTradeSettled), 1)
}

func TestSettle_LossAndTiePolicies(t *testing.T) {
	cases := []struct {
		name      string
		tie       outcome.TiePolicy
		exit      string
		available string
	}{
		{"loss", outcome.TieLose, "59999", "900"},
		{"tie loses by default", "", "60000", "900"},
		{"tie refunds", outcome.TieRefund, "60000", "1000"},
		{"tie wins", outcome.TieWin, "60000", "1010"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, options{tie: tc.tie})
			user := uuid.New()
			f.fund(t, user, "1000")

			tr := f.submit(t, user, model.DirectionUp, "100", 30)
			f.clock.Advance(30 * time.Second)
			f.prices.Set("BTCUSDT", d(tc.exit))

			_, err := f.scheduler.Settle(context.Background(), tr.ID)
			require.NoError(t, err)

			b := f.balance(t, user)
			assert.True(t, b.Available.Equal(d(tc.available)), "available=%s", b.Available)
			assert.True(t, b.Locked.IsZero())
			f.reconciled(t, user)
		})
	}
}

func TestSettle_SecondAttemptIsNoop(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "1000")

	tr := f.submit(t, user, model.DirectionDown, "100", 30)
	f.clock.Advance(time.Minute)
	f.prices.Set("BTCUSDT", d("59000"))

	_, err := f.scheduler.Settle(ctx, tr.ID)
	require.NoError(t, err)
	before := f.balance(t, user)

	f.prices.Set("BTCUSDT", d("70000"))
	_, err = f.scheduler.Settle(ctx, tr.ID)
	require.ErrorIs(t, err, model.ErrAlreadySettled)

	after := f.balance(t, user)
	assert.True(t, before.Available.Equal(after.Available))
	assert.True(t, after.Available.Equal(d("1010")))

	txs, err := f.store.ListTransactions(ctx, user, "", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DuplicateSettles))
	f.reconciled(t, user)
}

// Each expired trade is hit by several settles and a cancel at once. Exactly
// one settle applies, the cancel is refused, and the ledger reconciles.
func TestSettle_ConcurrentSettlesAndCancelApplyOnce(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "2000")

	const trades, settlers = 20, 4
	ids := make([]uuid.UUID, trades)
	for i := range ids {
		ids[i] = f.submit(t, user, model.DirectionUp, "100", 30).ID
	}
	f.prices.Set("BTCUSDT", d("60100"))
	f.clock.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied = make(map[uuid.UUID]int)
	)
	for _, id := range ids {
		for i := 0; i < settlers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.scheduler.Settle(ctx, id)
				if err == nil {
					mu.Lock()
					applied[id]++
					mu.Unlock()
					return
				}
				if !errors.Is(err, model.ErrAlreadySettled) {
					t.Errorf("settle %s: %v", id, err)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.Cancel(ctx, id, "ops")
			if !errors.Is(err, model.ErrInvalidTransition) && !errors.Is(err, model.ErrAlreadySettled) {
				t.Errorf("cancel %s: expected refusal, got %v", id, err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, applied[id], "trade %s", id)
		tr, err := f.registry.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.TradeCompleted, tr.Status)
	}

	b := f.balance(t, user)
	assert.True(t, b.Locked.IsZero(), "locked=%s", b.Locked)
	assert.True(t, b.Available.Equal(d("2200")), "available=%s", b.Available)
	f.reconciled(t, user)
}

func TestSettle_CancelledTradeIsNoop(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "1000")

	tr := f.submit(t, user, model.DirectionUp, "100", 30)
	_, err := f.registry.Cancel(ctx, tr.ID, "ops")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.scheduler.Settle(ctx, tr.ID)
	require.ErrorIs(t, err, model.ErrAlreadyCancelled)
	assert.True(t, f.balance(t, user).Available.Equal(d("1000")))
}

func TestSettle_NotYetExpired(t *testing.T) {
	f := newFixture(t, options{})
	user := uuid.New()
	f.fund(t, user, "1000")

	tr := f.submit(t, user, model.DirectionUp, "100", 30)
	_, err := f.scheduler.Settle(context.Background(), tr.ID)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSettle_PriceOutageFlagsManualThenAdminResolves(t *testing.T) {
	f := newFixture(t, options{window: 20 * time.Millisecond})
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "1000")

	tr := f.submit(t, user, model.DirectionUp, "100", 30)
	f.clock.Advance(45 * time.Second)
	f.prices.FailNext("BTCUSDT", -1)

	_, err := f.scheduler.Settle(ctx, tr.ID)
	require.ErrorIs(t, err, model.ErrMarketUnavailable)

	flagged, err := f.store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeActive, flagged.Status)
	assert.True(t, flagged.NeedsManual)
	assert.Greater(t, flagged.Attempts, 0)
	assert.True(t, f.balance(t, user).Locked.Equal(d("100")))
	assert.Len(t, f.events.OfType(event.EventTypeTradeNeedsManual), 1)

	rep, err := f.scheduler.ResolveManually(ctx, tr.ID, d("60500"), "ops-7")
	require.NoError(t, err)
	assert.True(t, rep.Result.Won)

	done, err := f.store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeCompleted, done.Status)
	assert.False(t, done.NeedsManual)
	assert.Equal(t, "admin:ops-7", done.ResolvedBy)
	assert.True(t, f.balance(t, user).Available.Equal(d("1010")))
	f.reconciled(t, user)

	_, err = f.scheduler.ResolveManually(ctx, tr.ID, d("50000"), "ops-7")
	assert.ErrorIs(t, err, model.ErrAlreadySettled)
}

func TestResolveManually_RejectsUnexpiredTrade(t *testing.T) {
	f := newFixture(t, options{})
	user := uuid.New()
	f.fund(t, user, "1000")

	tr := f.submit(t, user, model.DirectionUp, "100", 30)
	_, err := f.scheduler.ResolveManually(context.Background(), tr.ID, d("1"), "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.True(t, f.balance(t, user).Locked.Equal(d("100")))
}

// Three trades expire while the process is down; recovery settles each
// once, earliest expiry first.
func TestRecover_SettlesOverdueInExpiryOrder(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "100000")

	late := f.submit(t, user, model.DirectionUp, "1000", 60)
	f.clock.Advance(10 * time.Second)
	early := f.submit(t, user, model.DirectionUp, "100", 30)
	f.clock.Advance(10 * time.Second)
	middle := f.submit(t, user, model.DirectionDown, "100", 30)
	pending := f.submit(t, user, model.DirectionDown, "20000", 300)

	f.clock.Advance(4 * time.Minute)
	f.prices.Set("BTCUSDT", d("60500"))

	settled, err := f.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, settled)

	got := f.events.OfType(event.EventTypeTradeSettled)
	require.Len(t, got, 3)
	order := []uuid.UUID{
		got[0].(*event.TradeSettled).TradeID,
		got[1].(*event.TradeSettled).TradeID,
		got[2].(*event.TradeSettled).TradeID,
	}
	assert.Equal(t, []uuid.UUID{early.ID, middle.ID, late.ID}, order)

	still, err := f.store.GetTrade(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeActive, still.Status)
	assert.Equal(t, 1, f.scheduler.Pending())

	// early wins 10, late wins 150, middle loses its 100
	b := f.balance(t, user)
	assert.True(t, b.Available.Equal(d("80060")), "available=%s", b.Available)
	assert.True(t, b.Locked.Equal(d("20000")))
	f.reconciled(t, user)

	again, err := f.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestRun_SettlesOnExpiry(t *testing.T) {
	sched, err := trade.NewSchedule([]trade.Tier{
		{DurationSeconds: 1, MinAmount: d("1"), ProfitRate: d("0.5")},
	})
	require.NoError(t, err)
	f := newFixture(t, options{schedule: sched, realTime: true})
	user := uuid.New()
	f.fund(t, user, "100")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()

	tr := f.submit(t, user, model.DirectionUp, "10", 1)
	f.scheduler.Arm(tr)
	f.prices.Set("BTCUSDT", d("60001"))

	require.Eventually(t, func() bool {
		got, err := f.store.GetTrade(context.Background(), tr.ID)
		return err == nil && got.Status == model.TradeCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, f.balance(t, user).Available.Equal(d("105")))
	assert.Zero(t, f.scheduler.Pending())

	cancel()
	require.NoError(t, <-done)
}

func TestSweep_ArmsUnarmedOverdueTrades(t *testing.T) {
	f := newFixture(t, options{})
	user := uuid.New()
	f.fund(t, user, "2000")

	f.submit(t, user, model.DirectionUp, "100", 30)
	f.submit(t, user, model.DirectionUp, "1000", 60)
	f.clock.Advance(40 * time.Second)

	n, err := f.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.scheduler.Pending())
}
