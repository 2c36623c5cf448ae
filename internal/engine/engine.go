// Package engine is the entry point the transport layer calls. It wires the
// trade registry, settlement scheduler and approval workflow, refuses new
// trades until recovery has finished, and emits domain events once the
// change they describe has committed.
package engine

import (
	"OptionLedger/internal/approval"
	"OptionLedger/internal/event"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/settlement"
	"OptionLedger/internal/store"
	"OptionLedger/internal/trade"
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Service
	Registry  *trade.Registry
	Scheduler *settlement.Scheduler
	Workflow  *approval.Workflow
	Prices    market.PriceSource
	Events    event.Sink
	Log       zerolog.Logger
}

type Engine struct {
	store     store.Store
	ledger    *ledger.Service
	registry  *trade.Registry
	scheduler *settlement.Scheduler
	workflow  *approval.Workflow
	prices    market.PriceSource
	events    event.Sink
	log       zerolog.Logger

	ready atomic.Bool
}

func New(d Deps) *Engine {
	if d.Events == nil {
		d.Events = event.Discard
	}
	return &Engine{
		store:     d.Store,
		ledger:    d.Ledger,
		registry:  d.Registry,
		scheduler: d.Scheduler,
		workflow:  d.Workflow,
		prices:    d.Prices,
		events:    d.Events,
		log:       d.Log,
	}
}

// Recover settles trades that expired while the engine was down and arms
// the rest. The engine becomes ready only after it succeeds.
func (e *Engine) Recover(ctx context.Context) error {
	start := time.Now()
	n, err := e.scheduler.Recover(ctx)
	if err != nil {
		return err
	}
	e.ready.Store(true)
	e.log.Info().Int("settled", n).Dur("took", time.Since(start)).Msg("engine ready")
	return nil
}

// Ready reports whether recovery has completed.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Schedule returns the duration table trades are validated against.
func (e *Engine) Schedule() *trade.Schedule { return e.registry.Schedule() }

func (e *Engine) SubmitTrade(ctx context.Context, p trade.SubmitParams) (*model.Trade, error) {
	if !e.Ready() {
		return nil, model.Errorf(model.ErrNotReady, "recovery in progress")
	}
	tr, err := e.registry.Submit(ctx, p)
	if err != nil {
		return nil, err
	}
	e.scheduler.Arm(tr)
	e.events.Emit(event.NewTradeOpened(tr))
	return tr, nil
}

func (e *Engine) CancelTrade(ctx context.Context, id uuid.UUID, adminID string) (*model.Trade, error) {
	if adminID == "" {
		return nil, model.Errorf(model.ErrValidation, "admin id is required")
	}
	tr, err := e.registry.Cancel(ctx, id, adminID)
	if err != nil {
		return nil, err
	}
	e.scheduler.Disarm(id)
	e.events.Emit(&event.TradeCancelled{TradeID: tr.ID, UserID: tr.UserID, CancelledBy: adminID})
	return tr, nil
}

// ResolveManually settles a trade flagged for manual resolution with the
// exit price an admin observed.
func (e *Engine) ResolveManually(ctx context.Context, id uuid.UUID, exitPrice decimal.Decimal, adminID string) (*settlement.Report, error) {
	return e.scheduler.ResolveManually(ctx, id, exitPrice, adminID)
}

func (e *Engine) RequestDeposit(ctx context.Context, p approval.DepositParams) (*model.Request, error) {
	r, err := e.workflow.RequestDeposit(ctx, p)
	if err != nil {
		return nil, err
	}
	e.events.Emit(event.NewRequestCreated(r))
	return r, nil
}

func (e *Engine) AttachProof(ctx context.Context, id uuid.UUID, proof string) (*model.Request, error) {
	return e.workflow.AttachProof(ctx, id, proof)
}

// RequestWithdrawal is refused during recovery: eligibility counts
// completed trades, which recovery may still be settling.
func (e *Engine) RequestWithdrawal(ctx context.Context, p approval.WithdrawalParams) (*model.Request, error) {
	if !e.Ready() {
		return nil, model.Errorf(model.ErrNotReady, "recovery in progress")
	}
	r, err := e.workflow.RequestWithdrawal(ctx, p)
	if err != nil {
		return nil, err
	}
	e.events.Emit(event.NewRequestCreated(r))
	return r, nil
}

// AdminApprove applies an admin's decision to a pending request.
func (e *Engine) AdminApprove(ctx context.Context, id uuid.UUID, d approval.Decision) (*approval.Decided, error) {
	out, err := e.workflow.Decide(ctx, id, d)
	if err != nil {
		return nil, err
	}
	e.events.Emit(event.NewRequestDecided(out.Request))
	if c := out.Conversion; c != nil {
		e.emitConversion(c)
	}
	return out, nil
}

// Convert exchanges amount of from into to at the current market rate.
// The rate comes from the {FROM}{TO} symbol, or the inverse of {TO}{FROM}.
func (e *Engine) Convert(ctx context.Context, userID uuid.UUID, from, to string, amount decimal.Decimal) (*ledger.Conversion, error) {
	from, to = model.NormalizeCurrency(from), model.NormalizeCurrency(to)
	if from == "" || to == "" {
		return nil, model.Errorf(model.ErrValidation, "both currencies are required")
	}
	if !amount.IsPositive() {
		return nil, model.Errorf(model.ErrValidation, "amount must be positive, got %s", amount)
	}
	rate, err := e.rate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c, err := e.ledger.Convert(ctx, userID, from, to, amount, rate, uuid.NewString())
	if err != nil {
		return nil, err
	}
	e.emitConversion(c)
	return c, nil
}

func (e *Engine) rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	direct, err := e.prices.Price(ctx, from+to)
	if err == nil {
		return direct, nil
	}
	inverse, ierr := e.prices.Price(ctx, to+from)
	if ierr != nil || !inverse.IsPositive() {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(1).DivRound(inverse, 16), nil
}

func (e *Engine) emitConversion(c *ledger.Conversion) {
	e.events.Emit(&event.BalanceConverted{
		Reference: c.Debit.Reference,
		UserID:    c.Debit.UserID,
		From:      c.Debit.Currency,
		To:        c.Credit.Currency,
		Debited:   c.Debit.Amount.Neg(),
		Credited:  c.Credit.Amount,
		Rate:      c.Rate,
	})
}

// --- Read projections ---

func (e *Engine) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return e.registry.Get(ctx, id)
}

func (e *Engine) ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Trade, error) {
	return e.registry.ListByUser(ctx, userID, limit)
}

func (e *Engine) GetBalances(ctx context.Context, userID uuid.UUID) ([]*model.Balance, error) {
	return e.store.ListBalances(ctx, userID)
}

func (e *Engine) ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]*model.Transaction, error) {
	return e.store.ListTransactions(ctx, userID, model.NormalizeCurrency(currency), limit)
}

func (e *Engine) GetRequest(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	return e.workflow.Get(ctx, id)
}

func (e *Engine) ListRequests(ctx context.Context, status model.RequestStatus) ([]*model.Request, error) {
	return e.workflow.List(ctx, status)
}

// Reconcile compares the balance total with the sum of its transactions.
func (e *Engine) Reconcile(ctx context.Context, userID uuid.UUID, currency string) (ledger.Reconciliation, error) {
	r, err := e.ledger.Reconcile(ctx, userID, model.NormalizeCurrency(currency))
	if err != nil && model.KindOf(err) == model.KindInvariantViolation {
		e.log.Error().Err(err).
			Str("user_id", userID.String()).
			Str("currency", currency).
			Msg("reconciliation mismatch")
	}
	return r, err
}
