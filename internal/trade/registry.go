// Package trade holds the trade registry: submission, cancellation and the
// completion step settlement runs inside its transaction. Every status
// change goes through Transition.
package trade

import (
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/outcome"
	"OptionLedger/internal/store"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config for a Registry.
type Config struct {
	// Currency stakes are locked in and payouts credited in.
	Currency string
	Schedule *Schedule
	Now      func() time.Time
}

// Registry creates and transitions trades.
type Registry struct {
	store    store.Store
	ledger   *ledger.Ledger
	prices   market.PriceSource
	schedule *Schedule
	currency string
	now      func() time.Time
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewRegistry(s store.Store, l *ledger.Ledger, prices market.PriceSource, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Registry {
	if cfg.Schedule == nil {
		cfg.Schedule = MustDefaultSchedule()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:    s,
		ledger:   l,
		prices:   prices,
		schedule: cfg.Schedule,
		currency: model.NormalizeCurrency(cfg.Currency),
		now:      cfg.Now,
		metrics:  metrics,
		log:      log,
	}
}

// Schedule returns the duration table in effect.
func (r *Registry) Schedule() *Schedule { return r.schedule }

// Currency returns the stake currency.
func (r *Registry) Currency() string { return r.currency }

// SubmitParams is a user's trade request.
type SubmitParams struct {
	UserID          uuid.UUID
	Symbol          string
	Direction       model.Direction
	Amount          decimal.Decimal
	DurationSeconds int
}

// Submit validates p, captures the entry price and, in one transaction,
// locks the stake and persists the trade as active. Nothing is written
// when any step fails.
func (r *Registry) Submit(ctx context.Context, p SubmitParams) (*model.Trade, error) {
	tier, err := r.validate(p)
	if err != nil {
		r.rejected(err)
		return nil, err
	}
	symbol := market.NormalizeSymbol(p.Symbol)

	entry, err := r.prices.Price(ctx, symbol)
	if err != nil {
		r.rejected(err)
		if model.KindOf(err) == model.KindExternalDependencyUnavailable {
			return nil, err
		}
		return nil, model.Errorf(model.ErrMarketUnavailable, "entry price %s: %v", symbol, err)
	}

	now := r.now().UTC()
	tr := &model.Trade{
		ID:              uuid.New(),
		UserID:          p.UserID,
		Symbol:          symbol,
		Direction:       p.Direction,
		Amount:          p.Amount,
		Currency:        r.currency,
		DurationSeconds: p.DurationSeconds,
		ProfitRate:      tier.ProfitRate,
		EntryPrice:      entry,
		Status:          model.TradePending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(p.DurationSeconds) * time.Second),
	}
	if err := Transition(tr.Status, model.TradeActive); err != nil {
		return nil, err
	}
	tr.Status = model.TradeActive

	err = r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := r.ledger.Lock(ctx, tx, tr.UserID, tr.Currency, tr.Amount); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, tr)
	})
	if err != nil {
		r.rejected(err)
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.TradesSubmitted.WithLabelValues(strconv.Itoa(tr.DurationSeconds)).Inc()
		r.metrics.ActiveTrades.Inc()
	}
	r.log.Info().
		Str("trade_id", tr.ID.String()).
		Str("user_id", tr.UserID.String()).
		Str("symbol", tr.Symbol).
		Str("direction", string(tr.Direction)).
		Str("amount", tr.Amount.String()).
		Str("entry_price", entry.String()).
		Time("expires_at", tr.ExpiresAt).
		Msg("trade opened")
	return tr, nil
}

func (r *Registry) validate(p SubmitParams) (Tier, error) {
	if p.UserID == uuid.Nil {
		return Tier{}, model.Errorf(model.ErrValidation, "user id is required")
	}
	if market.NormalizeSymbol(p.Symbol) == "" {
		return Tier{}, model.Errorf(model.ErrValidation, "symbol is required")
	}
	if !p.Direction.Valid() {
		return Tier{}, model.Errorf(model.ErrValidation, "direction must be up or down, got %q", p.Direction)
	}
	if !p.Amount.IsPositive() {
		return Tier{}, model.Errorf(model.ErrValidation, "amount must be positive, got %s", p.Amount)
	}
	return r.schedule.Check(p.DurationSeconds, p.Amount)
}

// Cancel moves an active trade to cancelled and releases its stake in the
// same transaction. Only trades that have not yet expired can be cancelled;
// once the expiry has passed the outcome is known and the trade must settle.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID, adminID string) (*model.Trade, error) {
	var out *model.Trade
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err := tx.TradeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := r.now().UTC()
		if tr.Status == model.TradeActive && !tr.ExpiresAt.After(now) {
			return model.Errorf(model.ErrInvalidTransition, "trade %s expired at %s, it can only be settled",
				tr.ID, tr.ExpiresAt.Format(time.RFC3339))
		}
		if err := Cancel(tr, adminID, now); err != nil {
			return err
		}
		if _, err := r.ledger.Release(ctx, tx, tr.UserID, tr.Currency, tr.Amount); err != nil {
			return fmt.Errorf("release stake: %w", err)
		}
		if err := tx.UpdateTrade(ctx, tr); err != nil {
			return fmt.Errorf("update trade: %w", err)
		}
		out = tr
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.TradesCancelled.Inc()
		r.metrics.ActiveTrades.Dec()
	}
	r.log.Info().
		Str("trade_id", id.String()).
		Str("admin_id", adminID).
		Msg("trade cancelled")
	return out, nil
}

// Complete applies the ledger effects of a decided outcome and marks tr
// completed. It must run inside the settlement transaction with tr loaded
// through TradeForUpdate.
//
//	win  -> release stake, credit profit (trade_win)
//	lose -> debit locked stake (trade_loss)
//	push -> release stake
func (r *Registry) Complete(ctx context.Context, tx store.Tx, tr *model.Trade, exit decimal.Decimal, res outcome.Result, resolvedBy string) (Settlement, error) {
	if err := Transition(tr.Status, model.TradeCompleted); err != nil {
		return Settlement{}, err
	}

	s := Settlement{
		ExitPrice:  exit,
		Won:        res.Won,
		ResolvedBy: resolvedBy,
		At:         r.now().UTC(),
	}
	meta := map[string]string{
		"symbol":      tr.Symbol,
		"direction":   string(tr.Direction),
		"entry_price": tr.EntryPrice.String(),
		"exit_price":  exit.String(),
		"resolved_by": resolvedBy,
	}

	switch {
	case res.Push:
		if _, err := r.ledger.Release(ctx, tx, tr.UserID, tr.Currency, tr.Amount); err != nil {
			return Settlement{}, fmt.Errorf("release stake: %w", err)
		}
		s.Profit = decimal.Zero
	case res.Won:
		profit := ledger.Round(tr.Amount.Mul(tr.ProfitRate))
		if _, err := r.ledger.Release(ctx, tx, tr.UserID, tr.Currency, tr.Amount); err != nil {
			return Settlement{}, fmt.Errorf("release stake: %w", err)
		}
		if profit.IsPositive() {
			if _, err := r.ledger.Credit(ctx, tx, ledger.Entry{
				UserID:    tr.UserID,
				Currency:  tr.Currency,
				Amount:    profit,
				Type:      model.TxTradeWin,
				Reference: tr.ID.String(),
				Metadata:  meta,
			}); err != nil {
				return Settlement{}, fmt.Errorf("credit profit: %w", err)
			}
		}
		s.Profit = profit
	default:
		if _, err := r.ledger.DebitLocked(ctx, tx, ledger.Entry{
			UserID:    tr.UserID,
			Currency:  tr.Currency,
			Amount:    tr.Amount,
			Type:      model.TxTradeLoss,
			Reference: tr.ID.String(),
			Metadata:  meta,
		}); err != nil {
			return Settlement{}, fmt.Errorf("debit stake: %w", err)
		}
		s.Profit = tr.Amount.Neg()
	}

	if err := Complete(tr, s); err != nil {
		return Settlement{}, err
	}
	if err := tx.UpdateTrade(ctx, tr); err != nil {
		return Settlement{}, fmt.Errorf("update trade: %w", err)
	}
	return s, nil
}

// RecordExitPrice stores the first exit price obtained for an active
// trade. A price already on record wins and is returned.
func (r *Registry) RecordExitPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal, attempts int) (decimal.Decimal, error) {
	var recorded decimal.Decimal
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err := tx.TradeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if tr.ExitPrice != nil {
			recorded = *tr.ExitPrice
			return nil
		}
		if tr.Status != model.TradeActive {
			return Transition(tr.Status, model.TradeCompleted)
		}
		p := price
		tr.ExitPrice = &p
		tr.Attempts = attempts
		recorded = price
		return tx.UpdateTrade(ctx, tr)
	})
	return recorded, err
}

// MarkNeedsManual flags an active trade whose exit price could not be
// obtained. The stake stays locked.
func (r *Registry) MarkNeedsManual(ctx context.Context, id uuid.UUID, attempts int) (*model.Trade, error) {
	var out *model.Trade
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err := tx.TradeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if tr.Status != model.TradeActive {
			return Transition(tr.Status, model.TradeCompleted)
		}
		tr.NeedsManual = true
		tr.Attempts = attempts
		out = tr
		return tx.UpdateTrade(ctx, tr)
	})
	return out, err
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return r.store.GetTrade(ctx, id)
}

func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Trade, error) {
	return r.store.ListTradesByUser(ctx, userID, limit)
}

// CountCompleted is the number of the user's settled trades.
func (r *Registry) CountCompleted(ctx context.Context, userID uuid.UUID) (int, error) {
	return r.store.CountCompletedTrades(ctx, userID)
}

func (r *Registry) rejected(err error) {
	if r.metrics != nil {
		r.metrics.TradesRejected.WithLabelValues(model.KindOf(err).String()).Inc()
	}
}
