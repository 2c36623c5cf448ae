package trade

import (
	"OptionLedger/internal/model"
	"time"

	"github.com/shopspring/decimal"
)

// Transition validates a state change. Terminal states are only reachable
// from active.
func Transition(from, to model.TradeStatus) error {
	switch {
	case from == model.TradePending && to == model.TradeActive:
		return nil
	case from == model.TradeActive && (to == model.TradeCompleted || to == model.TradeCancelled):
		return nil
	case from == model.TradeCompleted:
		return model.Errorf(model.ErrAlreadySettled, "%s -> %s", from, to)
	case from == model.TradeCancelled:
		return model.Errorf(model.ErrAlreadyCancelled, "%s -> %s", from, to)
	}
	return model.Errorf(model.ErrInvalidTransition, "%s -> %s", from, to)
}

// Settlement is what settlement writes onto a completed trade.
type Settlement struct {
	ExitPrice  decimal.Decimal
	Won        bool
	Profit     decimal.Decimal // signed: +profit on win, -amount on loss, 0 on push
	ResolvedBy string
	At         time.Time
}

// Complete moves tr to completed and records the settlement fields.
func Complete(tr *model.Trade, s Settlement) error {
	if err := Transition(tr.Status, model.TradeCompleted); err != nil {
		return err
	}
	exit := s.ExitPrice
	won := s.Won
	profit := s.Profit
	at := s.At
	tr.Status = model.TradeCompleted
	tr.ExitPrice = &exit
	tr.Won = &won
	tr.Profit = &profit
	tr.ResolvedBy = s.ResolvedBy
	tr.NeedsManual = false
	tr.CompletedAt = &at
	return nil
}

// Cancel moves tr to cancelled.
func Cancel(tr *model.Trade, by string, at time.Time) error {
	if err := Transition(tr.Status, model.TradeCancelled); err != nil {
		return err
	}
	tr.Status = model.TradeCancelled
	tr.ResolvedBy = by
	tr.CompletedAt = &at
	return nil
}
