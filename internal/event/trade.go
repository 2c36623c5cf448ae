package event

import (
	"OptionLedger/internal/model"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeOpened is emitted once a trade is active and its stake locked.
type TradeOpened struct {
	TradeID         uuid.UUID       `json:"trade_id"`
	UserID          uuid.UUID       `json:"user_id"`
	Symbol          string          `json:"symbol"`
	Direction       model.Direction `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	DurationSeconds int             `json:"duration_seconds"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

func NewTradeOpened(t *model.Trade) *TradeOpened {
	return &TradeOpened{
		TradeID:         t.ID,
		UserID:          t.UserID,
		Symbol:          t.Symbol,
		Direction:       t.Direction,
		Amount:          t.Amount,
		Currency:        t.Currency,
		DurationSeconds: t.DurationSeconds,
		EntryPrice:      t.EntryPrice,
		ExpiresAt:       t.ExpiresAt,
	}
}

func (t *TradeOpened) IdempotencyKey() string { return t.TradeID.String() + ":opened" }
func (t *TradeOpened) EventType() EventType   { return EventTypeTradeOpened }

// TradeSettled carries the outcome of a completed trade.
type TradeSettled struct {
	TradeID    uuid.UUID       `json:"trade_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Outcome    string          `json:"outcome"` // win, lose or push
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Profit     decimal.Decimal `json:"profit"`
	Currency   string          `json:"currency"`
	ResolvedBy string          `json:"resolved_by"`
	SettledAt  time.Time       `json:"settled_at"`
}

func (t *TradeSettled) IdempotencyKey() string { return t.TradeID.String() + ":settled" }
func (t *TradeSettled) EventType() EventType   { return EventTypeTradeSettled }

type TradeCancelled struct {
	TradeID     uuid.UUID `json:"trade_id"`
	UserID      uuid.UUID `json:"user_id"`
	CancelledBy string    `json:"cancelled_by"`
}

func (t *TradeCancelled) IdempotencyKey() string { return t.TradeID.String() + ":cancelled" }
func (t *TradeCancelled) EventType() EventType   { return EventTypeTradeCancelled }

// TradeNeedsManual is emitted when no exit price could be obtained within
// the retry window. The stake stays locked until an admin resolves it.
type TradeNeedsManual struct {
	TradeID  uuid.UUID `json:"trade_id"`
	UserID   uuid.UUID `json:"user_id"`
	Symbol   string    `json:"symbol"`
	Attempts int       `json:"attempts"`
}

func (t *TradeNeedsManual) IdempotencyKey() string { return t.TradeID.String() + ":needs_manual" }
func (t *TradeNeedsManual) EventType() EventType   { return EventTypeTradeNeedsManual }
