package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction of a binary option.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeActive    TradeStatus = "active"
	TradeCompleted TradeStatus = "completed"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// Trade is a fixed-duration binary option. Amount is locked from the
// user's available balance for the whole time the trade is active.
type Trade struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Symbol          string
	Direction       Direction
	Amount          decimal.Decimal
	Currency        string
	DurationSeconds int
	ProfitRate      decimal.Decimal
	EntryPrice      decimal.Decimal
	ExitPrice       *decimal.Decimal
	Status          TradeStatus
	Won             *bool
	Profit          *decimal.Decimal
	NeedsManual     bool
	Attempts        int
	ResolvedBy      string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CompletedAt     *time.Time
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	c := *t
	if t.ExitPrice != nil {
		p := *t.ExitPrice
		c.ExitPrice = &p
	}
	if t.Won != nil {
		w := *t.Won
		c.Won = &w
	}
	if t.Profit != nil {
		p := *t.Profit
		c.Profit = &p
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
