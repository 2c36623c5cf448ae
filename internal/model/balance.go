package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is one (user, currency) ledger row.
// Invariant: Available >= 0, Locked >= 0.
type Balance struct {
	UserID    uuid.UUID
	Currency  string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Total returns available + locked.
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Clone returns a copy safe to mutate.
func (b *Balance) Clone() *Balance {
	c := *b
	return &c
}

// BalanceKey identifies a ledger row.
type BalanceKey struct {
	UserID   uuid.UUID
	Currency string
}

func (k BalanceKey) String() string {
	return k.UserID.String() + ":" + k.Currency
}

// NormalizeCurrency upper-cases and trims a currency symbol.
func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
