package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceConverted documents a currency conversion. Reference is the id
// shared by both transfer records.
type BalanceConverted struct {
	Reference string          `json:"reference"`
	UserID    uuid.UUID       `json:"user_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Debited   decimal.Decimal `json:"debited"`
	Credited  decimal.Decimal `json:"credited"`
	Rate      decimal.Decimal `json:"rate"`
}

func (b *BalanceConverted) IdempotencyKey() string { return b.Reference + ":converted" }
func (b *BalanceConverted) EventType() EventType   { return EventTypeBalanceConverted }
