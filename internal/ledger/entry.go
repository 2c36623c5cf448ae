package ledger

import (
	"OptionLedger/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places amounts are rounded to when a
// computation (payouts, conversions) produces more.
const Precision int32 = 8

// Entry describes one balance-total change together with the transaction
// record that documents it. Amount is the positive magnitude; the sign is
// implied by the operation.
type Entry struct {
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Type      model.TransactionType
	Reference string
	Metadata  map[string]string
}

func (e Entry) validate() error {
	if e.UserID == uuid.Nil {
		return model.Errorf(model.ErrValidation, "user id is required")
	}
	if e.Currency == "" {
		return model.Errorf(model.ErrValidation, "currency is required")
	}
	if !e.Amount.IsPositive() {
		return model.Errorf(model.ErrValidation, "amount must be positive, got %s", e.Amount)
	}
	if e.Type == "" {
		return model.Errorf(model.ErrValidation, "transaction type is required")
	}
	return nil
}

// Round applies the ledger's rounding (banker's rounding at Precision).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Precision)
}
