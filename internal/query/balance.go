package query

import (
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/model"
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is one (user, currency) balance row.
type BalanceResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Currency  string    `json:"currency"`
	Available string    `json:"available"`
	Locked    string    `json:"locked"`
	Total     string    `json:"total"` // available + locked
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBalanceResponse(b *model.Balance) BalanceResponse {
	return BalanceResponse{
		UserID:    b.UserID,
		Currency:  b.Currency,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
		Total:     b.Total().String(),
		UpdatedAt: b.UpdatedAt,
	}
}

// ReconcileResponse compares a balance total with the sum of the
// transaction log for the same (user, currency).
type ReconcileResponse struct {
	UserID           uuid.UUID `json:"user_id"`
	Currency         string    `json:"currency"`
	BalanceTotal     string    `json:"balance_total"`
	TransactionTotal string    `json:"transaction_total"`
	Balanced         bool      `json:"balanced"`
}

func NewReconcileResponse(r ledger.Reconciliation) ReconcileResponse {
	return ReconcileResponse{
		UserID:           r.UserID,
		Currency:         r.Currency,
		BalanceTotal:     r.BalanceTotal.String(),
		TransactionTotal: r.TransactionTotal.String(),
		Balanced:         r.Balanced(),
	}
}

func NewConversionResponse(c *ledger.Conversion) ConversionResponse {
	return ConversionResponse{
		Reference: c.Debit.Reference,
		From:      c.Debit.Currency,
		To:        c.Credit.Currency,
		Debited:   c.Debit.Amount.Neg().String(),
		Credited:  c.Credit.Amount.String(),
		Rate:      c.Rate.String(),
	}
}
