package ledger

import (
	"OptionLedger/internal/model"
	"OptionLedger/internal/store"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reconciliation compares a balance row against its transaction log.
type Reconciliation struct {
	UserID           uuid.UUID
	Currency         string
	BalanceTotal     decimal.Decimal
	TransactionTotal decimal.Decimal
}

// Balanced reports whether the row total equals the sum of its records.
func (r Reconciliation) Balanced() bool {
	return r.BalanceTotal.Equal(r.TransactionTotal)
}

// Reconcile reads the locked row and the sum of completed transactions in
// the same Tx. A mismatch is returned as an invariant violation along with
// the figures.
func (l *Ledger) Reconcile(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string) (Reconciliation, error) {
	b, err := tx.BalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("lock balance row: %w", err)
	}
	sum, err := tx.SumTransactions(ctx, userID, currency)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("sum transactions: %w", err)
	}

	r := Reconciliation{
		UserID:           userID,
		Currency:         currency,
		BalanceTotal:     b.Total(),
		TransactionTotal: sum,
	}
	if !r.Balanced() {
		l.invariant()
		return r, model.Errorf(model.ErrInvariantViolation, "%s %s: balance total %s != transaction sum %s",
			userID, currency, r.BalanceTotal, r.TransactionTotal)
	}
	return r, nil
}
