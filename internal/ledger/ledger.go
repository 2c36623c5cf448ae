// Package ledger owns every balance mutation. Callers never write balance
// rows directly; they call into Ledger with an open store.Tx so the
// balance change and the transaction record documenting it commit as one
// unit.
package ledger

import (
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/store"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger applies balance mutations inside a caller-provided transaction.
type Ledger struct {
	metrics *observability.Metrics
}

func New(metrics *observability.Metrics) *Ledger {
	return &Ledger{metrics: metrics}
}

// Lock moves amount from available to locked. The total is unchanged, so
// no transaction record is written.
func (l *Ledger) Lock(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	if err := validateMove(userID, currency, amount); err != nil {
		return nil, err
	}
	b, err := tx.BalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}
	if b.Available.LessThan(amount) {
		l.rejected("lock", "insufficient_funds")
		return nil, model.Errorf(model.ErrInsufficientFunds, "available %s < %s %s", b.Available, amount, currency)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	if err := tx.PutBalance(ctx, b); err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}
	l.applied("lock")
	return b, nil
}

// Release moves amount from locked back to available.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	if err := validateMove(userID, currency, amount); err != nil {
		return nil, err
	}
	b, err := tx.BalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}
	if b.Locked.LessThan(amount) {
		l.rejected("release", "insufficient_locked")
		return nil, model.Errorf(model.ErrInsufficientFunds, "locked %s < %s %s", b.Locked, amount, currency)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	if err := tx.PutBalance(ctx, b); err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}
	l.applied("release")
	return b, nil
}

// Credit adds to available and records the entry.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	return l.apply(ctx, tx, "credit", e, 1, func(b *model.Balance) error {
		b.Available = b.Available.Add(e.Amount)
		return nil
	})
}

// Debit subtracts from available and records the entry.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	return l.apply(ctx, tx, "debit", e, -1, func(b *model.Balance) error {
		if b.Available.LessThan(e.Amount) {
			return model.Errorf(model.ErrInsufficientFunds, "available %s < %s %s", b.Available, e.Amount, e.Currency)
		}
		b.Available = b.Available.Sub(e.Amount)
		return nil
	})
}

// DebitLocked removes previously locked funds without returning them to
// available: a lost stake or a paid-out withdrawal.
func (l *Ledger) DebitLocked(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	return l.apply(ctx, tx, "debit_locked", e, -1, func(b *model.Balance) error {
		if b.Locked.LessThan(e.Amount) {
			return model.Errorf(model.ErrInsufficientFunds, "locked %s < %s %s", b.Locked, e.Amount, e.Currency)
		}
		b.Locked = b.Locked.Sub(e.Amount)
		return nil
	})
}

// Conversion is the pair of records written by Convert.
type Conversion struct {
	Debit  *model.Transaction
	Credit *model.Transaction
	Rate   decimal.Decimal
}

// Convert debits amount of from and credits amount*rate of to. Both rows
// are locked in currency order so concurrent conversions between the same
// pair cannot deadlock.
func (l *Ledger) Convert(ctx context.Context, tx store.Tx, userID uuid.UUID, from, to string, amount, rate decimal.Decimal, ref string) (*Conversion, error) {
	if from == to {
		return nil, model.Errorf(model.ErrValidation, "cannot convert %s to itself", from)
	}
	if !rate.IsPositive() {
		return nil, model.Errorf(model.ErrValidation, "conversion rate must be positive, got %s", rate)
	}
	credited := Round(amount.Mul(rate))
	if !credited.IsPositive() {
		return nil, model.Errorf(model.ErrValidation, "converted amount rounds to zero")
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	if _, err := tx.BalanceForUpdate(ctx, userID, first); err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}
	if _, err := tx.BalanceForUpdate(ctx, userID, second); err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}

	meta := map[string]string{
		"from": from,
		"to":   to,
		"rate": rate.String(),
	}
	debit, err := l.Debit(ctx, tx, Entry{
		UserID: userID, Currency: from, Amount: amount,
		Type: model.TxTransfer, Reference: ref, Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	credit, err := l.Credit(ctx, tx, Entry{
		UserID: userID, Currency: to, Amount: credited,
		Type: model.TxTransfer, Reference: ref, Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	l.applied("convert")
	return &Conversion{Debit: debit, Credit: credit, Rate: rate}, nil
}

// apply performs a total-changing mutation and appends its transaction
// record in the same Tx. The delta actually applied to the row must equal
// the signed entry amount or the unit aborts.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, op string, e Entry, sign int64, mutate func(b *model.Balance) error) (*model.Transaction, error) {
	if err := e.validate(); err != nil {
		l.rejected(op, "validation")
		return nil, err
	}

	b, err := tx.BalanceForUpdate(ctx, e.UserID, e.Currency)
	if err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}
	before := b.Total()

	if err := mutate(b); err != nil {
		l.rejected(op, model.KindOf(err).String())
		return nil, err
	}

	delta := e.Amount.Mul(decimal.NewFromInt(sign))
	if err := checkDelta(before, b, delta); err != nil {
		l.invariant()
		return nil, err
	}

	if err := tx.PutBalance(ctx, b); err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}

	rec := &model.Transaction{
		ID:        uuid.New(),
		UserID:    e.UserID,
		Type:      e.Type,
		Amount:    delta,
		Currency:  e.Currency,
		Status:    model.TxCompleted,
		Reference: e.Reference,
		Metadata:  e.Metadata,
	}
	if err := tx.AppendTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	l.applied(op)
	return rec, nil
}

func checkDelta(before decimal.Decimal, after *model.Balance, want decimal.Decimal) error {
	if after.Available.IsNegative() || after.Locked.IsNegative() {
		return model.Errorf(model.ErrInvariantViolation, "negative balance %s available=%s locked=%s",
			after.Currency, after.Available, after.Locked)
	}
	if got := after.Total().Sub(before); !got.Equal(want) {
		return model.Errorf(model.ErrInvariantViolation, "balance delta %s does not match entry %s", got, want)
	}
	return nil
}

func validateMove(userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if userID == uuid.Nil {
		return model.Errorf(model.ErrValidation, "user id is required")
	}
	if currency == "" {
		return model.Errorf(model.ErrValidation, "currency is required")
	}
	if !amount.IsPositive() {
		return model.Errorf(model.ErrValidation, "amount must be positive, got %s", amount)
	}
	return nil
}

func (l *Ledger) applied(op string) {
	if l.metrics != nil {
		l.metrics.LedgerOps.WithLabelValues(op).Inc()
	}
}

func (l *Ledger) rejected(op, reason string) {
	if l.metrics != nil {
		l.metrics.LedgerRejected.WithLabelValues(op, reason).Inc()
	}
}

func (l *Ledger) invariant() {
	if l.metrics != nil {
		l.metrics.InvariantBreaks.Inc()
	}
}
