package ledger

import (
	"OptionLedger/internal/model"
	"OptionLedger/internal/store"
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service runs single ledger operations in their own transaction, for
// callers that are not already inside one.
type Service struct {
	store  store.Store
	ledger *Ledger
}

func NewService(s store.Store, l *Ledger) *Service {
	return &Service{store: s, ledger: l}
}

// Ledger returns the underlying tx-scoped ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

func (s *Service) Credit(ctx context.Context, e Entry) (*model.Transaction, error) {
	var rec *model.Transaction
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = s.ledger.Credit(ctx, tx, e)
		return err
	})
	return rec, err
}

func (s *Service) Convert(ctx context.Context, userID uuid.UUID, from, to string, amount, rate decimal.Decimal, ref string) (*Conversion, error) {
	var c *Conversion
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = s.ledger.Convert(ctx, tx, userID, from, to, amount, rate, ref)
		return err
	})
	return c, err
}

func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID, currency string) (Reconciliation, error) {
	var r Reconciliation
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		r, err = s.ledger.Reconcile(ctx, tx, userID, currency)
		return err
	})
	return r, err
}
