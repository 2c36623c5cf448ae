// Package approval runs deposit and withdrawal requests through admin
// review.
//
//	deposit:    pending -> verifying -> approved | rejected
//	withdrawal: verifying -> approved | rejected
//
// Pending deposits may also be rejected directly. Each terminal
// transition has exactly one ledger effect: an approved deposit credits,
// an approved withdrawal debits the locked amount, a rejected withdrawal
// releases it, and a rejected deposit changes nothing.
package approval

import (
	"OptionLedger/internal/eligibility"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/store"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config for a Workflow.
type Config struct {
	// SettlementCurrency is what approved deposits are converted into when
	// AutoConvert is set.
	SettlementCurrency string
	AutoConvert        bool
	Now                func() time.Time
}

// Workflow owns request state and the ledger effects of decisions.
type Workflow struct {
	store   store.Store
	ledger  *ledger.Ledger
	gate    *eligibility.Gate
	creds   Credentials
	prices  market.PriceSource
	cfg     Config
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewWorkflow(s store.Store, l *ledger.Ledger, gate *eligibility.Gate, creds Credentials, prices market.PriceSource, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Workflow {
	cfg.SettlementCurrency = model.NormalizeCurrency(cfg.SettlementCurrency)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Workflow{
		store:   s,
		ledger:  l,
		gate:    gate,
		creds:   creds,
		prices:  prices,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
	}
}

type DepositParams struct {
	UserID   uuid.UUID
	Currency string
	Amount   decimal.Decimal
	Proof    string
}

// RequestDeposit records a deposit claim. With proof attached it starts in
// verifying, otherwise pending.
func (w *Workflow) RequestDeposit(ctx context.Context, p DepositParams) (*model.Request, error) {
	cur := model.NormalizeCurrency(p.Currency)
	if err := validateAmount(p.UserID, cur, p.Amount); err != nil {
		return nil, err
	}
	r := &model.Request{
		ID:        uuid.New(),
		Kind:      model.RequestDeposit,
		UserID:    p.UserID,
		Currency:  cur,
		Amount:    p.Amount,
		Proof:     strings.TrimSpace(p.Proof),
		Status:    model.RequestPending,
		CreatedAt: w.cfg.Now().UTC(),
	}
	if r.Proof != "" {
		r.Status = model.RequestVerifying
	}
	err := w.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	w.created(r)
	return r, nil
}

// AttachProof moves a pending deposit to verifying.
func (w *Workflow) AttachProof(ctx context.Context, id uuid.UUID, proof string) (*model.Request, error) {
	proof = strings.TrimSpace(proof)
	if proof == "" {
		return nil, model.Errorf(model.ErrValidation, "proof is required")
	}
	var out *model.Request
	err := w.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.RequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Kind != model.RequestDeposit {
			return model.Errorf(model.ErrInvalidTransition, "proof applies to deposits only")
		}
		if err := transition(r.Status, model.RequestVerifying); err != nil {
			return err
		}
		r.Proof = proof
		r.Status = model.RequestVerifying
		out = r
		return tx.UpdateRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	w.log.Info().Str("request_id", id.String()).Msg("deposit proof attached")
	return out, nil
}

type WithdrawalParams struct {
	UserID   uuid.UUID
	Currency string
	Amount   decimal.Decimal
	Address  string
	Password string
}

// RequestWithdrawal checks eligibility, then the withdrawal password, then
// locks the amount and records the request in one transaction. A failed
// check locks nothing.
func (w *Workflow) RequestWithdrawal(ctx context.Context, p WithdrawalParams) (*model.Request, error) {
	cur := model.NormalizeCurrency(p.Currency)
	if err := validateAmount(p.UserID, cur, p.Amount); err != nil {
		return nil, err
	}
	address := strings.TrimSpace(p.Address)
	if address == "" {
		return nil, model.Errorf(model.ErrValidation, "destination address is required")
	}
	if err := w.gate.CheckWithdrawal(ctx, p.UserID); err != nil {
		w.log.Info().Err(err).Str("user_id", p.UserID.String()).Msg("withdrawal refused")
		return nil, err
	}
	if err := verifyPassword(ctx, w.creds, p.UserID, p.Password); err != nil {
		w.log.Warn().Str("user_id", p.UserID.String()).Msg("withdrawal password rejected")
		return nil, err
	}

	r := &model.Request{
		ID:        uuid.New(),
		Kind:      model.RequestWithdrawal,
		UserID:    p.UserID,
		Currency:  cur,
		Amount:    p.Amount,
		Address:   address,
		Status:    model.RequestVerifying,
		CreatedAt: w.cfg.Now().UTC(),
	}
	err := w.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := w.ledger.Lock(ctx, tx, r.UserID, r.Currency, r.Amount); err != nil {
			return err
		}
		return tx.InsertRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	w.created(r)
	return r, nil
}

// Decision is an admin's verdict on a request.
type Decision struct {
	Approve bool
	AdminID string
	Reason  string
}

// Decided is the committed result of Decide.
type Decided struct {
	Request     *model.Request
	Transaction *model.Transaction
	Conversion  *ledger.Conversion
}

// Decide applies an admin decision. A request already approved or
// rejected yields ErrInvalidTransition.
func (w *Workflow) Decide(ctx context.Context, id uuid.UUID, d Decision) (*Decided, error) {
	if strings.TrimSpace(d.AdminID) == "" {
		return nil, model.Errorf(model.ErrValidation, "admin id is required")
	}

	rate, err := w.conversionRate(ctx, id, d)
	if err != nil {
		return nil, err
	}

	var out Decided
	err = w.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.RequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		to := model.RequestRejected
		if d.Approve {
			to = model.RequestApproved
		}
		if err := transition(r.Status, to); err != nil {
			return err
		}

		switch {
		case r.Kind == model.RequestDeposit && d.Approve:
			rec, err := w.ledger.Credit(ctx, tx, ledger.Entry{
				UserID:    r.UserID,
				Currency:  r.Currency,
				Amount:    r.Amount,
				Type:      model.TxDeposit,
				Reference: r.ID.String(),
				Metadata:  map[string]string{"proof": r.Proof, "approved_by": d.AdminID},
			})
			if err != nil {
				return err
			}
			out.Transaction = rec
			if rate.IsPositive() {
				conv, err := w.ledger.Convert(ctx, tx, r.UserID, r.Currency, w.cfg.SettlementCurrency, r.Amount, rate, r.ID.String())
				if err != nil {
					return fmt.Errorf("convert deposit: %w", err)
				}
				out.Conversion = conv
			}
		case r.Kind == model.RequestWithdrawal && d.Approve:
			rec, err := w.ledger.DebitLocked(ctx, tx, ledger.Entry{
				UserID:    r.UserID,
				Currency:  r.Currency,
				Amount:    r.Amount,
				Type:      model.TxWithdraw,
				Reference: r.ID.String(),
				Metadata:  map[string]string{"address": r.Address, "approved_by": d.AdminID},
			})
			if err != nil {
				return err
			}
			out.Transaction = rec
		case r.Kind == model.RequestWithdrawal:
			if _, err := w.ledger.Release(ctx, tx, r.UserID, r.Currency, r.Amount); err != nil {
				return err
			}
		}

		at := w.cfg.Now().UTC()
		r.Status = to
		r.DecidedBy = d.AdminID
		r.Reason = strings.TrimSpace(d.Reason)
		r.DecidedAt = &at
		out.Request = r
		return tx.UpdateRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	r := out.Request
	if w.metrics != nil {
		w.metrics.Decisions.WithLabelValues(string(r.Kind), string(r.Status)).Inc()
	}
	w.log.Info().
		Str("request_id", r.ID.String()).
		Str("kind", string(r.Kind)).
		Str("user_id", r.UserID.String()).
		Str("amount", r.Amount.String()).
		Str("currency", r.Currency).
		Str("status", string(r.Status)).
		Str("admin_id", d.AdminID).
		Msg("request decided")
	return &out, nil
}

// conversionRate returns the rate an approved deposit is converted at, or
// zero when no conversion applies. It is fetched before the decision
// transaction so no row lock is held across the market call.
func (w *Workflow) conversionRate(ctx context.Context, id uuid.UUID, d Decision) (decimal.Decimal, error) {
	if !d.Approve || !w.cfg.AutoConvert || w.cfg.SettlementCurrency == "" {
		return decimal.Zero, nil
	}
	r, err := w.store.GetRequest(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if r.Kind != model.RequestDeposit || r.Currency == w.cfg.SettlementCurrency || r.Status.Terminal() {
		return decimal.Zero, nil
	}
	symbol := r.Currency + w.cfg.SettlementCurrency
	rate, err := w.prices.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return rate, nil
}

func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	return w.store.GetRequest(ctx, id)
}

// List returns requests oldest first; empty status lists all.
func (w *Workflow) List(ctx context.Context, status model.RequestStatus) ([]*model.Request, error) {
	return w.store.ListRequests(ctx, status)
}

func (w *Workflow) created(r *model.Request) {
	if w.metrics != nil {
		w.metrics.Requests.WithLabelValues(string(r.Kind)).Inc()
	}
	w.log.Info().
		Str("request_id", r.ID.String()).
		Str("kind", string(r.Kind)).
		Str("user_id", r.UserID.String()).
		Str("amount", r.Amount.String()).
		Str("currency", r.Currency).
		Str("status", string(r.Status)).
		Msg("request created")
}

func transition(from, to model.RequestStatus) error {
	switch {
	case from.Terminal():
		return model.Errorf(model.ErrInvalidTransition, "request already %s", from)
	case from == model.RequestPending && to == model.RequestVerifying:
		return nil
	case from == model.RequestPending && to == model.RequestRejected:
		return nil
	case from == model.RequestVerifying && (to == model.RequestApproved || to == model.RequestRejected):
		return nil
	}
	return model.Errorf(model.ErrInvalidTransition, "%s -> %s", from, to)
}

func validateAmount(userID uuid.UUID, currency string, amount decimal.Decimal) error {
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
