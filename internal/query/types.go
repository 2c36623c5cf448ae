package query

import (
	"OptionLedger/internal/model"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeResponse is a trade as served to clients. Settlement fields are
// omitted until the trade completes.
type TradeResponse struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	Symbol          string     `json:"symbol"`
	Direction       string     `json:"direction"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	DurationSeconds int        `json:"duration_seconds"`
	ProfitRate      string     `json:"profit_rate"`
	EntryPrice      string     `json:"entry_price"`
	ExitPrice       *string    `json:"exit_price,omitempty"`
	Status          string     `json:"status"`
	Outcome         string     `json:"outcome,omitempty"` // win, lose or push
	Profit          *string    `json:"profit,omitempty"`
	NeedsManual     bool       `json:"needs_manual"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func NewTradeResponse(t *model.Trade) TradeResponse {
	r := TradeResponse{
		ID:              t.ID,
		UserID:          t.UserID,
		Symbol:          t.Symbol,
		Direction:       string(t.Direction),
		Amount:          t.Amount.String(),
		Currency:        t.Currency,
		DurationSeconds: t.DurationSeconds,
		ProfitRate:      t.ProfitRate.String(),
		EntryPrice:      t.EntryPrice.String(),
		ExitPrice:       decimalPtr(t.ExitPrice),
		Status:          string(t.Status),
		Profit:          decimalPtr(t.Profit),
		NeedsManual:     t.NeedsManual,
		ResolvedBy:      t.ResolvedBy,
		CreatedAt:       t.CreatedAt,
		ExpiresAt:       t.ExpiresAt,
		CompletedAt:     t.CompletedAt,
	}
	if t.Status == model.TradeCompleted && t.Won != nil {
		switch {
		case *t.Won:
			r.Outcome = "win"
		case t.Profit != nil && t.Profit.IsZero():
			r.Outcome = "push"
		default:
			r.Outcome = "lose"
		}
	}
	return r
}

// TransactionResponse is one transaction log record. Amount is signed.
type TransactionResponse struct {
	ID        uuid.UUID         `json:"id"`
	UserID    uuid.UUID         `json:"user_id"`
	Type      string            `json:"type"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Reference string            `json:"reference,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func NewTransactionResponse(t *model.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:        t.ID,
		UserID:    t.UserID,
		Type:      string(t.Type),
		Amount:    t.Amount.String(),
		Currency:  t.Currency,
		Status:    string(t.Status),
		Reference: t.Reference,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt,
	}
}

// RequestResponse is a deposit or withdrawal request.
type RequestResponse struct {
	ID        uuid.UUID  `json:"id"`
	Kind      string     `json:"kind"`
	UserID    uuid.UUID  `json:"user_id"`
	Currency  string     `json:"currency"`
	Amount    string     `json:"amount"`
	Proof     string     `json:"proof,omitempty"`
	Address   string     `json:"address,omitempty"`
	Status    string     `json:"status"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

func NewRequestResponse(r *model.Request) RequestResponse {
	return RequestResponse{
		ID:        r.ID,
		Kind:      string(r.Kind),
		UserID:    r.UserID,
		Currency:  r.Currency,
		Amount:    r.Amount.String(),
		Proof:     r.Proof,
		Address:   r.Address,
		Status:    string(r.Status),
		DecidedBy: r.DecidedBy,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		DecidedAt: r.DecidedAt,
	}
}

// ConversionResponse describes a completed currency conversion.
type ConversionResponse struct {
	Reference string `json:"reference"`
	From      string `json:"from"`
	To        string `json:"to"`
	Debited   string `json:"debited"`
	Credited  string `json:"credited"`
	Rate      string `json:"rate"`
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
