package event

import (
	"OptionLedger/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RequestCreated struct {
	RequestID uuid.UUID           `json:"request_id"`
	Kind      model.RequestKind   `json:"kind"`
	UserID    uuid.UUID           `json:"user_id"`
	Currency  string              `json:"currency"`
	Amount    decimal.Decimal     `json:"amount"`
	Status    model.RequestStatus `json:"status"`
}

func NewRequestCreated(r *model.Request) *RequestCreated {
	return &RequestCreated{
		RequestID: r.ID,
		Kind:      r.Kind,
		UserID:    r.UserID,
		Currency:  r.Currency,
		Amount:    r.Amount,
		Status:    r.Status,
	}
}

func (r *RequestCreated) IdempotencyKey() string { return r.RequestID.String() + ":created" }
func (r *RequestCreated) EventType() EventType   { return EventTypeRequestCreated }

// RequestDecided is emitted once per request, on approval or rejection.
type RequestDecided struct {
	RequestID uuid.UUID           `json:"request_id"`
	Kind      model.RequestKind   `json:"kind"`
	UserID    uuid.UUID           `json:"user_id"`
	Currency  string              `json:"currency"`
	Amount    decimal.Decimal     `json:"amount"`
	Status    model.RequestStatus `json:"status"`
	DecidedBy string              `json:"decided_by"`
	Reason    string              `json:"reason,omitempty"`
}

func NewRequestDecided(r *model.Request) *RequestDecided {
	return &RequestDecided{
		RequestID: r.ID,
		Kind:      r.Kind,
		UserID:    r.UserID,
		Currency:  r.Currency,
		Amount:    r.Amount,
		Status:    r.Status,
		DecidedBy: r.DecidedBy,
		Reason:    r.Reason,
	}
}

func (r *RequestDecided) IdempotencyKey() string { return r.RequestID.String() + ":decided" }
func (r *RequestDecided) EventType() EventType   { return EventTypeRequestDecided }
