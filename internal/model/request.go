package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RequestKind distinguishes deposit from withdrawal requests.
type RequestKind string

const (
	RequestDeposit    RequestKind = "deposit"
	RequestWithdrawal RequestKind = "withdrawal"
)

// RequestStatus of an approval workflow request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestVerifying RequestStatus = "verifying"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// Request is a deposit or withdrawal awaiting admin decision.
type Request struct {
	ID        uuid.UUID
	Kind      RequestKind
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Proof     string // tx hash or receipt reference
	Address   string // withdrawal destination
	Status    RequestStatus
	DecidedBy string
	Reason    string
	CreatedAt time.Time
	DecidedAt *time.Time
}

func (r *Request) Clone() *Request {
	c := *r
	if r.DecidedAt != nil {
		ts := *r.DecidedAt
		c.DecidedAt = &ts
	}
	return &c
}
