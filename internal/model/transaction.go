package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the kind of balance-affecting event.
type TransactionType string

const (
	TxDeposit   TransactionType = "deposit"
	TxWithdraw  TransactionType = "withdraw"
	TxTradeWin  TransactionType = "trade_win"
	TxTradeLoss TransactionType = "trade_loss"
	TxTransfer  TransactionType = "transfer"
	TxBonus     TransactionType = "bonus"
)

// TransactionStatus of an appended record. Records are never updated.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is one append-only audit record. Amount is signed: it is
// the exact delta applied to the (UserID, Currency) balance total.
type Transaction struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      TransactionType
	Amount    decimal.Decimal
	Currency  string
	Status    TransactionStatus
	Reference string // trade or request id the record documents
	Metadata  map[string]string
	CreatedAt time.Time
}
