// Package store defines the transactional storage boundary shared by the
// ledger, trade registry, settlement scheduler and approval workflow.
//
// A Tx is the single commit unit: balance rows, transaction log records,
// trades and requests written through one Tx become visible together or
// not at all. Row-level locks taken through the *ForUpdate methods are
// held until the Tx ends, so operations on the same row serialize while
// unrelated rows proceed independently.
package store

import (
	"OptionLedger/internal/model"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is implemented by the Postgres store and the in-memory store.
type Store interface {
	Reader

	// RunInTx runs fn inside one transaction. fn returning an error rolls
	// everything back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write surface available inside RunInTx.
type Tx interface {
	// BalanceForUpdate locks the (user, currency) row and returns a copy.
	// A missing row is returned zeroed and is created on PutBalance.
	BalanceForUpdate(ctx context.Context, userID uuid.UUID, currency string) (*model.Balance, error)
	PutBalance(ctx context.Context, b *model.Balance) error

	AppendTransaction(ctx context.Context, t *model.Transaction) error
	SumTransactions(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error)

	InsertTrade(ctx context.Context, t *model.Trade) error
	TradeForUpdate(ctx context.Context, id uuid.UUID) (*model.Trade, error)
	UpdateTrade(ctx context.Context, t *model.Trade) error

	InsertRequest(ctx context.Context, r *model.Request) error
	RequestForUpdate(ctx context.Context, id uuid.UUID) (*model.Request, error)
	UpdateRequest(ctx context.Context, r *model.Request) error
}

// Reader serves read-only projections outside of a transaction.
type Reader interface {
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*model.Balance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]*model.Balance, error)

	GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error)
	ListTradesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Trade, error)
	// ActiveTradesDueBefore returns active trades with expires_at <= t,
	// ordered by expires_at ascending.
	ActiveTradesDueBefore(ctx context.Context, t time.Time) ([]*model.Trade, error)
	ActiveTrades(ctx context.Context) ([]*model.Trade, error)
	CountCompletedTrades(ctx context.Context, userID uuid.UUID) (int, error)

	// ListTransactions returns newest first. Empty currency means all.
	ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]*model.Transaction, error)

	GetRequest(ctx context.Context, id uuid.UUID) (*model.Request, error)
	// ListRequests returns oldest first. Empty status means all.
	ListRequests(ctx context.Context, status model.RequestStatus) ([]*model.Request, error)
}
