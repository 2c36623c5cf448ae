package query

import (
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/model"
	"context"

	"github.com/google/uuid"
)

// DefaultListLimit caps list endpoints when the client gives no limit.
const DefaultListLimit = 100

// Reader is the read surface of the engine.
type Reader interface {
	GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error)
	ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Trade, error)
	GetBalances(ctx context.Context, userID uuid.UUID) ([]*model.Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]*model.Transaction, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*model.Request, error)
	ListRequests(ctx context.Context, status model.RequestStatus) ([]*model.Request, error)
	Reconcile(ctx context.Context, userID uuid.UUID, currency string) (ledger.Reconciliation, error)
}

// Service renders read projections as response DTOs.
type Service struct {
	r Reader
}

func NewService(r Reader) *Service {
	return &Service{r: r}
}

func (s *Service) GetTrade(ctx context.Context, id uuid.UUID) (*TradeResponse, error) {
	t, err := s.r.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := NewTradeResponse(t)
	return &resp, nil
}

// ListTrades returns a user's trades, newest first.
func (s *Service) ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]TradeResponse, error) {
	trades, err := s.r.ListTrades(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]TradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, NewTradeResponse(t))
	}
	return out, nil
}

func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) ([]BalanceResponse, error) {
	balances, err := s.r.GetBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]BalanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, NewBalanceResponse(b))
	}
	return out, nil
}

// ListTransactions returns a user's transaction log, newest first. An
// empty currency lists all currencies.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]TransactionResponse, error) {
	txs, err := s.r.ListTransactions(ctx, userID, currency, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]TransactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, NewTransactionResponse(t))
	}
	return out, nil
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*RequestResponse, error) {
	r, err := s.r.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := NewRequestResponse(r)
	return &resp, nil
}

func (s *Service) ListRequests(ctx context.Context, status model.RequestStatus) ([]RequestResponse, error) {
	reqs, err := s.r.ListRequests(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, NewRequestResponse(r))
	}
	return out, nil
}

// Reconcile reports a mismatch as Balanced=false rather than as an error;
// the engine has already logged it.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID, currency string) (*ReconcileResponse, error) {
	rec, err := s.r.Reconcile(ctx, userID, currency)
	if err != nil && model.KindOf(err) != model.KindInvariantViolation {
		return nil, err
	}
	resp := NewReconcileResponse(rec)
	return &resp, nil
}

func clampLimit(n int) int {
	if n <= 0 || n > DefaultListLimit {
		return DefaultListLimit
	}
	return n
}
