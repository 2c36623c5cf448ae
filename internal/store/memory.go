package store

import (
	"OptionLedger/internal/model"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store. Row locks are per key; writes are staged
// on the Tx and applied to the shared maps only on commit.
type Memory struct {
	mu       sync.RWMutex // guards the maps below, never held across a Tx
	balances map[model.BalanceKey]*model.Balance
	trades   map[uuid.UUID]*model.Trade
	requests map[uuid.UUID]*model.Request
	txLog    []*model.Transaction

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[model.BalanceKey]*model.Balance),
		trades:   make(map[uuid.UUID]*model.Trade),
		requests: make(map[uuid.UUID]*model.Request),
		locks:    make(map[string]chan struct{}),
	}
}

func (m *Memory) rowLock(key string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[key] = l
	}
	return l
}

// RunInTx implements Store.
func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		m:        m,
		held:     make(map[string]chan struct{}),
		balances: make(map[model.BalanceKey]*model.Balance),
		trades:   make(map[uuid.UUID]*model.Trade),
		requests: make(map[uuid.UUID]*model.Request),
	}
	defer tx.unlockAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	m    *Memory
	held map[string]chan struct{}

	balances map[model.BalanceKey]*model.Balance
	trades   map[uuid.UUID]*model.Trade
	requests map[uuid.UUID]*model.Request
	txLog    []*model.Transaction
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.m.rowLock(key)
	select {
	case l <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTx) unlockAll() {
	for k, l := range t.held {
		<-l
		delete(t.held, k)
	}
}

func (t *memTx) commit() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for k, b := range t.balances {
		t.m.balances[k] = b
	}
	for id, tr := range t.trades {
		t.m.trades[id] = tr
	}
	for id, r := range t.requests {
		t.m.requests[id] = r
	}
	t.m.txLog = append(t.m.txLog, t.txLog...)
}

func balanceLockKey(k model.BalanceKey) string { return "balance:" + k.String() }
func tradeLockKey(id uuid.UUID) string         { return "trade:" + id.String() }
func requestLockKey(id uuid.UUID) string       { return "request:" + id.String() }

func (t *memTx) BalanceForUpdate(ctx context.Context, userID uuid.UUID, currency string) (*model.Balance, error) {
	key := model.BalanceKey{UserID: userID, Currency: currency}
	if err := t.lock(ctx, balanceLockKey(key)); err != nil {
		return nil, err
	}
	if b, ok := t.balances[key]; ok {
		return b.Clone(), nil
	}
	t.m.mu.RLock()
	b, ok := t.m.balances[key]
	t.m.mu.RUnlock()
	if ok {
		return b.Clone(), nil
	}
	return &model.Balance{UserID: userID, Currency: currency}, nil
}

func (t *memTx) PutBalance(ctx context.Context, b *model.Balance) error {
	key := model.BalanceKey{UserID: b.UserID, Currency: b.Currency}
	if _, ok := t.held[balanceLockKey(key)]; !ok {
		return fmt.Errorf("put balance %s: row not locked", key)
	}
	c := b.Clone()
	c.UpdatedAt = time.Now().UTC()
	t.balances[key] = c
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, rec *model.Transaction) error {
	c := *rec
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.txLog = append(t.txLog, &c)
	*rec = c
	return nil
}

func (t *memTx) SumTransactions(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error) {
	sum := decimal.Zero
	t.m.mu.RLock()
	for _, rec := range t.m.txLog {
		if rec.UserID == userID && rec.Currency == currency && rec.Status == model.TxCompleted {
			sum = sum.Add(rec.Amount)
		}
	}
	t.m.mu.RUnlock()
	for _, rec := range t.txLog {
		if rec.UserID == userID && rec.Currency == currency && rec.Status == model.TxCompleted {
			sum = sum.Add(rec.Amount)
		}
	}
	return sum, nil
}

func (t *memTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	if err := t.lock(ctx, tradeLockKey(tr.ID)); err != nil {
		return err
	}
	t.m.mu.RLock()
	_, exists := t.m.trades[tr.ID]
	t.m.mu.RUnlock()
	if _, staged := t.trades[tr.ID]; exists || staged {
		return fmt.Errorf("insert trade %s: duplicate id", tr.ID)
	}
	t.trades[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) TradeForUpdate(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	if err := t.lock(ctx, tradeLockKey(id)); err != nil {
		return nil, err
	}
	if tr, ok := t.trades[id]; ok {
		return tr.Clone(), nil
	}
	t.m.mu.RLock()
	tr, ok := t.m.trades[id]
	t.m.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.ErrNotFound, "trade %s", id)
	}
	return tr.Clone(), nil
}

func (t *memTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	if _, ok := t.held[tradeLockKey(tr.ID)]; !ok {
		return fmt.Errorf("update trade %s: row not locked", tr.ID)
	}
	t.trades[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) InsertRequest(ctx context.Context, r *model.Request) error {
	if err := t.lock(ctx, requestLockKey(r.ID)); err != nil {
		return err
	}
	t.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) RequestForUpdate(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	if err := t.lock(ctx, requestLockKey(id)); err != nil {
		return nil, err
	}
	if r, ok := t.requests[id]; ok {
		return r.Clone(), nil
	}
	t.m.mu.RLock()
	r, ok := t.m.requests[id]
	t.m.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.ErrNotFound, "request %s", id)
	}
	return r.Clone(), nil
}

func (t *memTx) UpdateRequest(ctx context.Context, r *model.Request) error {
	if _, ok := t.held[requestLockKey(r.ID)]; !ok {
		return fmt.Errorf("update request %s: row not locked", r.ID)
	}
	t.requests[r.ID] = r.Clone()
	return nil
}

// --- Reader ---

func (m *Memory) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*model.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[model.BalanceKey{UserID: userID, Currency: currency}]; ok {
		return b.Clone(), nil
	}
	return &model.Balance{UserID: userID, Currency: currency}, nil
}

func (m *Memory) ListBalances(ctx context.Context, userID uuid.UUID) ([]*model.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Balance
	for k, b := range m.balances {
		if k.UserID == userID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *Memory) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.trades[id]
	if !ok {
		return nil, model.Errorf(model.ErrNotFound, "trade %s", id)
	}
	return tr.Clone(), nil
}

func (m *Memory) ListTradesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Trade, error) {
	m.mu.RLock()
	var out []*model.Trade
	for _, tr := range m.trades {
		if tr.UserID == userID {
			out = append(out, tr.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ActiveTradesDueBefore(ctx context.Context, t time.Time) ([]*model.Trade, error) {
	m.mu.RLock()
	var out []*model.Trade
	for _, tr := range m.trades {
		if tr.Status == model.TradeActive && !tr.ExpiresAt.After(t) {
			out = append(out, tr.Clone())
		}
	}
	m.mu.RUnlock()
	sortByExpiry(out)
	return out, nil
}

func (m *Memory) ActiveTrades(ctx context.Context) ([]*model.Trade, error) {
	m.mu.RLock()
	var out []*model.Trade
	for _, tr := range m.trades {
		if tr.Status == model.TradeActive {
			out = append(out, tr.Clone())
		}
	}
	m.mu.RUnlock()
	sortByExpiry(out)
	return out, nil
}

func sortByExpiry(trades []*model.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].ExpiresAt.Equal(trades[j].ExpiresAt) {
			return trades[i].ID.String() < trades[j].ID.String()
		}
		return trades[i].ExpiresAt.Before(trades[j].ExpiresAt)
	})
}

func (m *Memory) CountCompletedTrades(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tr := range m.trades {
		if tr.UserID == userID && tr.Status == model.TradeCompleted {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Transaction
	for i := len(m.txLog) - 1; i >= 0; i-- {
		rec := m.txLog[i]
		if rec.UserID != userID || (currency != "" && rec.Currency != currency) {
			continue
		}
		c := *rec
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetRequest(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, model.Errorf(model.ErrNotFound, "request %s", id)
	}
	return r.Clone(), nil
}

func (m *Memory) ListRequests(ctx context.Context, status model.RequestStatus) ([]*model.Request, error) {
	m.mu.RLock()
	var out []*model.Request
	for _, r := range m.requests {
		if status == "" || r.Status == status {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
