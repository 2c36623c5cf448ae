package persistence

import (
	"OptionLedger/internal/model"
	"OptionLedger/internal/store"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SQLSTATE codes after which a whole transaction may be retried.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// maxTxAttempts bounds retries of a transaction that lost a deadlock or
// serialization race.
const maxTxAttempts = 3

// PostgresStore implements store.Store on the optl schema. Row locks are
// SELECT ... FOR UPDATE and are held until the transaction ends.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ store.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

// RunInTx implements store.Store. A transaction aborted by a deadlock or
// serialization failure is rolled back and fn is run again from scratch.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond

	var last error
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		last = s.runOnce(ctx, fn)
		if last == nil {
			return struct{}{}, nil
		}
		if !retryable(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(maxTxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying transaction")
		}),
	)
	if last != nil {
		return last
	}
	return err
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}

// querier is the subset of *sql.DB and *sql.Tx the scan helpers need.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTx struct {
	tx *sql.Tx
}

// --- Balances ---

func (t *pgTx) BalanceForUpdate(ctx context.Context, userID uuid.UUID, currency string) (*model.Balance, error) {
	// Materialise the row first so FOR UPDATE always has something to lock.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO optl.balances (user_id, currency) VALUES ($1, $2)
		ON CONFLICT (user_id, currency) DO NOTHING`,
		userID, currency,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure balance %s/%s: %w", userID, currency, err)
	}

	b := &model.Balance{UserID: userID, Currency: currency}
	err = t.tx.QueryRowContext(ctx, `
		SELECT available, locked, updated_at FROM optl.balances
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE`,
		userID, currency,
	).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock balance %s/%s: %w", userID, currency, err)
	}
	return b, nil
}

func (t *pgTx) PutBalance(ctx context.Context, b *model.Balance) error {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE optl.balances SET available = $3, locked = $4, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
		RETURNING updated_at`,
		b.UserID, b.Currency, b.Available, b.Locked,
	).Scan(&b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put balance %s/%s: %w", b.UserID, b.Currency, err)
	}
	return nil
}

// --- Transaction log ---

func (t *pgTx) AppendTransaction(ctx context.Context, rec *model.Transaction) error {
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO optl.transactions
			(id, user_id, type, amount, currency, status, reference, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, string(rec.Type), rec.Amount, rec.Currency,
		string(rec.Status), rec.Reference, meta, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", rec.ID, err)
	}
	return nil
}

func (t *pgTx) SumTransactions(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM optl.transactions
		WHERE user_id = $1 AND currency = $2 AND status = 'completed'`,
		userID, currency,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions %s/%s: %w", userID, currency, err)
	}
	return sum, nil
}

// --- Trades ---

const tradeColumns = `id, user_id, symbol, direction, amount, currency, duration_seconds,
	profit_rate, entry_price, exit_price, status, won, profit, needs_manual, attempts,
	resolved_by, created_at, expires_at, completed_at`

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO optl.trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		tr.ID, tr.UserID, tr.Symbol, string(tr.Direction), tr.Amount, tr.Currency, tr.DurationSeconds,
		tr.ProfitRate, tr.EntryPrice, nullDecimal(tr.ExitPrice), string(tr.Status), nullBool(tr.Won),
		nullDecimal(tr.Profit), tr.NeedsManual, tr.Attempts, tr.ResolvedBy,
		tr.CreatedAt, tr.ExpiresAt, nullTime(tr.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) TradeForUpdate(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM optl.trades WHERE id = $1 FOR UPDATE`, id)
	tr, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.ErrNotFound, "trade %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock trade %s: %w", id, err)
	}
	return tr, nil
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE optl.trades SET
			exit_price = $2, status = $3, won = $4, profit = $5, needs_manual = $6,
			attempts = $7, resolved_by = $8, completed_at = $9
		WHERE id = $1`,
		tr.ID, nullDecimal(tr.ExitPrice), string(tr.Status), nullBool(tr.Won), nullDecimal(tr.Profit),
		tr.NeedsManual, tr.Attempts, tr.ResolvedBy, nullTime(tr.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", tr.ID, err)
	}
	return expectOneRow(res, "trade", tr.ID)
}

// --- Requests ---

const requestColumns = `id, kind, user_id, currency, amount, proof, address, status,
	decided_by, reason, created_at, decided_at`

func (t *pgTx) InsertRequest(ctx context.Context, r *model.Request) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO optl.requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, string(r.Kind), r.UserID, r.Currency, r.Amount, r.Proof, r.Address,
		string(r.Status), r.DecidedBy, r.Reason, r.CreatedAt, nullTime(r.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) RequestForUpdate(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM optl.requests WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.ErrNotFound, "request %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock request %s: %w", id, err)
	}
	return r, nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *model.Request) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE optl.requests SET
			proof = $2, status = $3, decided_by = $4, reason = $5, decided_at = $6
		WHERE id = $1`,
		r.ID, r.Proof, string(r.Status), r.DecidedBy, r.Reason, nullTime(r.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("update request %s: %w", r.ID, err)
	}
	return expectOneRow(res, "request", r.ID)
}

// --- Reader ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*model.Balance, error) {
	b := &model.Balance{UserID: userID, Currency: currency}
	err := s.db.QueryRowContext(ctx, `
		SELECT available, locked, updated_at FROM optl.balances
		WHERE user_id = $1 AND currency = $2`,
		userID, currency,
	).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", userID, currency, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID uuid.UUID) ([]*model.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, available, locked, updated_at FROM optl.balances
		WHERE user_id = $1 ORDER BY currency`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list balances %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*model.Balance
	for rows.Next() {
		b := &model.Balance{UserID: userID}
		if err := rows.Scan(&b.Currency, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	tr, err := scanTrade(s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM optl.trades WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.ErrNotFound, "trade %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return tr, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Trade, error) {
	return queryTrades(ctx, s.db, `
		SELECT `+tradeColumns+` FROM optl.trades
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, sqlLimit(limit),
	)
}

func (s *PostgresStore) ActiveTradesDueBefore(ctx context.Context, at time.Time) ([]*model.Trade, error) {
	return queryTrades(ctx, s.db, `
		SELECT `+tradeColumns+` FROM optl.trades
		WHERE status = 'active' AND expires_at <= $1 ORDER BY expires_at, id`,
		at,
	)
}

func (s *PostgresStore) ActiveTrades(ctx context.Context) ([]*model.Trade, error) {
	return queryTrades(ctx, s.db, `
		SELECT `+tradeColumns+` FROM optl.trades
		WHERE status = 'active' ORDER BY expires_at, id`,
	)
}

func (s *PostgresStore) CountCompletedTrades(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM optl.trades WHERE user_id = $1 AND status = 'completed'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed trades %s: %w", userID, err)
	}
	return n, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]*model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, status, reference, metadata, created_at
		FROM optl.transactions
		WHERE user_id = $1 AND ($2 = '' OR currency = $2)
		ORDER BY seq DESC LIMIT $3`,
		userID, currency, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		var (
			rec         model.Transaction
			typ, status string
			rawMetadata []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &typ, &rec.Amount, &rec.Currency,
			&status, &rec.Reference, &rawMetadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		rec.Type = model.TransactionType(typ)
		rec.Status = model.TransactionStatus(status)
		if err := json.Unmarshal(rawMetadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRequest(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM optl.requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.ErrNotFound, "request %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, status model.RequestStatus) ([]*model.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM optl.requests
		WHERE ($1 = '' OR status = $1) ORDER BY created_at, id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var (
		tr          model.Trade
		direction   string
		status      string
		exitPrice   decimal.NullDecimal
		profit      decimal.NullDecimal
		won         sql.NullBool
		completedAt sql.NullTime
	)
	err := row.Scan(&tr.ID, &tr.UserID, &tr.Symbol, &direction, &tr.Amount, &tr.Currency,
		&tr.DurationSeconds, &tr.ProfitRate, &tr.EntryPrice, &exitPrice, &status, &won, &profit,
		&tr.NeedsManual, &tr.Attempts, &tr.ResolvedBy, &tr.CreatedAt, &tr.ExpiresAt, &completedAt)
	if err != nil {
		return nil, err
	}
	tr.Direction = model.Direction(direction)
	tr.Status = model.TradeStatus(status)
	if exitPrice.Valid {
		tr.ExitPrice = &exitPrice.Decimal
	}
	if profit.Valid {
		tr.Profit = &profit.Decimal
	}
	if won.Valid {
		tr.Won = &won.Bool
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		tr.CompletedAt = &at
	}
	tr.CreatedAt = tr.CreatedAt.UTC()
	tr.ExpiresAt = tr.ExpiresAt.UTC()
	return &tr, nil
}

func queryTrades(ctx context.Context, q querier, query string, args ...any) ([]*model.Trade, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []*model.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*model.Request, error) {
	var (
		r         model.Request
		kind      string
		status    string
		decidedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &kind, &r.UserID, &r.Currency, &r.Amount, &r.Proof, &r.Address,
		&status, &r.DecidedBy, &r.Reason, &r.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = model.RequestKind(kind)
	r.Status = model.RequestStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		r.DecidedAt = &at
	}
	return &r, nil
}

func expectOneRow(res sql.Result, what string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", what, id, err)
	}
	if n != 1 {
		return model.Errorf(model.ErrNotFound, "%s %s", what, id)
	}
	return nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// sqlLimit maps "no limit" (<= 0) to NULL, which Postgres treats as LIMIT ALL.
func sqlLimit(n int) sql.NullInt64 {
	if n <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
