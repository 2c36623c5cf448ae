package server_test

import (
	"OptionLedger/internal/approval"
	"OptionLedger/internal/eligibility"
	"OptionLedger/internal/engine"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/outcome"
	"OptionLedger/internal/query"
	"OptionLedger/internal/server"
	"OptionLedger/internal/settlement"
	"OptionLedger/internal/store"
	tu "OptionLedger/internal/testutil"
	"OptionLedger/internal/trade"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv     *httptest.Server
	engine  *engine.Engine
	ledger  *ledger.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := tu.Logger(t)
	mem := store.NewMemory()
	l := ledger.New(nil)
	svc := ledger.NewService(mem, l)
	prices := market.NewStatic(map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(60000)})
	clock := tu.NewClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	reg := trade.NewRegistry(mem, l, prices, trade.Config{Currency: "USDT", Now: clock.Now}, nil, log)
	res := outcome.NewResolver(prices, outcome.ResolverConfig{MaxRetryWindow: 20 * time.Millisecond, InitialBackoff: time.Millisecond}, nil, log)
	sched := settlement.NewScheduler(mem, reg, res, nil, settlement.Config{Workers: 1, Now: clock.Now}, nil, log)
	wf := approval.NewWorkflow(mem, l, eligibility.NewGate(mem, 2), approval.NewMemoryCredentials(), prices,
		approval.Config{SettlementCurrency: "USDT", Now: clock.Now}, nil, log)
	eng := engine.New(engine.Deps{
		Store: mem, Ledger: svc, Registry: reg, Scheduler: sched, Workflow: wf, Prices: prices, Log: log,
	})

	health := observability.NewHealthChecker()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h, err := server.NewHTTPHandler(server.HTTPDeps{
		Engine: eng, Query: query.NewService(eng), Health: health, Metrics: metrics, Log: log,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: eng, ledger: svc, health: health, metrics: metrics}
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Recover(context.Background()))
	f.health.SetReady(true)
}

func (f *fixture) fund(t *testing.T, user uuid.UUID, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), ledger.Entry{
		UserID: user, Currency: "USDT", Amount: decimal.RequireFromString(amount),
		Type: model.TxDeposit, Reference: "seed",
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["code"].(string)
	return s
}

func TestHTTP_SubmitTradeRefusedUntilReady(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, "1000")

	body := fmt.Sprintf(`{"user_id":%q,"symbol":"BTCUSDT","direction":"up","amount":"100","duration_seconds":30}`, user)
	code, out := f.do(t, "POST", "/v1/trades", body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", errCode(out))

	code, _ = f.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	f.ready(t)
	code, _ = f.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, code)

	code, out = f.do(t, "POST", "/v1/trades", body)
	require.Equal(t, http.StatusCreated, code, out)
	assert.Equal(t, "active", out["status"])
	assert.Equal(t, "100", out["amount"])
	assert.Equal(t, "60000", out["entry_price"])

	code, out = f.do(t, "GET", "/v1/trades/"+out["id"].(string), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BTCUSDT", out["symbol"])

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("submit_trade", "201")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("submit_trade", "503")))
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	user := uuid.New()
	f.fund(t, user, "150")

	submit := func(amount string, duration int) (int, map[string]any) {
		return f.do(t, "POST", "/v1/trades", fmt.Sprintf(
			`{"user_id":%q,"symbol":"BTCUSDT","direction":"up","amount":%q,"duration_seconds":%d}`, user, amount, duration))
	}

	tests := []struct {
		name     string
		call     func() (int, map[string]any)
		wantCode int
		wantKind string
	}{
		{"invalid duration", func() (int, map[string]any) { return submit("100", 45) }, 400, "validation"},
		{"below minimum", func() (int, map[string]any) { return submit("1", 30) }, 400, "validation"},
		{"insufficient funds", func() (int, map[string]any) { return submit("500", 30) }, 422, "insufficient_funds"},
		{"malformed body", func() (int, map[string]any) { return f.do(t, "POST", "/v1/trades", `{"user_id":`) }, 400, "validation"},
		{"unknown field", func() (int, map[string]any) { return f.do(t, "POST", "/v1/trades", `{"foo":1}`) }, 400, "validation"},
		{"bad trade id", func() (int, map[string]any) { return f.do(t, "GET", "/v1/trades/nope", "") }, 400, "validation"},
		{"unknown trade", func() (int, map[string]any) { return f.do(t, "GET", "/v1/trades/"+uuid.NewString(), "") }, 404, "not_found"},
		{"bad status filter", func() (int, map[string]any) { return f.do(t, "GET", "/v1/admin/requests?status=lost", "") }, 400, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := tt.call()
			assert.Equal(t, tt.wantCode, code, out)
			assert.Equal(t, tt.wantKind, errCode(out))
		})
	}
}

func TestHTTP_CancelTrade(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	user := uuid.New()
	f.fund(t, user, "1000")

	code, out := f.do(t, "POST", "/v1/trades", fmt.Sprintf(
		`{"user_id":%q,"symbol":"BTCUSDT","direction":"down","amount":"100","duration_seconds":30}`, user))
	require.Equal(t, http.StatusCreated, code)
	path := "/v1/admin/trades/" + out["id"].(string) + "/cancel"

	code, _ = f.do(t, "POST", path, `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = f.do(t, "POST", path, `{"admin_id":"ops"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", out["status"])

	code, out = f.do(t, "POST", path, `{"admin_id":"ops"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_cancelled", errCode(out))

	code, out = f.do(t, "GET", "/v1/users/"+user.String()+"/balances", "")
	require.Equal(t, http.StatusOK, code)
	balances := out["balances"].([]any)
	require.Len(t, balances, 1)
	assert.Equal(t, "1000", balances[0].(map[string]any)["available"])
	assert.Equal(t, "0", balances[0].(map[string]any)["locked"])
}

func TestHTTP_DepositApproval(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	user := uuid.New()

	code, out := f.do(t, "POST", "/v1/deposits", fmt.Sprintf(`{"user_id":%q,"currency":"usdt","amount":"250"}`, user))
	require.Equal(t, http.StatusCreated, code, out)
	assert.Equal(t, "pending", out["status"])
	id := out["id"].(string)

	code, out = f.do(t, "POST", "/v1/admin/requests/"+id+"/decision", `{"approve":true,"admin_id":"ops"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", errCode(out))

	code, _ = f.do(t, "POST", "/v1/deposits/"+id+"/proof", `{"proof":"0xfeed"}`)
	require.Equal(t, http.StatusOK, code)

	code, out = f.do(t, "GET", "/v1/admin/requests?status=verifying", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["requests"].([]any), 1)

	code, out = f.do(t, "POST", "/v1/admin/requests/"+id+"/decision", `{"approve":true,"admin_id":"ops"}`)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "approved", out["request"].(map[string]any)["status"])
	assert.Equal(t, "250", out["transaction"].(map[string]any)["amount"])

	code, out = f.do(t, "GET", "/v1/users/"+user.String()+"/reconcile/usdt", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["balanced"])
	assert.Equal(t, "250", out["balance_total"])

	code, out = f.do(t, "POST", "/v1/withdrawals", fmt.Sprintf(
		`{"user_id":%q,"currency":"USDT","amount":"10","address":"addr","password":"pw"}`, user))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "minimum_trades_not_met", errCode(out))
}

func TestHTTP_Durations(t *testing.T) {
	f := newFixture(t)
	code, out := f.do(t, "GET", "/v1/durations", "")
	require.Equal(t, http.StatusOK, code)
	durations := out["durations"].([]any)
	require.NotEmpty(t, durations)
	assert.Equal(t, float64(30), durations[0].(map[string]any)["duration_seconds"])
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.Errorf(model.ErrValidation, "x"), 400},
		{model.Errorf(model.ErrInvalidDuration, "x"), 400},
		{model.Errorf(model.ErrBelowMinimumAmount, "x"), 400},
		{model.Errorf(model.ErrInsufficientFunds, "x"), 422},
		{model.Errorf(model.ErrMinimumTradesNotMet, "x"), 422},
		{model.Errorf(model.ErrNotFound, "x"), 404},
		{model.Errorf(model.ErrAlreadySettled, "x"), 409},
		{model.Errorf(model.ErrAlreadyCancelled, "x"), 409},
		{model.Errorf(model.ErrInvalidTransition, "x"), 409},
		{model.Errorf(model.ErrNotReady, "x"), 503},
		{model.Errorf(model.ErrMarketUnavailable, "x"), 503},
		{model.Errorf(model.ErrInvariantViolation, "x"), 500},
		{errors.New("pq: connection refused"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, server.StatusCode(tt.err), tt.err.Error())
	}
}
