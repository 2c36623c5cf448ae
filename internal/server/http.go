package server

import (
	"OptionLedger/internal/approval"
	"OptionLedger/internal/engine"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/query"
	"OptionLedger/internal/trade"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// HTTPDeps holds everything the JSON API needs.
type HTTPDeps struct {
	Engine  *engine.Engine
	Query   *query.Service
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Log     zerolog.Logger
}

type api struct {
	engine  *engine.Engine
	query   *query.Service
	metrics *observability.Metrics
	log     zerolog.Logger
}

// handler is an API endpoint. A returned error is rendered by writeError.
type handler func(r *http.Request, params map[string]string) (int, any, error)

type route struct {
	method  string
	pattern string
	name    string
	h       handler
}

// NewHTTPHandler builds the JSON API on a grpc-gateway ServeMux, plus the
// /healthz and /readyz probes.
func NewHTTPHandler(d HTTPDeps) (http.Handler, error) {
	a := &api{engine: d.Engine, query: d.Query, metrics: d.Metrics, log: d.Log}

	routes := []route{
		{"POST", "/v1/trades", "submit_trade", a.submitTrade},
		{"GET", "/v1/trades/{id}", "get_trade", a.getTrade},
		{"GET", "/v1/users/{user_id}/trades", "list_trades", a.listTrades},
		{"POST", "/v1/admin/trades/{id}/cancel", "cancel_trade", a.cancelTrade},
		{"POST", "/v1/admin/trades/{id}/resolve", "resolve_trade", a.resolveTrade},
		{"GET", "/v1/durations", "list_durations", a.listDurations},

		{"GET", "/v1/users/{user_id}/balances", "get_balances", a.getBalances},
		{"GET", "/v1/users/{user_id}/transactions", "list_transactions", a.listTransactions},
		{"GET", "/v1/users/{user_id}/reconcile/{currency}", "reconcile", a.reconcile},
		{"POST", "/v1/conversions", "convert", a.convert},

		{"POST", "/v1/deposits", "request_deposit", a.requestDeposit},
		{"POST", "/v1/deposits/{id}/proof", "attach_proof", a.attachProof},
		{"POST", "/v1/withdrawals", "request_withdrawal", a.requestWithdrawal},
		{"GET", "/v1/requests/{id}", "get_request", a.getRequest},
		{"GET", "/v1/admin/requests", "list_requests", a.listRequests},
		{"POST", "/v1/admin/requests/{id}/decision", "decide_request", a.decideRequest},
	}

	gw := runtime.NewServeMux()
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, a.wrap(rt.name, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if d.Health != nil {
		mux.HandleFunc("/healthz", d.Health.LivenessHandler)
		mux.HandleFunc("/readyz", d.Health.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}

func (a *api) wrap(name string, h handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		code, body, err := h(r, params)
		if err != nil {
			code = a.writeError(w, r, name, err)
		} else {
			writeJSON(w, code, body)
		}
		if a.metrics != nil {
			a.metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
			a.metrics.HTTPDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindInsufficientFunds, model.KindMinimumTradesNotMet:
		return http.StatusUnprocessableEntity
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAlreadySettled, model.KindAlreadyCancelled, model.KindInvalidTransition:
		return http.StatusConflict
	case model.KindNotReady, model.KindExternalDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, route string, err error) int {
	code := StatusCode(err)
	kind := model.KindOf(err)

	ev := a.log.Debug()
	if code >= 500 {
		ev = a.log.Error()
	}
	ev.Err(err).
		Str("route", route).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", code).
		Str("kind", kind.String()).
		Msg("request failed")

	var body errorBody
	body.Error.Code = kind.String()
	body.Error.Message = model.UserMessage(err)
	if code == http.StatusInternalServerError {
		body.Error.Code = "internal"
		body.Error.Message = "internal error"
	}
	writeJSON(w, code, body)
	return code
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Errorf(model.ErrValidation, "request body is required")
		}
		return model.Errorf(model.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func parseID(params map[string]string, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[key])
	if err != nil {
		return uuid.Nil, model.Errorf(model.ErrValidation, "invalid %s %q", key, params[key])
	}
	return id, nil
}

func parseUserID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, model.Errorf(model.ErrValidation, "invalid user_id %q", s)
	}
	return id, nil
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, model.Errorf(model.ErrValidation, "invalid limit %q", s)
	}
	return n, nil
}

// --- Trades ---

type submitTradeRequest struct {
	UserID          string          `json:"user_id"`
	Symbol          string          `json:"symbol"`
	Direction       string          `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	DurationSeconds int             `json:"duration_seconds"`
}

func (a *api) submitTrade(r *http.Request, _ map[string]string) (int, any, error) {
	var req submitTradeRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return 0, nil, err
	}
	tr, err := a.engine.SubmitTrade(r.Context(), trade.SubmitParams{
		UserID:          userID,
		Symbol:          req.Symbol,
		Direction:       model.Direction(req.Direction),
		Amount:          req.Amount,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, query.NewTradeResponse(tr), nil
}

func (a *api) getTrade(r *http.Request, params map[string]string) (int, any, error) {
	id, err := parseID(params, "id")
	if err != nil {
		return 0, nil, err
	}
	resp, err := a.query.GetTrade(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (a *api) listTrades(r *http.Request, params map[string]string) (int, any, error) {
	userID, err := parseUserID(params["user_id"])
	if err != nil {
		return 0, nil, err
	}
	limit, err := parseLimit(r)
	if err != nil {
		return 0, nil, err
	}
	trades, err := a.query.ListTrades(r.Context(), userID, limit)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"trades": trades}, nil
}

type adminRequest struct {
	AdminID   string           `json:"admin_id"`
	ExitPrice *decimal.Decimal `json:"exit_price,omitempty"`
}

func (a *api) cancelTrade(r *http.Request, params map[string]string) (int, any, error) {
	id, err := parseID(params, "id")
	if err != nil {
		return 0, nil, err
	}
	var req adminRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	tr, err := a.engine.CancelTrade(r.Context(), id, req.AdminID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.NewTradeResponse(tr), nil
}

func (a *api) resolveTrade(r *http.Request, params map[string]string) (int, any, error) {
	id, err := parseID(params, "id")
	if err != nil {
		return 0, nil, err
	}
	var req adminRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	if req.ExitPrice == nil {
		return 0, nil, model.Errorf(model.ErrValidation, "exit_price is required")
	}
	rep, err := a.engine.ResolveManually(r.Context(), id, *req.ExitPrice, req.AdminID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.NewTradeResponse(rep.Trade), nil
}

type durationResponse struct {
	DurationSeconds int    `json:"duration_seconds"`
	MinAmount       string `json:"min_amount"`
	ProfitRate      string `json:"profit_rate"`
}

func (a *api) listDurations(*http.Request, map[string]string) (int, any, error) {
	tiers := a.engine.Schedule().Tiers()
	out := make([]durationResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, durationResponse{
			DurationSeconds: t.DurationSeconds,
			MinAmount:       t.MinAmount.String(),
			ProfitRate:      t.ProfitRate.String(),
		})
	}
	return http.StatusOK, map[string]any{"durations": out}, nil
}

// --- Balances ---

func (a *api) getBalances(r *http.Request, params map[string]string) (int, any, error) {
	userID, err := parseUserID(params["user_id"])
	if err != nil {
		return 0, nil, err
	}
	balances, err := a.query.GetBalances(r.Context(), userID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"balances": balances}, nil
}

func (a *api) listTransactions(r *http.Request, params map[string]string) (int, any, error) {
	userID, err := parseUserID(params["user_id"])
	if err != nil {
		return 0, nil, err
	}
	limit, err := parseLimit(r)
	if err != nil {
		return 0, nil, err
	}
	txs, err := a.query.ListTransactions(r.Context(), userID, r.URL.Query().Get("currency"), limit)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"transactions": txs}, nil
}

func (a *api) reconcile(r *http.Request, params map[string]string) (int, any, error) {
	userID, err := parseUserID(params["user_id"])
	if err != nil {
		return 0, nil, err
	}
	resp, err := a.query.Reconcile(r.Context(), userID, model.NormalizeCurrency(params["currency"]))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

type convertRequest struct {
	UserID string          `json:"user_id"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

func (a *api) convert(r *http.Request, _ map[string]string) (int, any, error) {
	var req convertRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return 0, nil, err
	}
	c, err := a.engine.Convert(r.Context(), userID, req.From, req.To, req.Amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.NewConversionResponse(c), nil
}

// --- Requests ---

type depositRequest struct {
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Proof    string          `json:"proof,omitempty"`
}

func (a *api) requestDeposit(r *http.Request, _ map[string]string) (int, any, error) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return 0, nil, err
	}
	dep, err := a.engine.RequestDeposit(r.Context(), approval.DepositParams{
		UserID: userID, Currency: req.Currency, Amount: req.Amount, Proof: req.Proof,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, query.NewRequestResponse(dep), nil
}

func (a *api) attachProof(r *http.Request, params map[string]string) (int, any, error) {
	id, err := parseID(params, "id")
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Proof string `json:"proof"`
	}
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	dep, err := a.engine.AttachProof(r.Context(), id, req.Proof)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.NewRequestResponse(dep), nil
}

type withdrawalRequest struct {
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Address  string          `json:"address"`
	Password string          `json:"password"`
}

func (a *api) requestWithdrawal(r *http.Request, _ map[string]string) (int, any, error) {
	var req withdrawalRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return 0, nil, err
	}
	wd, err := a.engine.RequestWithdrawal(r.Context(), approval.WithdrawalParams{
		UserID: userID, Currency: req.Currency, Amount: req.Amount,
		Address: req.Address, Password: req.Password,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, query.NewRequestResponse(wd), nil
}

func (a *api) getRequest(r *http.Request, params map[string]string) (int, any, error) {
	id, err := parseID(params, "id")
	if err != nil {
		return 0, nil, err
	}
	resp, err := a.query.GetRequest(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (a *api) listRequests(r *http.Request, _ map[string]string) (int, any, error) {
	status := model.RequestStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.RequestPending, model.RequestVerifying, model.RequestApproved, model.RequestRejected:
	default:
		return 0, nil, model.Errorf(model.ErrValidation, "unknown status %q", status)
	}
	reqs, err := a.query.ListRequests(r.Context(), status)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"requests": reqs}, nil
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason,omitempty"`
}

type decisionResponse struct {
	Request     query.RequestResponse      `json:"request"`
	Transaction *query.TransactionResponse `json:"transaction,omitempty"`
	Conversion  *query.ConversionResponse  `json:"conversion,omitempty"`
}

func (a *api) decideRequest(r *http.Request, params map[string]string) (int, any, error) {
	id, err := parseID(params, "id")
	if err != nil {
		return 0, nil, err
	}
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	out, err := a.engine.AdminApprove(r.Context(), id, approval.Decision{
		Approve: req.Approve, AdminID: req.AdminID, Reason: req.Reason,
	})
	if err != nil {
		return 0, nil, err
	}
	resp := decisionResponse{Request: query.NewRequestResponse(out.Request)}
	if out.Transaction != nil {
		t := query.NewTransactionResponse(out.Transaction)
		resp.Transaction = &t
	}
	if out.Conversion != nil {
		c := query.NewConversionResponse(out.Conversion)
		resp.Conversion = &c
	}
	return http.StatusOK, resp, nil
}

// HTTPServer serves a handler until its context is cancelled.
type HTTPServer struct {
	srv *http.Server
	log zerolog.Logger
}

func NewHTTPServer(addr string, h http.Handler, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run blocks until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
