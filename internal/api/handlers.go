package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"quantrisk/internal/analytics"
	"quantrisk/internal/broker"
	"quantrisk/internal/domain"
	"quantrisk/internal/engine"
	"quantrisk/internal/portfolio"
	"quantrisk/internal/store"
	"quantrisk/internal/strategy"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20
)

// Deps are the components the HTTP handlers serve. Any store may be nil, in
// which case the routes that need it answer 503.
type Deps struct {
	Strategies *strategy.Registry
	Bars       store.BarStore
	Equity     store.EquityStore
	Results    store.ResultStore
	Alerts     store.AlertStore
	Orders     store.OrderStore
	Engine     *engine.Engine
	Hub        *Hub

	Market   analytics.Provider
	Backtest domain.BacktestConfig // defaults for backtest requests
	Limits   *domain.RiskLimits    // nil runs backtests without risk control
	Log      *slog.Logger
}

// Service implements the JSON API.
type Service struct {
	d   Deps
	log *slog.Logger
	now func() time.Time
	seq atomic.Int64
}

// NewService creates a Service over d.
func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		d:   d,
		log: log.With("component", "api"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/strategies", s.handleStrategies)

	mux.HandleFunc("POST /api/backtests", s.handleRunBacktest)
	mux.HandleFunc("GET /api/backtests", s.handleListBacktests)
	mux.HandleFunc("GET /api/backtests/{id}", s.handleGetBacktest)
	mux.HandleFunc("GET /api/backtests/{id}/equity", s.handleGetEquity)

	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("POST /api/signals", s.handleSubmitSignal)
	mux.HandleFunc("POST /api/prices", s.handleUpdatePrice)
	mux.HandleFunc("GET /api/positions", s.handleGetPositions)
	mux.HandleFunc("GET /api/account", s.handleGetAccount)

	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("GET /api/risk/alerts", s.handleRiskAlerts)
	mux.HandleFunc("POST /api/risk/reset", s.handleRiskReset)
	if s.d.Hub != nil {
		mux.HandleFunc("GET /api/risk/stream", s.d.Hub.HandleWebSocket)
	}

	mux.Handle("GET /metrics", MetricsHandler())
}

// Handler returns an http.Handler with CORS and request metrics middleware.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(instrument(mux))
}

// ---------------------------------------------------------------------------
// Request and response types
// ---------------------------------------------------------------------------

// BacktestRequest asks for one backtest run over stored bars. Omitted fields
// take the server defaults.
type BacktestRequest struct {
	Strategy         string             `json:"strategy"`
	Params           map[string]float64 `json:"params,omitempty"`
	Symbols          []string           `json:"symbols"`
	StartDate        string             `json:"start_date,omitempty"`
	EndDate          string             `json:"end_date,omitempty"`
	InitialCapital   float64            `json:"initial_capital,omitempty"`
	Commission       *float64           `json:"commission,omitempty"`
	SlippageModel    string             `json:"slippage_model,omitempty"`
	SlippageValue    *float64           `json:"slippage_value,omitempty"`
	MaxPositions     *int               `json:"max_positions,omitempty"`
	UnresolvedPolicy string             `json:"unresolved_policy,omitempty"`
	StopLossExit     *bool              `json:"stop_loss_exit,omitempty"`
	RiskLimits       *domain.RiskLimits `json:"risk_limits,omitempty"`
	DisableRisk      bool               `json:"disable_risk,omitempty"`
}

// OrderRequest is a paper order at a reference price.
type OrderRequest struct {
	Symbol     string      `json:"symbol"`
	Side       domain.Side `json:"side"`
	Qty        float64     `json:"qty"`
	Price      float64     `json:"price"`
	StrategyID string      `json:"strategy_id,omitempty"`
}

// SignalRequest submits a strategy signal for sizing and execution.
type SignalRequest struct {
	Signal domain.Signal `json:"signal"`
	Price  float64       `json:"price"`
}

// PriceUpdate marks a symbol to a new price.
type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// OrderResponse carries the order and the risk check that sized it.
type OrderResponse struct {
	Order *domain.Order      `json:"order,omitempty"`
	Check *engine.TradeCheck `json:"check,omitempty"`
	Error string             `json:"error,omitempty"`
}

// RiskStatus is the risk manager's current state.
type RiskStatus struct {
	State   engine.State       `json:"state"`
	Halts   int                `json:"halts"`
	Limits  domain.RiskLimits  `json:"limits"`
	Metrics domain.RiskMetrics `json:"metrics"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Service) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	if s.d.Strategies == nil {
		writeJSON(w, []string{})
		return
	}
	writeJSON(w, s.d.Strategies.List())
}

func (s *Service) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	if s.d.Bars == nil || s.d.Strategies == nil {
		writeError(w, http.StatusServiceUnavailable, "backtesting is not configured")
		return
	}
	var req BacktestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, limits, err := s.backtestConfig(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	strat, err := s.d.Strategies.New(req.Strategy, req.Params)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols are required")
		return
	}
	symbols := make([]string, len(req.Symbols))
	for i, sym := range req.Symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	ctx := r.Context()
	loadEnd := cfg.EndDate
	if loadEnd.Equal(loadEnd.Truncate(24 * time.Hour)) {
		loadEnd = loadEnd.Add(24*time.Hour - time.Nanosecond)
	}
	series, err := store.LoadSeries(ctx, s.d.Bars, string(domain.MarketUS), symbols, cfg.StartDate, loadEnd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bt := strategy.NewBacktester(cfg, limits, s.d.Market, s.log)
	result, err := bt.Run(ctx, strat, series)
	if err != nil {
		backtestsTotal.WithLabelValues("error").Inc()
		writeError(w, statusFor(err), err.Error())
		return
	}
	backtestsTotal.WithLabelValues("ok").Inc()

	now := s.now()
	rec := store.RunRecord{
		ID:        fmt.Sprintf("bt-%s-%03d", now.Format("20060102T150405"), s.seq.Add(1)),
		Strategy:  strat.Name(),
		CreatedAt: now,
		Result:    result,
	}
	if s.d.Results != nil {
		if err := s.d.Results.SaveRun(ctx, rec); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if s.d.Equity != nil {
		if err := s.d.Equity.WriteEquityCurve(ctx, rec.ID, result.EquityCurve); err != nil {
			s.log.Warn("exporting equity curve", "run", rec.ID, "error", err)
		}
	}
	s.log.Info("backtest complete", "run", rec.ID, "strategy", rec.Strategy,
		"return", result.Metrics.TotalReturn, "trades", result.Metrics.TotalTrades)

	writeJSONStatus(w, http.StatusCreated, rec)
}

// backtestConfig overlays the request on the server defaults.
func (s *Service) backtestConfig(req BacktestRequest) (domain.BacktestConfig, *domain.RiskLimits, error) {
	cfg := s.d.Backtest
	if req.StartDate != "" {
		t, err := parseDate(req.StartDate)
		if err != nil {
			return cfg, nil, err
		}
		cfg.StartDate = t
	}
	if req.EndDate != "" {
		t, err := parseDate(req.EndDate)
		if err != nil {
			return cfg, nil, err
		}
		cfg.EndDate = t
	}
	if req.InitialCapital != 0 {
		cfg.InitialCapital = req.InitialCapital
	}
	if req.Commission != nil {
		cfg.Commission = *req.Commission
	}
	if req.SlippageModel != "" {
		cfg.SlippageModel = domain.SlippageModel(strings.ToUpper(req.SlippageModel))
	}
	if req.SlippageValue != nil {
		cfg.SlippageValue = *req.SlippageValue
	}
	if req.MaxPositions != nil {
		cfg.MaxPositions = *req.MaxPositions
	}
	if req.UnresolvedPolicy != "" {
		cfg.UnresolvedPolicy = domain.UnresolvedPolicy(strings.ToUpper(req.UnresolvedPolicy))
	}
	if req.StopLossExit != nil {
		cfg.StopLossExit = *req.StopLossExit
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}

	limits := s.d.Limits
	if req.RiskLimits != nil {
		limits = req.RiskLimits
	}
	if req.DisableRisk {
		limits = nil
	}
	if limits != nil {
		if err := limits.Validate(); err != nil {
			return cfg, nil, err
		}
	}
	return cfg, limits, nil
}

func (s *Service) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	if s.d.Results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store is not configured")
		return
	}
	runs, err := s.d.Results.ListRuns(r.Context(), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, runs)
}

func (s *Service) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	if s.d.Results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store is not configured")
		return
	}
	rec, err := s.d.Results.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, rec)
}

func (s *Service) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	if s.d.Equity == nil {
		writeError(w, http.StatusServiceUnavailable, "equity store is not configured")
		return
	}
	curve, err := s.d.Equity.ReadEquityCurve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, curve)
}

func (s *Service) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if s.d.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "paper trading is not configured")
		return
	}
	var req OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := s.d.Engine.SubmitOrder(r.Context(), &domain.Order{
		Symbol:     strings.ToUpper(req.Symbol),
		Side:       domain.Side(strings.ToUpper(string(req.Side))),
		Type:       domain.OrderTypeMarket,
		Qty:        req.Qty,
		RefPrice:   req.Price,
		StrategyID: req.StrategyID,
		CreatedAt:  s.now(),
	})
	observeOrder(order)
	writeOrder(w, OrderResponse{Order: order}, err)
}

func (s *Service) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	if s.d.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "paper trading is not configured")
		return
	}
	var req SignalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Signal.Timestamp.IsZero() {
		req.Signal.Timestamp = s.now()
	}
	order, check, err := s.d.Engine.SubmitSignal(r.Context(), req.Signal, req.Price)
	observeOrder(order)
	writeOrder(w, OrderResponse{Order: order, Check: &check}, err)
}

func writeOrder(w http.ResponseWriter, resp OrderResponse, err error) {
	status := http.StatusCreated
	if err != nil {
		status = statusFor(err)
		resp.Error = err.Error()
	} else if resp.Order == nil {
		status = http.StatusOK
	}
	writeJSONStatus(w, status, resp)
}

func (s *Service) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.d.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store is not configured")
		return
	}
	status := domain.OrderStatus(strings.ToLower(r.URL.Query().Get("status")))
	orders, err := s.d.Orders.ListOrders(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, orders)
}

func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if s.d.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "paper trading is not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.d.Engine.CancelOrder(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"id": id, "status": string(domain.OrderStatusCancelled)})
}

func (s *Service) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	if s.d.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "paper trading is not configured")
		return
	}
	var req PriceUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "symbol and a positive price are required")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now()
	}
	s.d.Engine.UpdatePrice(r.Context(), strings.ToUpper(req.Symbol), req.Price, req.Timestamp)
	s.writeRisk(w)
}

func (s *Service) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	if s.d.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "paper trading is not configured")
		return
	}
	positions, err := s.d.Engine.GetPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, positions)
}

func (s *Service) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if s.d.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "paper trading is not configured")
		return
	}
	acct, err := s.d.Engine.GetAccount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, acct)
}

func (s *Service) handleRisk(w http.ResponseWriter, _ *http.Request) {
	s.writeRisk(w)
}

func (s *Service) writeRisk(w http.ResponseWriter) {
	rm := s.risk()
	if rm == nil {
		writeError(w, http.StatusServiceUnavailable, "risk management is disabled")
		return
	}
	writeJSON(w, RiskStatus{
		State:   rm.State(),
		Halts:   rm.Halts(),
		Limits:  rm.Limits(),
		Metrics: rm.Metrics(),
	})
}

func (s *Service) handleRiskAlerts(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	limit := queryInt(r, "limit", defaultListLimit)

	if s.d.Alerts != nil {
		alerts, err := s.d.Alerts.ListAlerts(r.Context(), since, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if alerts == nil {
			alerts = []domain.RiskAlert{}
		}
		writeJSON(w, alerts)
		return
	}

	rm := s.risk()
	if rm == nil {
		writeError(w, http.StatusServiceUnavailable, "risk management is disabled")
		return
	}
	alerts := []domain.RiskAlert{}
	for _, a := range rm.Alerts() {
		if !a.Timestamp.Before(since) {
			alerts = append(alerts, a)
		}
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	writeJSON(w, alerts)
}

func (s *Service) handleRiskReset(w http.ResponseWriter, _ *http.Request) {
	rm := s.risk()
	if rm == nil {
		writeError(w, http.StatusServiceUnavailable, "risk management is disabled")
		return
	}
	rm.ResetDailyLimits()
	s.log.Info("daily risk limits reset")
	s.writeRisk(w)
}

func (s *Service) risk() *engine.RiskManager {
	if s.d.Engine == nil {
		return nil
	}
	return s.d.Engine.Risk()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, broker.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrOrderNotCancellable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTradeRejected),
		errors.Is(err, portfolio.ErrInsufficientCash),
		errors.Is(err, portfolio.ErrNoPosition):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseDate(v string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", domain.ErrInvalidConfig, v)
	}
	return t, nil
}
