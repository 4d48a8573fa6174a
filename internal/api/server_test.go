package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"quantrisk/internal/broker"
	"quantrisk/internal/domain"
	"quantrisk/internal/engine"
	"quantrisk/internal/portfolio"
	"quantrisk/internal/store"
	"quantrisk/internal/strategy"
	"quantrisk/internal/strategy/builtins"
)

type fixture struct {
	svc     *Service
	handler http.Handler
	hub     *Hub
	sqlite  *store.SQLiteStore
}

func newFixture(t *testing.T, limits domain.RiskLimits) *fixture {
	t.Helper()
	dir := t.TempDir()
	ps := store.NewParquetStore(dir)
	db, err := store.NewSQLiteStore(filepath.Join(dir, "quantrisk.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var bars []domain.Bar
	for i := 0; i < 10; i++ {
		c := 100 + float64(i)
		bars = append(bars, domain.Bar{Symbol: "AAA", Timestamp: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000})
	}
	if err := ps.WriteBars(context.Background(), bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	hub := NewHub(nil)
	ledger := portfolio.NewLedger(100000)
	rm := engine.NewRiskManager(limits, ledger, nil, nil)
	rm.SetAlertSink(&AlertFanout{Store: db, Hub: hub})
	eng := engine.NewEngine(broker.NewSimulatorBroker(ledger, broker.ExecutionModel{SlippageModel: domain.SlippagePercentage}), db, rm, nil)

	defaultLimits := domain.DefaultRiskLimits()
	svc := NewService(Deps{
		Strategies: builtins.NewRegistry(),
		Bars:       ps,
		Equity:     ps,
		Results:    db,
		Alerts:     db,
		Orders:     db,
		Engine:     eng,
		Hub:        hub,
		Backtest:   domain.BacktestConfig{InitialCapital: 100000, Commission: 0.001, ResetRiskDaily: true},
		Limits:     &defaultLimits,
	})
	return &fixture{svc: svc, handler: svc.Handler(), hub: hub, sqlite: db}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decoding %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestHealthAndStrategies(t *testing.T) {
	f := newFixture(t, domain.DefaultRiskLimits())
	if code := f.do(t, "GET", "/api/health", nil, nil); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
	var names []string
	if code := f.do(t, "GET", "/api/strategies", nil, &names); code != http.StatusOK || len(names) != 2 {
		t.Errorf("strategies = %d %v", code, names)
	}
	if code := f.do(t, "OPTIONS", "/api/orders", nil, nil); code != http.StatusNoContent {
		t.Errorf("preflight = %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, domain.DefaultRiskLimits())
	f.do(t, "GET", "/api/strategies", nil, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `quantrisk_http_requests_total{method="GET",route="GET /api/strategies",status="200"}`) {
		t.Errorf("request counter missing from:\n%s", rec.Body.String())
	}
}

func TestBacktestLifecycle(t *testing.T) {
	f := newFixture(t, domain.DefaultRiskLimits())

	var rec store.RunRecord
	code := f.do(t, "POST", "/api/backtests", BacktestRequest{
		Strategy:  "buy-and-hold",
		Symbols:   []string{"aaa"},
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
	}, &rec)
	if code != http.StatusCreated {
		t.Fatalf("run backtest = %d", code)
	}
	if rec.ID == "" || rec.Result == nil || rec.Result.Statistics.Steps != 10 {
		t.Fatalf("run record = %+v", rec)
	}

	var list []store.RunSummary
	if code := f.do(t, "GET", "/api/backtests", nil, &list); code != http.StatusOK || len(list) != 1 || list[0].ID != rec.ID {
		t.Errorf("list = %d %+v", code, list)
	}
	var got store.RunRecord
	if code := f.do(t, "GET", "/api/backtests/"+rec.ID, nil, &got); code != http.StatusOK || got.Result == nil {
		t.Errorf("get = %d %+v", code, got)
	}
	var curve []domain.EquityPoint
	if code := f.do(t, "GET", "/api/backtests/"+rec.ID+"/equity", nil, &curve); code != http.StatusOK || len(curve) != 10 {
		t.Errorf("equity = %d, %d points", code, len(curve))
	}

	if code := f.do(t, "GET", "/api/backtests/bt-missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", code)
	}
	if code := f.do(t, "POST", "/api/backtests", BacktestRequest{Strategy: "nope", Symbols: []string{"AAA"}, StartDate: "2024-01-01", EndDate: "2024-01-31"}, nil); code != http.StatusBadRequest {
		t.Errorf("unknown strategy = %d, want 400", code)
	}
	if code := f.do(t, "POST", "/api/backtests", BacktestRequest{Strategy: "buy-and-hold", Symbols: []string{"ZZZ"}, StartDate: "2024-01-01", EndDate: "2024-01-31"}, nil); code != http.StatusBadRequest {
		t.Errorf("no data = %d, want 400", code)
	}
	if code := f.do(t, "POST", "/api/backtests", `{"strategy":"buy-and-hold","bogus":1}`, nil); code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", code)
	}
}

func TestPaperTradingAndRisk(t *testing.T) {
	limits := domain.DefaultRiskLimits()
	limits.MaxDailyLoss = 0.005
	limits.MaxDrawdown = 0.5
	f := newFixture(t, limits)

	filledBefore := testutil.ToFloat64(ordersTotal.WithLabelValues("BUY", "filled"))
	var resp OrderResponse
	code := f.do(t, "POST", "/api/orders", OrderRequest{Symbol: "aaa", Side: "buy", Qty: 10, Price: 100}, &resp)
	if code != http.StatusCreated || resp.Order == nil || resp.Order.Status != domain.OrderStatusFilled {
		t.Fatalf("submit = %d %+v", code, resp)
	}

	if got := testutil.ToFloat64(ordersTotal.WithLabelValues("BUY", "filled")) - filledBefore; got != 1 {
		t.Errorf("filled order counter moved by %v, want 1", got)
	}

	var orders []domain.Order
	if code := f.do(t, "GET", "/api/orders?status=filled", nil, &orders); code != http.StatusOK || len(orders) != 1 {
		t.Errorf("orders = %d %+v", code, orders)
	}
	var positions []domain.Position
	if code := f.do(t, "GET", "/api/positions", nil, &positions); code != http.StatusOK || len(positions) != 1 || positions[0].Quantity != 10 {
		t.Errorf("positions = %d %+v", code, positions)
	}
	if code := f.do(t, "DELETE", "/api/orders/"+resp.Order.ID, nil, nil); code != http.StatusConflict {
		t.Errorf("cancel filled = %d, want 409", code)
	}
	if code := f.do(t, "DELETE", "/api/orders/ORD-999999", nil, nil); code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", code)
	}

	// A 99% drop on the position is a ~1% daily loss: trading halts.
	var status RiskStatus
	if code := f.do(t, "POST", "/api/prices", PriceUpdate{Symbol: "AAA", Price: 1}, &status); code != http.StatusOK {
		t.Fatalf("price update = %d", code)
	}
	if status.State != engine.StateHalted || status.Halts != 1 {
		t.Fatalf("risk after drop = %+v", status)
	}
	if code := f.do(t, "POST", "/api/orders", OrderRequest{Symbol: "AAA", Side: "BUY", Qty: 1, Price: 1}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("order while halted = %d, want 422", code)
	}

	var alerts []domain.RiskAlert
	if code := f.do(t, "GET", "/api/risk/alerts", nil, &alerts); code != http.StatusOK || len(alerts) == 0 {
		t.Fatalf("alerts = %d %+v", code, alerts)
	}
	found := false
	for _, a := range alerts {
		if a.Type == domain.AlertDailyLossLimit {
			found = true
		}
	}
	if !found {
		t.Errorf("no DAILY_LOSS_LIMIT alert in %+v", alerts)
	}

	if code := f.do(t, "POST", "/api/risk/reset", nil, &status); code != http.StatusOK || status.State != engine.StateActive {
		t.Errorf("reset = %d %+v", code, status)
	}
}

func TestSubmitSignal(t *testing.T) {
	f := newFixture(t, domain.DefaultRiskLimits())
	sig := domain.Signal{Symbol: "AAA", Action: domain.ActionHold, Confidence: 0.5, StrategyID: "manual"}
	var resp OrderResponse
	if code := f.do(t, "POST", "/api/signals", SignalRequest{Signal: sig, Price: 100}, &resp); code != http.StatusOK || resp.Order != nil {
		t.Errorf("hold signal = %d %+v", code, resp)
	}

	sig.Action = domain.ActionBuy
	sig.Strength = 0.5
	if code := f.do(t, "POST", "/api/signals", SignalRequest{Signal: sig, Price: 100}, &resp); code != http.StatusCreated || resp.Order == nil || resp.Check == nil || !resp.Check.Allowed {
		t.Errorf("buy signal = %d %+v", code, resp)
	}

	sig.Confidence = 2
	if code := f.do(t, "POST", "/api/signals", SignalRequest{Signal: sig, Price: 100}, nil); code != http.StatusBadRequest {
		t.Errorf("invalid signal = %d, want 400", code)
	}
}

func TestAlertStream(t *testing.T) {
	f := newFixture(t, domain.DefaultRiskLimits())
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/risk/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for f.hub.Clients() == 0 {
		if ctx.Err() != nil {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent := domain.RiskAlert{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Type: domain.AlertStopLoss, Symbol: "AAA", Severity: domain.SeverityHigh}
	fan := &AlertFanout{Store: f.sqlite, Hub: f.hub}
	if err := fan.RecordAlert(ctx, sent); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}

	var got domain.RiskAlert
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Type != domain.AlertStopLoss || got.Symbol != "AAA" {
		t.Errorf("streamed alert = %+v", got)
	}
}

func TestServeAndHealthCheck(t *testing.T) {
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(Deps{Strategies: strategy.NewRegistry()})
	srv := NewServer("", "", svc.Handler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, httpLis, grpcLis) }()

	deadline := time.Now().Add(5 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
		status, err = CheckHealth(cctx, grpcLis.Addr().String())
		ccancel()
		if err == nil && status == "SERVING" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "SERVING" {
		t.Fatalf("health = %q, %v", status, err)
	}

	resp, err := http.Get("http://" + httpLis.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("http health = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
