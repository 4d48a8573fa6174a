package quantrisk

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quantrisk/internal/api"
	"quantrisk/internal/broker"
	"quantrisk/internal/domain"
	"quantrisk/internal/engine"
	"quantrisk/internal/portfolio"
	"quantrisk/internal/strategy/builtins"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func newTestServer(t *testing.T) *Client {
	t.Helper()
	ledger := portfolio.NewLedger(100000)
	rm := engine.NewRiskManager(domain.DefaultRiskLimits(), ledger, nil, nil)
	eng := engine.NewEngine(broker.NewSimulatorBroker(ledger, broker.ExecutionModel{}), nil, rm, nil)
	svc := api.NewService(api.Deps{Strategies: builtins.NewRegistry(), Engine: eng})
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientPaperTrading(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	names, err := c.Strategies(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("Strategies = %v, %v", names, err)
	}

	resp, err := c.SubmitOrder(ctx, api.OrderRequest{Symbol: "AAA", Side: domain.SideBuy, Qty: 5, Price: 100})
	if err != nil || resp.Order == nil || resp.Order.FilledQty != 5 {
		t.Fatalf("SubmitOrder = %+v, %v", resp, err)
	}

	positions, err := c.GetPositions(ctx)
	if err != nil || len(positions) != 1 {
		t.Fatalf("GetPositions = %v, %v", positions, err)
	}
	acct, err := c.GetAccount(ctx)
	if err != nil || math.Abs(acct.Cash-99499.95) > 1e-6 {
		t.Errorf("GetAccount = %+v, %v", acct, err)
	}

	st, err := c.UpdatePrice(ctx, "AAA", 110)
	if err != nil || st.State != engine.StateActive {
		t.Errorf("UpdatePrice = %+v, %v", st, err)
	}

	// No order store is configured.
	if _, err := c.ListOrders(ctx, ""); !IsStatus(err, http.StatusServiceUnavailable) {
		t.Errorf("ListOrders error = %v, want 503", err)
	}
	// Without an alert store the risk manager's own history is served.
	if _, err := c.Alerts(ctx, time.Time{}, 10); err != nil {
		t.Errorf("Alerts: %v", err)
	}
}

func TestClientRejectionKeepsOrder(t *testing.T) {
	c := newTestServer(t)
	resp, err := c.SubmitOrder(context.Background(), api.OrderRequest{Symbol: "AAA", Side: domain.SideSell, Qty: 5, Price: 100})
	if err == nil {
		t.Fatal("selling without a position should fail")
	}
	if !IsStatus(err, http.StatusUnprocessableEntity) {
		t.Errorf("error = %v, want 422", err)
	}
	if resp == nil || resp.Order == nil || resp.Order.Status != domain.OrderStatusRejected {
		t.Errorf("response = %+v", resp)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run not found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetBacktest(context.Background(), "bt-1")
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != 404 || apiErr.Message != "run not found" {
		t.Errorf("error = %#v", err)
	}
}
