package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"quantrisk/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	ts := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	bp := ps.barPath("aapl", "us", ts)
	wantBarPath := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}

	ep := ps.equityPath("../run-1")
	wantEquityPath := filepath.Join("/data", "backtests", "run-1", "equity.parquet")
	if ep != wantEquityPath {
		t.Errorf("equityPath mismatch:\n  got  %s\n  want %s", ep, wantEquityPath)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:       185.0,
			High:       186.5,
			Low:        184.0,
			Close:      185.5,
			Volume:     50000000,
			TradeCount: 500000,
			VWAP:       185.25,
		},
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:       185.5,
			High:       187.0,
			Low:        185.0,
			Close:      186.0,
			Volume:     45000000,
			TradeCount: 450000,
			VWAP:       185.75,
		},
	}

	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "AAPL", "us", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 185.5 || got[1].Close != 186.0 {
		t.Errorf("closes = %v, %v, want 185.5, 186.0", got[0].Close, got[1].Close)
	}
	if !got[0].Timestamp.Equal(bars[0].Timestamp) {
		t.Errorf("first timestamp = %v, want %v", got[0].Timestamp, bars[0].Timestamp)
	}
	if err := domain.ValidateSeries("AAPL", got); err != nil {
		t.Errorf("read series invalid: %v", err)
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }

	if err := ps.WriteBars(ctx, []domain.Bar{
		{Symbol: "MSFT", Timestamp: day(1), Close: 403},
		{Symbol: "MSFT", Timestamp: day(4), Close: 410},
	}); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}
	if err := ps.WriteBars(ctx, []domain.Bar{
		{Symbol: "MSFT", Timestamp: day(4), Close: 411},
		{Symbol: "MSFT", Timestamp: day(2), Close: 405},
	}); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, "MSFT", "us", day(1), day(31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	want := []float64{403, 405, 411}
	if len(got) != len(want) {
		t.Fatalf("ReadBars returned %d bars, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Close != want[i] {
			t.Errorf("bar %d close = %v, want %v", i, got[i].Close, want[i])
		}
	}

	syms, err := ps.ListSymbols(ctx, "us")
	if err != nil || len(syms) != 1 || syms[0] != "MSFT" {
		t.Errorf("ListSymbols = %v, %v", syms, err)
	}
}

func TestParquetStoreReadMissing(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	got, err := ps.ReadBars(ctx, "NONE", "us", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || len(got) != 0 {
		t.Errorf("ReadBars on missing symbol = %v, %v", got, err)
	}
	syms, err := ps.ListSymbols(ctx, "us")
	if err != nil || len(syms) != 0 {
		t.Errorf("ListSymbols on empty dir = %v, %v", syms, err)
	}
	if _, err := ps.ReadEquityCurve(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadEquityCurve error = %v, want ErrNotFound", err)
	}
}

func TestParquetStoreEquityCurve(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	curve := []domain.EquityPoint{
		{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Value: 100000, Cash: 90000, PositionsValue: 10000},
		{Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Value: 99000, Cash: 90000, PositionsValue: 9000, Drawdown: 0.01},
	}
	if err := ps.WriteEquityCurve(ctx, "run-1", curve); err != nil {
		t.Fatalf("WriteEquityCurve: %v", err)
	}
	got, err := ps.ReadEquityCurve(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadEquityCurve: %v", err)
	}
	if len(got) != 2 || got[1].Value != 99000 || got[1].Drawdown != 0.01 || !got[0].Timestamp.Equal(curve[0].Timestamp) {
		t.Errorf("ReadEquityCurve = %+v", got)
	}
}

func TestLoadSeries(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := ps.WriteBars(ctx, []domain.Bar{{Symbol: "AAA", Timestamp: ts, Close: 10}}); err != nil {
		t.Fatal(err)
	}
	series, err := LoadSeries(ctx, ps, "us", []string{"AAA", "BBB"}, ts.AddDate(0, 0, -1), ts.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if len(series) != 1 || len(series["AAA"]) != 1 {
		t.Errorf("LoadSeries = %+v, want only AAA", series)
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "quantrisk.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteOrders(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	o := &domain.Order{ID: "ORD-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket,
		Qty: 10, RefPrice: 100, Status: domain.OrderStatusNew, StrategyID: "sma-cross", CreatedAt: created, UpdatedAt: created}
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(ctx, o); err == nil {
		t.Error("SaveOrder accepted a duplicate ID")
	}

	o.Status = domain.OrderStatusFilled
	o.FilledQty = 10
	o.FilledAvgPrice = 100.01
	o.UpdatedAt = created.Add(time.Second)
	if err := s.UpdateOrder(ctx, o); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "ORD-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != domain.OrderStatusFilled || got.FilledAvgPrice != 100.01 || !got.UpdatedAt.Equal(o.UpdatedAt) {
		t.Errorf("GetOrder = %+v", got)
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateOrder(ctx, &domain.Order{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOrder(missing) error = %v, want ErrNotFound", err)
	}

	filled, err := s.ListOrders(ctx, domain.OrderStatusFilled)
	if err != nil || len(filled) != 1 {
		t.Errorf("ListOrders(filled) = %v, %v", filled, err)
	}
	rejected, err := s.ListOrders(ctx, domain.OrderStatusRejected)
	if err != nil || len(rejected) != 0 {
		t.Errorf("ListOrders(rejected) = %v, %v", rejected, err)
	}
}

func TestSQLiteAlerts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.RecordAlert(ctx, domain.RiskAlert{
			Timestamp: base.Add(time.Duration(i) * time.Hour), Symbol: "AAPL",
			Type: domain.AlertPositionSize, Severity: domain.SeverityHigh, Message: "too big",
			CurrentValue: 0.2, Limit: 0.1, Action: domain.RiskActionReducePosition,
		})
		if err != nil {
			t.Fatalf("RecordAlert: %v", err)
		}
	}

	got, err := s.ListAlerts(ctx, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 2 || got[0].Type != domain.AlertPositionSize || got[0].Limit != 0.1 {
		t.Errorf("ListAlerts = %+v", got)
	}
	if limited, _ := s.ListAlerts(ctx, time.Time{}, 1); len(limited) != 1 {
		t.Errorf("ListAlerts limit 1 returned %d", len(limited))
	}

	n, err := s.PruneAlerts(ctx, base.Add(2*time.Hour))
	if err != nil || n != 2 {
		t.Errorf("PruneAlerts = %d, %v, want 2", n, err)
	}
}

func TestSQLiteRuns(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	res := &domain.BacktestResult{
		Config:       domain.BacktestConfig{StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), InitialCapital: 100000},
		StrategyName: "sma-cross",
		Metrics:      domain.Metrics{TotalReturn: 0.12, SharpeRatio: 1.4, MaxDrawdown: 0.05},
		Statistics:   domain.Statistics{FinalValue: 112000},
		EquityCurve:  []domain.EquityPoint{{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Value: 100000}},
	}
	older := RunRecord{ID: "run-1", Strategy: "sma-cross", CreatedAt: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), Result: res}
	newer := RunRecord{ID: "run-2", Strategy: "buy-and-hold", CreatedAt: time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC), Result: res}
	for _, r := range []RunRecord{older, newer} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Result.Metrics.TotalReturn != 0.12 || len(got.Result.EquityCurve) != 1 || got.Strategy != "sma-cross" {
		t.Errorf("GetRun = %+v", got)
	}
	if _, err := s.GetRun(ctx, "run-9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}

	list, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(list) != 2 || list[0].ID != "run-2" || list[1].FinalValue != 112000 {
		t.Errorf("ListRuns = %+v", list)
	}
	if err := s.SaveRun(ctx, RunRecord{ID: "empty"}); err == nil {
		t.Error("SaveRun accepted a run without a result")
	}
}
