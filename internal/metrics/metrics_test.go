package metrics

import (
	"math"
	"reflect"
	"testing"
	"time"

	"quantrisk/internal/domain"
)

func curveOf(start time.Time, values ...float64) []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(values))
	for i, v := range values {
		out[i] = domain.EquityPoint{Timestamp: start.AddDate(0, 0, i), Value: v}
	}
	return out
}

func closedTrade(pnl float64, exit time.Time) domain.Trade {
	p := pnl
	e := exit
	return domain.Trade{
		Symbol:      "AAPL",
		Side:        domain.SideSell,
		Quantity:    10,
		EntryPrice:  100,
		EntryTime:   exit,
		ExitTime:    &e,
		RealizedPnL: &p,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestReturns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Returns(curveOf(start, 100, 110, 99))
	if len(got) != 2 {
		t.Fatalf("Returns returned %d values, want 2", len(got))
	}
	if !approx(got[0], 0.10) || !approx(got[1], -0.10) {
		t.Errorf("Returns = %v, want [0.10 -0.10]", got)
	}
	if Returns(curveOf(start, 100)) != nil {
		t.Error("Returns of a single point should be nil")
	}
}

func TestSharpeRatioFlatIsZero(t *testing.T) {
	if got := SharpeRatio([]float64{0.01, 0.01, 0.01}); got != 0 {
		t.Errorf("SharpeRatio of constant returns = %v, want 0", got)
	}
	if got := SharpeRatio(nil); got != 0 {
		t.Errorf("SharpeRatio(nil) = %v, want 0", got)
	}
}

func TestSharpeRatio(t *testing.T) {
	r := []float64{0.01, -0.005, 0.02, 0.0}
	mean := Mean(r)
	sd := StdDev(r)
	want := (mean*252 - 0.02) / (sd * math.Sqrt(252))
	if got := SharpeRatio(r); !approx(got, want) {
		t.Errorf("SharpeRatio = %v, want %v", got, want)
	}
}

func TestSortinoRatio(t *testing.T) {
	if got := SortinoRatio([]float64{0.01, 0.02}); got != HighRatio {
		t.Errorf("SortinoRatio with no downside = %v, want %v", got, HighRatio)
	}
	if got := SortinoRatio([]float64{0, 0}); got != 0 {
		t.Errorf("SortinoRatio of flat returns = %v, want 0", got)
	}
	r := []float64{0.02, -0.01, 0.03, -0.03}
	dd := StdDev([]float64{-0.01, -0.03})
	want := (Mean(r)*252 - 0.02) / (dd * math.Sqrt(252))
	if got := SortinoRatio(r); !approx(got, want) {
		t.Errorf("SortinoRatio = %v, want %v", got, want)
	}

	one := []float64{0.05, 0.04, -0.01}
	want = (Mean(one)*252 - 0.02) / (0.01 * math.Sqrt(252))
	if got := SortinoRatio(one); !approx(got, want) || got <= 0 {
		t.Errorf("SortinoRatio with one loss = %v, want %v", got, want)
	}
}

func TestMaxDrawdown(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dd, bars := MaxDrawdown(curveOf(start, 100, 120, 90, 96, 130, 117))
	if !approx(dd, 0.25) {
		t.Errorf("MaxDrawdown = %v, want 0.25", dd)
	}
	if bars != 2 {
		t.Errorf("longest drawdown = %d bars, want 2", bars)
	}
}

func TestCalmarRatioFloor(t *testing.T) {
	if got := CalmarRatio(0.10, 0); !approx(got, 10) {
		t.Errorf("CalmarRatio with zero drawdown = %v, want 10", got)
	}
	if got := CalmarRatio(0.10, 0.20); !approx(got, 0.5) {
		t.Errorf("CalmarRatio = %v, want 0.5", got)
	}
}

func TestComputeTradeStats(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	open := domain.Trade{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, EntryPrice: 10}
	trades := []domain.Trade{
		open,
		closedTrade(100, ts),
		closedTrade(-50, ts.AddDate(0, 0, 1)),
		closedTrade(200, ts.AddDate(0, 0, 2)),
	}
	s := ComputeTradeStats(trades)
	if s.Total != 3 || s.Wins != 2 || s.Losses != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", s.Total, s.Wins, s.Losses)
	}
	if !approx(s.WinRate, 2.0/3.0) {
		t.Errorf("WinRate = %v, want 2/3", s.WinRate)
	}
	if !approx(s.ProfitFactor, 6) {
		t.Errorf("ProfitFactor = %v, want 6", s.ProfitFactor)
	}
	if !approx(s.AverageWin, 150) || !approx(s.AverageLoss, 50) {
		t.Errorf("AverageWin/Loss = %v/%v, want 150/50", s.AverageWin, s.AverageLoss)
	}
	wantExp := (2.0/3.0)*150 - (1.0/3.0)*50
	if !approx(s.Expectancy, wantExp) {
		t.Errorf("Expectancy = %v, want %v", s.Expectancy, wantExp)
	}
}

func TestComputeTradeStatsNoLosses(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := ComputeTradeStats([]domain.Trade{closedTrade(10, ts)})
	if s.ProfitFactor != HighRatio {
		t.Errorf("ProfitFactor with no losses = %v, want %v", s.ProfitFactor, HighRatio)
	}
}

func TestStreaks(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pnls := []float64{1, 2, -1, -1, -1, 3, 4, 5, 6, -2}
	var trades []domain.Trade
	// Insert out of order; Streaks must sort by exit time.
	for i := len(pnls) - 1; i >= 0; i-- {
		trades = append(trades, closedTrade(pnls[i], ts.AddDate(0, 0, i)))
	}
	wins, losses := Streaks(trades)
	if wins != 4 || losses != 3 {
		t.Errorf("Streaks = %d/%d, want 4/3", wins, losses)
	}
}

func TestMonthlyReturns(t *testing.T) {
	curve := []domain.EquityPoint{
		{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Value: 100},
		{Timestamp: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), Value: 110},
		{Timestamp: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Value: 120},
		{Timestamp: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), Value: 108},
	}
	got := MonthlyReturns(curve)
	if len(got) != 2 {
		t.Fatalf("MonthlyReturns returned %d months, want 2", len(got))
	}
	if got[0].Month != 1 || !approx(got[0].Return, 0.10) {
		t.Errorf("January = %+v, want 10%%", got[0])
	}
	if got[1].Month != 2 || !approx(got[1].Return, -0.10) {
		t.Errorf("February = %+v, want -10%%", got[1])
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := curveOf(start, 100, 103, 101, 99, 104, 110, 107)
	trades := []domain.Trade{closedTrade(5, start), closedTrade(-2, start.AddDate(0, 0, 3))}

	a := Compute(curve, trades)
	b := Compute(curve, trades)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Compute is not idempotent:\n%+v\n%+v", a, b)
	}
	if !approx(a.TotalReturn, 0.07) {
		t.Errorf("TotalReturn = %v, want 0.07", a.TotalReturn)
	}
}
