package portfolio

import (
	"errors"
	"math"
	"testing"
	"time"

	"quantrisk/internal/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func TestLedgerBuySell(t *testing.T) {
	l := NewLedger(10000)
	if _, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, Price: 100, Commission: 1, Time: t0}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, Price: 110, Commission: 1, Time: t0}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	pos, ok := l.Position("AAPL")
	if !ok || pos.Quantity != 20 || !approx(pos.AveragePrice, 105) {
		t.Fatalf("position = %+v", pos)
	}
	if !approx(l.Cash(), 10000-2102) {
		t.Errorf("cash = %v", l.Cash())
	}

	trade, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 5, Price: 120, Commission: 1, Time: t0.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !trade.Closed() || !approx(*trade.RealizedPnL, 5*120-1-5*105) {
		t.Errorf("realized pnl = %v", trade.RealizedPnL)
	}
	pos, _ = l.Position("AAPL")
	if pos.Quantity != 15 {
		t.Errorf("remaining qty = %v, want 15", pos.Quantity)
	}
	if !approx(l.TotalValue(), l.Cash()+pos.MarketValue) {
		t.Errorf("total value %v != cash + positions", l.TotalValue())
	}
}

func TestLedgerSellClampsToHeld(t *testing.T) {
	l := NewLedger(10000)
	l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, Price: 100, Time: t0})
	trade, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 25, Price: 100, Commission: 2.5, Time: t0})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if trade.Quantity != 10 || !approx(trade.Commission, 1) {
		t.Errorf("clamped trade = %+v", trade)
	}
	if l.NumPositions() != 0 {
		t.Error("position not closed")
	}
	for _, tr := range l.Trades() {
		if tr.Side == domain.SideBuy && tr.ExitPrice == nil {
			t.Errorf("buy %s not stamped with exit", tr.ID)
		}
	}
	if len(l.ClosedTrades("")) != 1 {
		t.Errorf("ClosedTrades = %d, want 1", len(l.ClosedTrades("")))
	}
}

func TestLedgerOwner(t *testing.T) {
	l := NewLedger(10000)
	l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, Price: 100, Time: t0, StrategyID: "sma-cross"})
	l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 5, Price: 100, Time: t0, StrategyID: "manual"})
	if got := l.Owner("AAPL"); got != "sma-cross" {
		t.Errorf("Owner(AAPL) = %q, want sma-cross", got)
	}
	if got := l.Owner("MSFT"); got != "" {
		t.Errorf("Owner(MSFT) = %q, want empty", got)
	}

	l.Book(Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 15, Price: 90, Time: t0, StrategyID: l.Owner("AAPL")})
	if n := len(l.ClosedTrades("sma-cross")); n != 1 {
		t.Errorf("ClosedTrades(sma-cross) = %d, want the exit counted for its owner", n)
	}
}

func TestLedgerRejections(t *testing.T) {
	l := NewLedger(100)
	if _, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 2, Price: 100}); !errors.Is(err, ErrInsufficientCash) {
		t.Errorf("error = %v, want ErrInsufficientCash", err)
	}
	if _, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 1, Price: 100}); !errors.Is(err, ErrNoPosition) {
		t.Errorf("error = %v, want ErrNoPosition", err)
	}
	if _, err := l.Book(Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: -1, Price: 100}); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("error = %v, want ErrInvalidFill", err)
	}
	if l.Cash() != 100 {
		t.Errorf("cash changed after rejections: %v", l.Cash())
	}
}

func TestLedgerEquityAndDrawdown(t *testing.T) {
	l := NewLedger(1000)
	l.Book(Fill{Symbol: "AAA", Side: domain.SideBuy, Quantity: 10, Price: 50, Time: t0})

	l.RecordEquity(t0)
	l.Mark("AAA", 40)
	pt := l.RecordEquity(t0.AddDate(0, 0, 1))
	if !approx(pt.Value, 900) || !approx(pt.Drawdown, 0.1) {
		t.Errorf("equity point = %+v", pt)
	}
	l.Mark("AAA", 30)
	l.RecordEquity(t0.AddDate(0, 0, 2))
	l.Mark("AAA", 60)
	l.RecordEquity(t0.AddDate(0, 0, 3))

	snap := l.Snapshot()
	if len(snap.EquityCurve) != 4 || len(snap.DrawdownCurve) != 2 {
		t.Fatalf("curves: %d equity, %d drawdown", len(snap.EquityCurve), len(snap.DrawdownCurve))
	}
	if dd := snap.DrawdownCurve[1]; dd.Bars != 2 || dd.Duration != 24*time.Hour {
		t.Errorf("second drawdown point = %+v", dd)
	}

	l.AdjustLastEquity(-100)
	if last := l.Snapshot().EquityCurve[3]; !approx(last.Value, 1000) {
		t.Errorf("adjusted last value = %v, want 1000", last.Value)
	}
	l.AdjustLastEquity(-300)
	snap = l.Snapshot()
	if last := snap.EquityCurve[3]; !approx(last.Value, 700) || !approx(last.Drawdown, 0.3) {
		t.Errorf("adjusted last point = %+v, want value 700 drawdown 0.3", last)
	}
	if len(snap.DrawdownCurve) != 3 {
		t.Fatalf("drawdown curve after adjustment has %d points, want 3", len(snap.DrawdownCurve))
	}
	if dd := snap.DrawdownCurve[2]; dd.Bars != 3 || dd.Duration != 48*time.Hour || !approx(dd.Drawdown, 0.3) {
		t.Errorf("adjusted drawdown point = %+v", dd)
	}
	if l.Mark("ZZZ", 1) {
		t.Error("Mark on unheld symbol returned true")
	}
}
