package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestSignalValidate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	valid := Signal{Timestamp: ts, Symbol: "AAPL", Action: ActionBuy, Strength: 0.5, Confidence: 0.8}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}

	cases := map[string]func(s *Signal){
		"unknown action":    func(s *Signal) { s.Action = "SHORT" },
		"empty symbol":      func(s *Signal) { s.Symbol = "" },
		"zero timestamp":    func(s *Signal) { s.Timestamp = time.Time{} },
		"strength too high": func(s *Signal) { s.Strength = 1.01 },
		"strength NaN":      func(s *Signal) { s.Strength = math.NaN() },
		"confidence < 0":    func(s *Signal) { s.Confidence = -0.1 },
	}
	for name, mutate := range cases {
		s := valid
		mutate(&s)
		if err := s.Validate(); !errors.Is(err, ErrInvalidSignal) {
			t.Errorf("%s: error = %v, want ErrInvalidSignal", name, err)
		}
	}

	if side, ok := valid.Side(); !ok || side != SideBuy {
		t.Errorf("Side() = %q, %v", side, ok)
	}
	if _, ok := (Signal{Action: ActionHold}).Side(); ok {
		t.Error("HOLD should have no side")
	}
}

func TestValidateSeries(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	good := []Bar{{Symbol: "AAA", Timestamp: day(2), Close: 10}, {Timestamp: day(3), Close: 11}}
	if err := ValidateSeries("AAA", good); err != nil {
		t.Errorf("good series rejected: %v", err)
	}
	bad := map[string][]Bar{
		"wrong symbol":   {{Symbol: "BBB", Timestamp: day(2), Close: 10}},
		"zero close":     {{Symbol: "AAA", Timestamp: day(2), Close: 0}},
		"not increasing": {{Timestamp: day(3), Close: 10}, {Timestamp: day(3), Close: 11}},
	}
	for name, bars := range bad {
		if err := ValidateSeries("AAA", bars); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: error = %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestTradeReturnPct(t *testing.T) {
	pnl := 50.0
	closed := Trade{Quantity: 10, EntryPrice: 100, RealizedPnL: &pnl}
	if !closed.Closed() || closed.ReturnPct() != 0.05 {
		t.Errorf("closed trade: Closed=%v ReturnPct=%v", closed.Closed(), closed.ReturnPct())
	}
	open := Trade{Quantity: 10, EntryPrice: 100}
	if open.Closed() || open.ReturnPct() != 0 {
		t.Errorf("open trade: Closed=%v ReturnPct=%v", open.Closed(), open.ReturnPct())
	}
}

func TestPositionReprice(t *testing.T) {
	p := Position{Symbol: "AAPL", Quantity: 10, AveragePrice: 100}
	p.Reprice(110)
	if p.MarketValue != 1100 || p.UnrealizedPnL != 100 || p.UnrealizedPnLPercent != 10 {
		t.Errorf("Reprice: %+v", p)
	}

	pf := Portfolio{Cash: 500, Positions: map[string]Position{"AAPL": p, "MSFT": {Symbol: "MSFT", MarketValue: 400}}}
	if got := pf.PositionsValue(); got != 1500 {
		t.Errorf("PositionsValue = %v, want 1500", got)
	}
	if syms := pf.View().Symbols(); len(syms) != 2 || syms[0] != "AAPL" {
		t.Errorf("Symbols = %v", syms)
	}
}

func TestRiskLimitsValidate(t *testing.T) {
	if err := DefaultRiskLimits().Validate(); err != nil {
		t.Fatalf("default limits rejected: %v", err)
	}
	l := DefaultRiskLimits()
	l.MaxDailyLoss = 1.5
	if err := l.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("MaxDailyLoss 1.5: error = %v", err)
	}
	l = DefaultRiskLimits()
	l.MaxLeverage = -1
	if err := l.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("MaxLeverage -1: error = %v", err)
	}

	v := RiskViolation{Type: AlertDailyLossLimit, Severity: SeverityCritical, Action: RiskActionHaltTrading, CurrentValue: 0.021, Limit: 0.02}
	a := v.Alert(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "AAPL")
	if a.Type != v.Type || a.Symbol != "AAPL" || a.Limit != 0.02 {
		t.Errorf("Alert = %+v", a)
	}
}

func TestBacktestConfigValidate(t *testing.T) {
	cfg := BacktestConfig{
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		InitialCapital: 100000,
	}.WithDefaults()
	if cfg.SlippageModel != SlippagePercentage || cfg.UnresolvedPolicy != UnresolvedMarkLastPrice {
		t.Errorf("WithDefaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []func(c *BacktestConfig){
		func(c *BacktestConfig) { c.StartDate, c.EndDate = c.EndDate, c.StartDate },
		func(c *BacktestConfig) { c.InitialCapital = 0 },
		func(c *BacktestConfig) { c.Commission = -0.001 },
		func(c *BacktestConfig) { c.SlippageModel = "RANDOM" },
		func(c *BacktestConfig) { c.UnresolvedPolicy = "KEEP" },
		func(c *BacktestConfig) { c.MaxPositions = -1 },
	}
	for i, mutate := range bad {
		c := cfg
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: error = %v, want ErrInvalidConfig", i, err)
		}
	}
}
