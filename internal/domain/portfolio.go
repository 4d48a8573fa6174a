package domain

import (
	"sort"
	"time"
)

// Position is an open holding in one symbol.
type Position struct {
	Symbol               string   `json:"symbol"`
	Quantity             float64  `json:"quantity"`
	AveragePrice         float64  `json:"average_price"`
	CurrentPrice         float64  `json:"current_price"`
	MarketValue          float64  `json:"market_value"`
	UnrealizedPnL        float64  `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64  `json:"unrealized_pnl_percent"`
	TradeIDs             []string `json:"trade_ids"`
}

// CostBasis is quantity times average price.
func (p Position) CostBasis() float64 { return p.Quantity * p.AveragePrice }

// Reprice sets CurrentPrice and recomputes the derived valuation fields.
func (p *Position) Reprice(price float64) {
	p.CurrentPrice = price
	p.MarketValue = p.Quantity * price
	p.UnrealizedPnL = p.MarketValue - p.CostBasis()
	if cb := p.CostBasis(); cb > 0 {
		p.UnrealizedPnLPercent = p.UnrealizedPnL / cb * 100
	} else {
		p.UnrealizedPnLPercent = 0
	}
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	Value          float64   `json:"value"`
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
	Drawdown       float64   `json:"drawdown"` // fraction below running peak
}

// DrawdownPoint is recorded for every step spent below the running peak.
type DrawdownPoint struct {
	Timestamp time.Time     `json:"timestamp"`
	Drawdown  float64       `json:"drawdown"` // fraction below running peak
	Duration  time.Duration `json:"duration"` // since the drawdown started
	Bars      int           `json:"bars"`     // steps since the drawdown started
}

// Portfolio is a full snapshot of the ledger.
type Portfolio struct {
	Cash          float64             `json:"cash"`
	TotalValue    float64             `json:"total_value"`
	Positions     map[string]Position `json:"positions"`
	Trades        []Trade             `json:"trades"`
	EquityCurve   []EquityPoint       `json:"equity_curve"`
	DrawdownCurve []DrawdownPoint     `json:"drawdown_curve"`
}

// PositionsValue sums the market value of all positions.
func (p Portfolio) PositionsValue() float64 {
	return sumMarketValue(p.Positions)
}

// View strips the history from the snapshot.
func (p Portfolio) View() PortfolioView {
	return PortfolioView{Cash: p.Cash, TotalValue: p.TotalValue, Positions: p.Positions}
}

// PortfolioView is the read-only portfolio state handed to strategies.
type PortfolioView struct {
	Cash       float64             `json:"cash"`
	TotalValue float64             `json:"total_value"`
	Positions  map[string]Position `json:"positions"`
}

// Position returns the open position for symbol, if any.
func (v PortfolioView) Position(symbol string) (Position, bool) {
	p, ok := v.Positions[symbol]
	return p, ok
}

// Symbols returns the held symbols in sorted order.
func (v PortfolioView) Symbols() []string {
	out := make([]string, 0, len(v.Positions))
	for s := range v.Positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// sumMarketValue adds in symbol order so repeated runs produce bit-identical
// totals.
func sumMarketValue(positions map[string]Position) float64 {
	total := 0.0
	for _, s := range (PortfolioView{Positions: positions}).Symbols() {
		total += positions[s].MarketValue
	}
	return total
}
