package broker

import (
	"quantrisk/internal/domain"
)

const (
	// HalfSpread is the fraction of the reference price paid to cross half the
	// bid/ask spread.
	HalfSpread = 0.0001

	buyImpactScale  = 1.2
	sellImpactScale = 0.8
)

// ExecutionModel prices simulated fills. It is deterministic: the same
// reference price and side always produce the same fill.
type ExecutionModel struct {
	Commission    float64 // fraction of notional
	SlippageModel domain.SlippageModel
	SlippageValue float64
}

// NewExecutionModel builds the model a backtest config describes.
func NewExecutionModel(cfg domain.BacktestConfig) ExecutionModel {
	return ExecutionModel{
		Commission:    cfg.Commission,
		SlippageModel: cfg.SlippageModel,
		SlippageValue: cfg.SlippageValue,
	}
}

// FillPrice applies the half-spread and then the slippage model in the
// direction of the trade. Buys pay up, sells receive less. The result is never
// below one cent.
func (m ExecutionModel) FillPrice(side domain.Side, ref float64) float64 {
	dir := 1.0
	if side == domain.SideSell {
		dir = -1
	}
	price := ref * (1 + dir*HalfSpread)

	var slip float64
	switch m.SlippageModel {
	case domain.SlippageFixed:
		slip = m.SlippageValue
	case domain.SlippagePercentage:
		slip = price * m.SlippageValue
	case domain.SlippageMarketImpact:
		scale := buyImpactScale
		if side == domain.SideSell {
			scale = sellImpactScale
		}
		slip = price * m.SlippageValue * scale
	}
	price += dir * slip
	if price < 0.01 {
		price = 0.01
	}
	return price
}

// CommissionFor returns the commission charged on a fill.
func (m ExecutionModel) CommissionFor(qty, price float64) float64 {
	return qty * price * m.Commission
}
