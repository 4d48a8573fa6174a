package engine

import (
	"math"

	"quantrisk/internal/domain"
)

const (
	// baseAllocation is the share of portfolio value a full-strength,
	// full-confidence buy targets before risk sizing.
	baseAllocation = 0.10
	// maxAllocation caps any single buy at this share of portfolio value.
	maxAllocation = 0.15
	// cashUsable is the share of cash a buy may spend; the rest is a buffer.
	cashUsable = 0.95
)

// ProposeQuantity returns the default, pre-risk order size for a signal priced
// at price. Buys target value × 10% × confidence × |strength|, capped at 15% of
// value and 95% of cash, in whole units. Sells close the held quantity scaled
// by confidence × |strength|, rounded up and clamped to the position. HOLD and
// unheld sells return 0.
func ProposeQuantity(sig domain.Signal, view domain.PortfolioView, price float64) float64 {
	if price <= 0 {
		return 0
	}
	weight := sig.Confidence * math.Abs(sig.Strength)
	switch sig.Action {
	case domain.ActionBuy:
		target := view.TotalValue * baseAllocation * weight
		target = math.Min(target, view.TotalValue*maxAllocation)
		target = math.Min(target, view.Cash*cashUsable)
		if target <= 0 {
			return 0
		}
		return math.Floor(target/price + 1e-9)
	case domain.ActionSell:
		pos, ok := view.Position(sig.Symbol)
		if !ok || pos.Quantity <= 0 {
			return 0
		}
		return math.Min(pos.Quantity, math.Ceil(pos.Quantity*weight-1e-9))
	}
	return 0
}
