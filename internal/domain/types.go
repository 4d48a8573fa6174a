// Package domain defines the core data types shared across the quantrisk
// packages: market data, signals, orders, trades, positions, portfolios, risk
// configuration and backtest results.
package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors returned by boundary validation.
var (
	// ErrInvalidConfig reports structurally invalid configuration. It is the
	// only error class that aborts a backtest run.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidSignal reports a malformed trading signal.
	ErrInvalidSignal = errors.New("invalid signal")
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV observation for a symbol at a timestamp.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// ValidateSeries checks that bars belong to symbol and that timestamps are
// strictly increasing.
func ValidateSeries(symbol string, bars []Bar) error {
	for i := range bars {
		if bars[i].Symbol != "" && bars[i].Symbol != symbol {
			return fmt.Errorf("%w: series %s contains bar for %s", ErrInvalidConfig, symbol, bars[i].Symbol)
		}
		if bars[i].Close <= 0 || math.IsNaN(bars[i].Close) || math.IsInf(bars[i].Close, 0) {
			return fmt.Errorf("%w: series %s has non-positive close at %s", ErrInvalidConfig, symbol, bars[i].Timestamp.Format(time.RFC3339))
		}
		if i > 0 && !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: series %s is not strictly increasing at %s", ErrInvalidConfig, symbol, bars[i].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SignalAction is the direction a signal asks for.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// Signal is a strategy's trading intent for one symbol at one bar. Signals are
// immutable once issued.
type Signal struct {
	Timestamp  time.Time    `json:"timestamp"`
	Symbol     string       `json:"symbol"`
	Action     SignalAction `json:"action"`
	Strength   float64      `json:"strength"`   // -1..1
	Confidence float64      `json:"confidence"` // 0..1
	StrategyID string       `json:"strategy_id"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// Validate rejects signals with missing or out-of-range fields.
func (s Signal) Validate() error {
	switch s.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidSignal, s.Action)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidSignal)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidSignal, s.Symbol)
	}
	if math.IsNaN(s.Strength) || s.Strength < -1 || s.Strength > 1 {
		return fmt.Errorf("%w: %s strength %v outside [-1, 1]", ErrInvalidSignal, s.Symbol, s.Strength)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: %s confidence %v outside [0, 1]", ErrInvalidSignal, s.Symbol, s.Confidence)
	}
	return nil
}

// Side returns the order side implied by the signal. HOLD has no side.
func (s Signal) Side() (Side, bool) {
	switch s.Action {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Orders and trades
// ---------------------------------------------------------------------------

// Side is the direction of an order or trade. Quantities are always positive.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates order types supported by the simulator.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is a request to trade submitted to a broker. RefPrice is the market
// reference (usually the last close) the fill is priced from.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Qty            float64     `json:"qty"`
	RefPrice       float64     `json:"ref_price"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Commission     float64     `json:"commission"`
	Slippage       float64     `json:"slippage"`
	Status         OrderStatus `json:"status"`
	StrategyID     string      `json:"strategy_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Trade is one executed fill recorded in the portfolio ledger. BUY trades stay
// open until the position they belong to is fully closed; SELL trades carry
// the realized P&L against the position's average cost.
type Trade struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Quantity    float64    `json:"quantity"`
	EntryPrice  float64    `json:"entry_price"`
	EntryTime   time.Time  `json:"entry_time"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	Commission  float64    `json:"commission"`
	Slippage    float64    `json:"slippage"`
	RealizedPnL *float64   `json:"realized_pnl,omitempty"`
	StrategyID  string     `json:"strategy_id,omitempty"`
}

// Closed reports whether the trade has a realized P&L.
func (t Trade) Closed() bool { return t.RealizedPnL != nil }

// ReturnPct is the realized P&L as a fraction of the cost basis. It is zero for
// open trades.
func (t Trade) ReturnPct() float64 {
	if t.RealizedPnL == nil || t.EntryPrice <= 0 || t.Quantity <= 0 {
		return 0
	}
	return *t.RealizedPnL / (t.EntryPrice * t.Quantity)
}

// AccountInfo is a broker's snapshot of account balances.
type AccountInfo struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}
