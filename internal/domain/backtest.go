package domain

import (
	"fmt"
	"time"
)

// SlippageModel selects how fills deviate from the quoted price.
type SlippageModel string

const (
	SlippageFixed        SlippageModel = "FIXED"
	SlippagePercentage   SlippageModel = "PERCENTAGE"
	SlippageMarketImpact SlippageModel = "MARKET_IMPACT"
)

// UnresolvedPolicy decides how positions still open at the end of a run enter
// the performance numbers.
type UnresolvedPolicy string

const (
	// UnresolvedMarkLastPrice values open positions at their last known price
	// with no realized P&L.
	UnresolvedMarkLastPrice UnresolvedPolicy = "MARK_LAST_PRICE"
	// UnresolvedExclude removes the unrealized P&L of open positions from the
	// final equity point, valuing them at cost.
	UnresolvedExclude UnresolvedPolicy = "EXCLUDE"
)

// BacktestConfig parameterises one simulation run.
type BacktestConfig struct {
	StartDate        time.Time        `json:"start_date"`
	EndDate          time.Time        `json:"end_date"`
	InitialCapital   float64          `json:"initial_capital"`
	Commission       float64          `json:"commission"` // fraction of notional
	SlippageModel    SlippageModel    `json:"slippage_model"`
	SlippageValue    float64          `json:"slippage_value"`
	MaxPositions     int              `json:"max_positions,omitempty"` // 0 = unlimited
	UnresolvedPolicy UnresolvedPolicy `json:"unresolved_policy"`
	ResetRiskDaily   bool             `json:"reset_risk_daily"`
	StopLossExit     bool             `json:"stop_loss_exit"`
}

// WithDefaults fills the optional enum fields.
func (c BacktestConfig) WithDefaults() BacktestConfig {
	if c.SlippageModel == "" {
		c.SlippageModel = SlippagePercentage
	}
	if c.UnresolvedPolicy == "" {
		c.UnresolvedPolicy = UnresolvedMarkLastPrice
	}
	return c
}

// Validate rejects configuration that would make a run meaningless.
func (c BacktestConfig) Validate() error {
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidConfig)
	}
	if c.StartDate.After(c.EndDate) {
		return fmt.Errorf("%w: start date %s after end date %s", ErrInvalidConfig,
			c.StartDate.Format("2006-01-02"), c.EndDate.Format("2006-01-02"))
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial capital must be positive, got %v", ErrInvalidConfig, c.InitialCapital)
	}
	if c.Commission < 0 {
		return fmt.Errorf("%w: commission %v is negative", ErrInvalidConfig, c.Commission)
	}
	if c.SlippageValue < 0 {
		return fmt.Errorf("%w: slippage value %v is negative", ErrInvalidConfig, c.SlippageValue)
	}
	if c.MaxPositions < 0 {
		return fmt.Errorf("%w: max positions %d is negative", ErrInvalidConfig, c.MaxPositions)
	}
	switch c.SlippageModel {
	case SlippageFixed, SlippagePercentage, SlippageMarketImpact:
	default:
		return fmt.Errorf("%w: unknown slippage model %q", ErrInvalidConfig, c.SlippageModel)
	}
	switch c.UnresolvedPolicy {
	case UnresolvedMarkLastPrice, UnresolvedExclude:
	default:
		return fmt.Errorf("%w: unknown unresolved position policy %q", ErrInvalidConfig, c.UnresolvedPolicy)
	}
	return nil
}

// MonthlyReturn is the return earned inside one calendar month.
type MonthlyReturn struct {
	Year   int     `json:"year"`
	Month  int     `json:"month"`
	Return float64 `json:"return"`
}

// Metrics summarises the performance of a run.
type Metrics struct {
	TotalReturn          float64         `json:"total_return"`
	AnnualizedReturn     float64         `json:"annualized_return"`
	Volatility           float64         `json:"volatility"`
	SharpeRatio          float64         `json:"sharpe_ratio"`
	SortinoRatio         float64         `json:"sortino_ratio"`
	CalmarRatio          float64         `json:"calmar_ratio"`
	MaxDrawdown          float64         `json:"max_drawdown"`
	MaxDrawdownBars      int             `json:"max_drawdown_bars"`
	TotalTrades          int             `json:"total_trades"`
	WinningTrades        int             `json:"winning_trades"`
	LosingTrades         int             `json:"losing_trades"`
	WinRate              float64         `json:"win_rate"`
	ProfitFactor         float64         `json:"profit_factor"`
	Expectancy           float64         `json:"expectancy"`
	AverageWin           float64         `json:"average_win"`
	AverageLoss          float64         `json:"average_loss"`
	LargestWin           float64         `json:"largest_win"`
	LargestLoss          float64         `json:"largest_loss"`
	MaxConsecutiveWins   int             `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
	MonthlyReturns       []MonthlyReturn `json:"monthly_returns"`
}

// Statistics records bookkeeping counters for a run.
type Statistics struct {
	Steps            int     `json:"steps"`
	Symbols          int     `json:"symbols"`
	InitialCapital   float64 `json:"initial_capital"`
	FinalValue       float64 `json:"final_value"`
	TotalCommission  float64 `json:"total_commission"`
	TotalSlippage    float64 `json:"total_slippage"`
	SignalsGenerated int     `json:"signals_generated"`
	SignalsExecuted  int     `json:"signals_executed"`
	SignalsRejected  int     `json:"signals_rejected"`
	RiskRejections   int     `json:"risk_rejections"`
	OpenPositions    int     `json:"open_positions"`
	UnresolvedPnL    float64 `json:"unresolved_pnl"`
	DataGaps         int     `json:"data_gaps"`
	RiskHalts        int     `json:"risk_halts"`
	StopLossExits    int     `json:"stop_loss_exits"`
}

// BacktestResult is the complete output of one run.
type BacktestResult struct {
	Config         BacktestConfig  `json:"config"`
	StrategyName   string          `json:"strategy_name"`
	FinalPortfolio Portfolio       `json:"final_portfolio"`
	Trades         []Trade         `json:"trades"`
	EquityCurve    []EquityPoint   `json:"equity_curve"`
	DrawdownCurve  []DrawdownPoint `json:"drawdown_curve"`
	Metrics        Metrics         `json:"metrics"`
	Statistics     Statistics      `json:"statistics"`
	Warnings       []string        `json:"warnings"`
	Alerts         []RiskAlert     `json:"alerts"`
}
