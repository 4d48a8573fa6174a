package domain

import (
	"fmt"
	"time"
)

// RiskLimits configures the risk controller. Every field except MaxLeverage
// is a fraction (0..1) of portfolio equity; MaxLeverage is a multiple of
// equity. A zero limit disables the corresponding check.
type RiskLimits struct {
	MaxDailyLoss      float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDrawdown       float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MaxPositionSize   float64 `json:"max_position_size" yaml:"max_position_size"`
	MaxSectorExposure float64 `json:"max_sector_exposure" yaml:"max_sector_exposure"`
	MaxCorrelation    float64 `json:"max_correlation" yaml:"max_correlation"`
	MaxLeverage       float64 `json:"max_leverage" yaml:"max_leverage"`
	StopLossPercent   float64 `json:"stop_loss_percent" yaml:"stop_loss_percent"`
}

// DefaultRiskLimits returns conservative limits for an unlevered equity book.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxDailyLoss:      0.02,
		MaxDrawdown:       0.10,
		MaxPositionSize:   0.10,
		MaxSectorExposure: 0.30,
		MaxCorrelation:    0.70,
		MaxLeverage:       1.0,
		StopLossPercent:   0.05,
	}
}

// Validate checks that every fractional limit lies in [0, 1] and leverage is
// non-negative.
func (l RiskLimits) Validate() error {
	fractions := []struct {
		name string
		v    float64
	}{
		{"max_daily_loss", l.MaxDailyLoss},
		{"max_drawdown", l.MaxDrawdown},
		{"max_position_size", l.MaxPositionSize},
		{"max_sector_exposure", l.MaxSectorExposure},
		{"max_correlation", l.MaxCorrelation},
		{"stop_loss_percent", l.StopLossPercent},
	}
	for _, f := range fractions {
		if f.v < 0 || f.v > 1 {
			return fmt.Errorf("%w: %s %v outside [0, 1]", ErrInvalidConfig, f.name, f.v)
		}
	}
	if l.MaxLeverage < 0 {
		return fmt.Errorf("%w: max_leverage %v is negative", ErrInvalidConfig, l.MaxLeverage)
	}
	return nil
}

// Severity grades a risk violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RiskAction is what the controller asks the caller to do about a violation.
type RiskAction string

const (
	RiskActionWarning        RiskAction = "WARNING"
	RiskActionReducePosition RiskAction = "REDUCE_POSITION"
	RiskActionHaltTrading    RiskAction = "HALT_TRADING"
)

// AlertType names the rule that produced a violation.
type AlertType string

const (
	AlertDailyLossLimit   AlertType = "DAILY_LOSS_LIMIT"
	AlertMaxDrawdown      AlertType = "MAX_DRAWDOWN"
	AlertPositionSize     AlertType = "POSITION_SIZE"
	AlertSectorExposure   AlertType = "SECTOR_EXPOSURE"
	AlertCorrelationLimit AlertType = "CORRELATION_LIMIT"
	AlertLeverageLimit    AlertType = "LEVERAGE_LIMIT"
	AlertTradingHalted    AlertType = "TRADING_HALTED"
	AlertStopLoss         AlertType = "STOP_LOSS"
)

// RiskViolation is one failed rule in a pre-trade check.
type RiskViolation struct {
	Type         AlertType  `json:"type"`
	Severity     Severity   `json:"severity"`
	Message      string     `json:"message"`
	CurrentValue float64    `json:"current_value"`
	Limit        float64    `json:"limit"`
	Action       RiskAction `json:"action"`
}

// RiskAlert is the audit record of a violation. Alerts are append-only.
type RiskAlert struct {
	Timestamp    time.Time  `json:"timestamp"`
	Symbol       string     `json:"symbol,omitempty"`
	Type         AlertType  `json:"type"`
	Severity     Severity   `json:"severity"`
	Message      string     `json:"message"`
	CurrentValue float64    `json:"current_value"`
	Limit        float64    `json:"limit"`
	Action       RiskAction `json:"action"`
}

// Alert stamps the violation into an alert record.
func (v RiskViolation) Alert(ts time.Time, symbol string) RiskAlert {
	return RiskAlert{
		Timestamp:    ts,
		Symbol:       symbol,
		Type:         v.Type,
		Severity:     v.Severity,
		Message:      v.Message,
		CurrentValue: v.CurrentValue,
		Limit:        v.Limit,
		Action:       v.Action,
	}
}

// RiskMetrics is the controller's latest view of portfolio risk.
type RiskMetrics struct {
	UpdatedAt        time.Time          `json:"updated_at"`
	Equity           float64            `json:"equity"`
	DailyStartEquity float64            `json:"daily_start_equity"`
	PeakEquityToday  float64            `json:"peak_equity_today"`
	DailyPnL         float64            `json:"daily_pnl"`
	DailyLoss        float64            `json:"daily_loss"`       // fraction of daily start equity
	CurrentDrawdown  float64            `json:"current_drawdown"` // fraction of today's peak
	VaR95            float64            `json:"var_95"`
	Volatility       float64            `json:"volatility"`
	Beta             float64            `json:"beta"`
	AvgCorrelation   float64            `json:"avg_correlation"`
	Leverage         float64            `json:"leverage"`
	Concentration    float64            `json:"concentration"` // Herfindahl index of position weights
	SectorExposure   map[string]float64 `json:"sector_exposure"`
}
