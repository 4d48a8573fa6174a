// Package metrics computes performance statistics from an equity curve and a
// trade list. Every function is pure: the same inputs always produce the same
// outputs and no state is kept between calls.
package metrics

import (
	"math"
	"sort"
	"time"

	"quantrisk/internal/domain"
)

const (
	// TradingDaysPerYear annualizes per-bar statistics.
	TradingDaysPerYear = 252

	// RiskFreeRate is the annual risk-free rate subtracted in Sharpe and
	// Sortino.
	RiskFreeRate = 0.02

	// HighRatio stands in for an unbounded ratio (no downside, no losses) so
	// results stay JSON-encodable.
	HighRatio = 999.0

	// minCalmarDrawdown floors the Calmar denominator at one percent.
	minCalmarDrawdown = 0.01
)

// Returns computes simple returns between consecutive equity points. Points
// with a non-positive predecessor are skipped.
func Returns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev <= 0 {
			continue
		}
		out = append(out, (curve[i].Value-prev)/prev)
	}
	return out
}

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation of xs.
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// AnnualizedVolatility scales the per-bar standard deviation to a year.
func AnnualizedVolatility(returns []float64) float64 {
	return StdDev(returns) * math.Sqrt(TradingDaysPerYear)
}

// SharpeRatio is (annualized mean return − risk-free rate) / annualized
// volatility. It is 0 when returns have no dispersion.
func SharpeRatio(returns []float64) float64 {
	sd := StdDev(returns)
	if sd == 0 {
		return 0
	}
	annMean := Mean(returns) * TradingDaysPerYear
	return (annMean - RiskFreeRate) / (sd * math.Sqrt(TradingDaysPerYear))
}

// SortinoRatio is like SharpeRatio but divides by the deviation of negative
// returns only. With no downside it returns HighRatio for a positive mean and
// 0 otherwise. Downside returns without dispersion, a single loss included,
// use the loss magnitude as the deviation.
func SortinoRatio(returns []float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	m := Mean(returns)
	if len(downside) == 0 {
		if m > 0 {
			return HighRatio
		}
		return 0
	}
	dd := StdDev(downside)
	if dd == 0 {
		dd = math.Abs(downside[0])
	}
	annMean := m * TradingDaysPerYear
	return (annMean - RiskFreeRate) / (dd * math.Sqrt(TradingDaysPerYear))
}

// TotalReturn is last/first − 1 over the curve.
func TotalReturn(curve []domain.EquityPoint) float64 {
	if len(curve) == 0 || curve[0].Value <= 0 {
		return 0
	}
	return curve[len(curve)-1].Value/curve[0].Value - 1
}

// AnnualizedReturn compounds the total return over the number of bars,
// assuming TradingDaysPerYear bars per year.
func AnnualizedReturn(curve []domain.EquityPoint) float64 {
	bars := len(curve) - 1
	if bars <= 0 {
		return 0
	}
	growth := 1 + TotalReturn(curve)
	if growth <= 0 {
		return -1
	}
	r := math.Pow(growth, TradingDaysPerYear/float64(bars)) - 1
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return HighRatio
	}
	return r
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction, and
// the longest run of bars spent below a peak.
func MaxDrawdown(curve []domain.EquityPoint) (maxDD float64, longestBars int) {
	peak := 0.0
	run := 0
	for _, pt := range curve {
		if pt.Value >= peak {
			peak = pt.Value
			run = 0
			continue
		}
		run++
		if run > longestBars {
			longestBars = run
		}
		if peak > 0 {
			if dd := (peak - pt.Value) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, longestBars
}

// CalmarRatio divides the annualized return by the max drawdown, flooring the
// drawdown at one percent.
func CalmarRatio(annualizedReturn, maxDrawdown float64) float64 {
	return annualizedReturn / math.Max(maxDrawdown, minCalmarDrawdown)
}

// TradeStats aggregates closed-trade outcomes.
type TradeStats struct {
	Total        int
	Wins         int
	Losses       int
	WinRate      float64
	GrossProfit  float64
	GrossLoss    float64 // positive magnitude
	ProfitFactor float64
	AverageWin   float64
	AverageLoss  float64 // positive magnitude
	LargestWin   float64
	LargestLoss  float64 // positive magnitude
	Expectancy   float64
}

// ComputeTradeStats looks only at trades that carry a realized P&L. A trade
// with zero P&L counts toward the total but neither wins nor losses.
func ComputeTradeStats(trades []domain.Trade) TradeStats {
	var s TradeStats
	for _, t := range trades {
		if !t.Closed() {
			continue
		}
		pnl := *t.RealizedPnL
		s.Total++
		switch {
		case pnl > 0:
			s.Wins++
			s.GrossProfit += pnl
			s.LargestWin = math.Max(s.LargestWin, pnl)
		case pnl < 0:
			s.Losses++
			s.GrossLoss += -pnl
			s.LargestLoss = math.Max(s.LargestLoss, -pnl)
		}
	}
	if s.Total == 0 {
		return s
	}
	s.WinRate = float64(s.Wins) / float64(s.Total)
	if s.Wins > 0 {
		s.AverageWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AverageLoss = s.GrossLoss / float64(s.Losses)
	}
	switch {
	case s.GrossLoss > 0:
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	case s.GrossProfit > 0:
		s.ProfitFactor = HighRatio
	}
	lossRate := float64(s.Losses) / float64(s.Total)
	s.Expectancy = s.WinRate*s.AverageWin - lossRate*s.AverageLoss
	return s
}

// Streaks returns the longest consecutive winning and losing runs over closed
// trades in chronological order.
func Streaks(trades []domain.Trade) (maxWins, maxLosses int) {
	closed := closedChronological(trades)
	streak := 0
	for _, t := range closed {
		pnl := *t.RealizedPnL
		switch {
		case pnl > 0:
			if streak < 0 {
				streak = 0
			}
			streak++
			if streak > maxWins {
				maxWins = streak
			}
		case pnl < 0:
			if streak > 0 {
				streak = 0
			}
			streak--
			if -streak > maxLosses {
				maxLosses = -streak
			}
		default:
			streak = 0
		}
	}
	return maxWins, maxLosses
}

// MonthlyReturns groups the curve by calendar month (UTC) and returns
// last/first − 1 for each month in chronological order.
func MonthlyReturns(curve []domain.EquityPoint) []domain.MonthlyReturn {
	var out []domain.MonthlyReturn
	var first, last float64
	var cur time.Time
	flush := func() {
		if cur.IsZero() {
			return
		}
		r := 0.0
		if first > 0 {
			r = last/first - 1
		}
		out = append(out, domain.MonthlyReturn{Year: cur.Year(), Month: int(cur.Month()), Return: r})
	}
	for _, pt := range curve {
		ts := pt.Timestamp.UTC()
		month := time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
		if !month.Equal(cur) {
			flush()
			cur = month
			first = pt.Value
		}
		last = pt.Value
	}
	flush()
	return out
}

// Compute derives the full metric set for a run.
func Compute(curve []domain.EquityPoint, trades []domain.Trade) domain.Metrics {
	returns := Returns(curve)
	maxDD, ddBars := MaxDrawdown(curve)
	annRet := AnnualizedReturn(curve)
	ts := ComputeTradeStats(trades)
	wins, losses := Streaks(trades)

	return domain.Metrics{
		TotalReturn:          TotalReturn(curve),
		AnnualizedReturn:     annRet,
		Volatility:           AnnualizedVolatility(returns),
		SharpeRatio:          SharpeRatio(returns),
		SortinoRatio:         SortinoRatio(returns),
		CalmarRatio:          CalmarRatio(annRet, maxDD),
		MaxDrawdown:          maxDD,
		MaxDrawdownBars:      ddBars,
		TotalTrades:          ts.Total,
		WinningTrades:        ts.Wins,
		LosingTrades:         ts.Losses,
		WinRate:              ts.WinRate,
		ProfitFactor:         ts.ProfitFactor,
		Expectancy:           ts.Expectancy,
		AverageWin:           ts.AverageWin,
		AverageLoss:          ts.AverageLoss,
		LargestWin:           ts.LargestWin,
		LargestLoss:          ts.LargestLoss,
		MaxConsecutiveWins:   wins,
		MaxConsecutiveLosses: losses,
		MonthlyReturns:       MonthlyReturns(curve),
	}
}

func closedChronological(trades []domain.Trade) []domain.Trade {
	var closed []domain.Trade
	for _, t := range trades {
		if t.Closed() {
			closed = append(closed, t)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return exitTime(closed[i]).Before(exitTime(closed[j]))
	})
	return closed
}

func exitTime(t domain.Trade) time.Time {
	if t.ExitTime != nil {
		return *t.ExitTime
	}
	return t.EntryTime
}
