// Package builtins provides built-in strategy implementations that ship with
// quantrisk.
package builtins

import (
	"context"
	"fmt"
	"math"

	"quantrisk/internal/domain"
	"quantrisk/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It generates
// a buy signal when the short-period SMA crosses above the long-period SMA,
// and a sell signal when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int

	closes map[string][]float64
	prev   map[string]float64 // short minus long SMA at the previous bar
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int) (*SMACross, error) {
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("%w: sma-cross needs 0 < short < long, got %d/%d", domain.ErrInvalidConfig, short, long)
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
	}, nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init resets the price buffers.
func (s *SMACross) Init(_ context.Context) error {
	s.closes = make(map[string][]float64)
	s.prev = make(map[string]float64)
	return nil
}

// GenerateSignals appends each bar's close to its symbol's history and emits a
// signal on a crossover. Strength grows with the gap between the averages.
func (s *SMACross) GenerateSignals(_ context.Context, bars map[string]domain.Bar, view domain.PortfolioView) ([]domain.Signal, error) {
	if s.closes == nil {
		s.Init(context.Background())
	}
	var out []domain.Signal
	for _, sym := range sortedSymbols(bars) {
		bar := bars[sym]
		closes := append(s.closes[sym], bar.Close)
		if len(closes) > s.longPeriod {
			closes = closes[len(closes)-s.longPeriod:]
		}
		s.closes[sym] = closes
		if len(closes) < s.longPeriod {
			continue
		}

		short := mean(closes[len(closes)-s.shortPeriod:])
		long := mean(closes)
		diff := short - long
		prev, seen := s.prev[sym]
		s.prev[sym] = diff
		if !seen {
			continue
		}

		strength := math.Min(1, math.Abs(diff)/long*20)
		if strength == 0 {
			continue
		}
		_, held := view.Position(sym)
		switch {
		case prev <= 0 && diff > 0 && !held:
			out = append(out, domain.Signal{
				Timestamp:  bar.Timestamp,
				Symbol:     sym,
				Action:     domain.ActionBuy,
				Strength:   strength,
				Confidence: 1,
				StrategyID: s.Name(),
				Reasoning:  fmt.Sprintf("SMA%d crossed above SMA%d", s.shortPeriod, s.longPeriod),
			})
		case prev >= 0 && diff < 0 && held:
			out = append(out, domain.Signal{
				Timestamp:  bar.Timestamp,
				Symbol:     sym,
				Action:     domain.ActionSell,
				Strength:   -1,
				Confidence: 1,
				StrategyID: s.Name(),
				Reasoning:  fmt.Sprintf("SMA%d crossed below SMA%d", s.shortPeriod, s.longPeriod),
			})
		}
	}
	return out, nil
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
