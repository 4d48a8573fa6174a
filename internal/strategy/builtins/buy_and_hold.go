package builtins

import (
	"context"
	"fmt"
	"sort"

	"quantrisk/internal/domain"
	"quantrisk/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold buys every symbol the first time it sees a bar for it and never
// sells.
type BuyAndHold struct {
	confidence float64
	bought     map[string]bool
}

// NewBuyAndHold creates a BuyAndHold strategy whose signals carry confidence.
func NewBuyAndHold(confidence float64) (*BuyAndHold, error) {
	if confidence <= 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: buy-and-hold confidence %v outside (0, 1]", domain.ErrInvalidConfig, confidence)
	}
	return &BuyAndHold{confidence: confidence}, nil
}

// Name returns "buy-and-hold".
func (s *BuyAndHold) Name() string { return "buy-and-hold" }

// Init forgets what was bought.
func (s *BuyAndHold) Init(_ context.Context) error {
	s.bought = make(map[string]bool)
	return nil
}

// GenerateSignals emits one full-strength BUY per new symbol.
func (s *BuyAndHold) GenerateSignals(_ context.Context, bars map[string]domain.Bar, _ domain.PortfolioView) ([]domain.Signal, error) {
	if s.bought == nil {
		s.Init(context.Background())
	}
	var out []domain.Signal
	for _, sym := range sortedSymbols(bars) {
		if s.bought[sym] {
			continue
		}
		s.bought[sym] = true
		out = append(out, domain.Signal{
			Timestamp:  bars[sym].Timestamp,
			Symbol:     sym,
			Action:     domain.ActionBuy,
			Strength:   1,
			Confidence: s.confidence,
			StrategyID: s.Name(),
			Reasoning:  "initial allocation",
		})
	}
	return out, nil
}

// Register adds the builtin strategies to r. Parameters: sma-cross takes
// "short" and "long" (default 10 and 30); buy-and-hold takes "confidence"
// (default 1).
func Register(r *strategy.Registry) {
	r.Register("sma-cross", func(p map[string]float64) (strategy.Strategy, error) {
		return NewSMACross(intParam(p, "short", 10), intParam(p, "long", 30))
	})
	r.Register("buy-and-hold", func(p map[string]float64) (strategy.Strategy, error) {
		c := 1.0
		if v, ok := p["confidence"]; ok {
			c = v
		}
		return NewBuyAndHold(c)
	})
}

// NewRegistry returns a registry holding every builtin strategy.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}

func intParam(p map[string]float64, key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

func sortedSymbols(bars map[string]domain.Bar) []string {
	syms := make([]string, 0, len(bars))
	for s := range bars {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}
