package analytics

import (
	"math"
	"testing"
	"time"

	"quantrisk/internal/domain"
)

func TestStaticLookups(t *testing.T) {
	s := NewStatic(
		map[string]string{"AAPL": "tech"},
		map[string]float64{"AAPL": 1.2},
		map[string]map[string]float64{"AAPL": {"MSFT": 0.8}},
	)
	if got := s.Sector("AAPL"); got != "tech" {
		t.Errorf("Sector(AAPL) = %q, want tech", got)
	}
	if got := s.Sector("XOM"); got != UnknownSector {
		t.Errorf("Sector(XOM) = %q, want %q", got, UnknownSector)
	}
	if got := s.Beta("XOM"); got != 1 {
		t.Errorf("Beta(XOM) = %v, want default 1", got)
	}
	if got := s.Correlation("MSFT", "AAPL"); got != 0.8 {
		t.Errorf("Correlation(MSFT, AAPL) = %v, want 0.8 (symmetric lookup)", got)
	}
	if got := s.Correlation("AAPL", "AAPL"); got != 1 {
		t.Errorf("self correlation = %v, want 1", got)
	}
}

func TestRollingATRAndCorrelation(t *testing.T) {
	r := NewRolling(nil, 5)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		c := 100 + float64(i%2)*2
		r.Observe(domain.Bar{Symbol: "A", Timestamp: start.AddDate(0, 0, i), High: c + 1, Low: c - 1, Close: c})
		r.Observe(domain.Bar{Symbol: "B", Timestamp: start.AddDate(0, 0, i), High: 2*c + 1, Low: 2*c - 1, Close: 2 * c})
	}
	if got := r.ATR("A"); math.Abs(got-3) > 1e-9 {
		t.Errorf("ATR(A) = %v, want 3", got)
	}
	if got := r.Correlation("A", "B"); math.Abs(got-1) > 1e-9 {
		t.Errorf("Correlation(A, B) = %v, want 1", got)
	}
	if got := r.Volatility("A"); got <= 0 {
		t.Errorf("Volatility(A) = %v, want > 0", got)
	}
	if got := r.ATR("missing"); got != 0 {
		t.Errorf("ATR of unseen symbol = %v, want 0", got)
	}
}
