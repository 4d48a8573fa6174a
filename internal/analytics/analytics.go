// Package analytics supplies the market statistics the risk controller sizes
// and limits positions with: sector membership, beta, pairwise correlation,
// average true range and return volatility.
package analytics

import (
	"math"
	"sync"

	"quantrisk/internal/domain"
)

// UnknownSector groups symbols with no configured sector.
const UnknownSector = "UNKNOWN"

// Provider answers per-symbol market statistics. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Sector returns the sector a symbol belongs to.
	Sector(symbol string) string

	// Beta returns the symbol's beta against the market.
	Beta(symbol string) float64

	// Correlation returns the return correlation between two symbols.
	Correlation(a, b string) float64

	// ATR returns the average true range in price units, or 0 when unknown.
	ATR(symbol string) float64

	// Volatility returns the per-bar standard deviation of returns, or 0 when
	// unknown.
	Volatility(symbol string) float64
}

// Observer is implemented by providers that learn from the bars a backtest
// replays.
type Observer interface {
	Observe(bar domain.Bar)
}

// ---------------------------------------------------------------------------
// Static
// ---------------------------------------------------------------------------

// Static serves fixed sector, beta and correlation tables supplied by an
// external analytics source. ATR and volatility are unknown.
type Static struct {
	Sectors      map[string]string
	Betas        map[string]float64
	Correlations map[string]map[string]float64
	DefaultBeta  float64
}

// NewStatic creates a Static provider with a default beta of 1.
func NewStatic(sectors map[string]string, betas map[string]float64, corr map[string]map[string]float64) *Static {
	return &Static{Sectors: sectors, Betas: betas, Correlations: corr, DefaultBeta: 1}
}

// Sector returns the configured sector or UnknownSector.
func (s *Static) Sector(symbol string) string {
	if sec, ok := s.Sectors[symbol]; ok && sec != "" {
		return sec
	}
	return UnknownSector
}

// Beta returns the configured beta or DefaultBeta.
func (s *Static) Beta(symbol string) float64 {
	if b, ok := s.Betas[symbol]; ok {
		return b
	}
	return s.DefaultBeta
}

// Correlation looks the pair up in either order. A symbol is perfectly
// correlated with itself; unknown pairs are uncorrelated.
func (s *Static) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	if c, ok := s.Correlations[a][b]; ok {
		return c
	}
	if c, ok := s.Correlations[b][a]; ok {
		return c
	}
	return 0
}

// ATR is unknown for a static table.
func (s *Static) ATR(string) float64 { return 0 }

// Volatility is unknown for a static table.
func (s *Static) Volatility(string) float64 { return 0 }

// ---------------------------------------------------------------------------
// Rolling
// ---------------------------------------------------------------------------

// Rolling estimates ATR, volatility and correlation from a trailing window of
// observed bars. Sector and beta come from the wrapped base provider; when the
// base has no correlation for a pair the sample correlation is used.
type Rolling struct {
	base   Provider
	window int

	mu     sync.RWMutex
	closes map[string][]float64
	tr     map[string][]float64
}

// NewRolling wraps base with a trailing window of the given length. A
// non-positive window defaults to 14 bars.
func NewRolling(base Provider, window int) *Rolling {
	if window <= 0 {
		window = 14
	}
	if base == nil {
		base = NewStatic(nil, nil, nil)
	}
	return &Rolling{
		base:   base,
		window: window,
		closes: make(map[string][]float64),
		tr:     make(map[string][]float64),
	}
}

// Observe appends a bar to the symbol's history.
func (r *Rolling) Observe(bar domain.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()

	closes := r.closes[bar.Symbol]
	tr := bar.High - bar.Low
	if n := len(closes); n > 0 {
		prev := closes[n-1]
		tr = math.Max(tr, math.Max(math.Abs(bar.High-prev), math.Abs(bar.Low-prev)))
	}
	r.closes[bar.Symbol] = trim(append(closes, bar.Close), r.window+1)
	r.tr[bar.Symbol] = trim(append(r.tr[bar.Symbol], tr), r.window)
}

// Sector delegates to the base provider.
func (r *Rolling) Sector(symbol string) string { return r.base.Sector(symbol) }

// Beta delegates to the base provider.
func (r *Rolling) Beta(symbol string) float64 { return r.base.Beta(symbol) }

// Correlation prefers the base provider's value and falls back to the sample
// correlation of aligned trailing returns.
func (r *Rolling) Correlation(a, b string) float64 {
	if c := r.base.Correlation(a, b); c != 0 || a == b {
		return c
	}
	r.mu.RLock()
	ra := returns(r.closes[a])
	rb := returns(r.closes[b])
	r.mu.RUnlock()
	return pearson(ra, rb)
}

// ATR averages the trailing true ranges.
func (r *Rolling) ATR(symbol string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr := r.tr[symbol]
	if len(tr) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range tr {
		sum += v
	}
	return sum / float64(len(tr))
}

// Volatility is the population standard deviation of trailing returns.
func (r *Rolling) Volatility(symbol string) float64 {
	r.mu.RLock()
	rs := returns(r.closes[symbol])
	r.mu.RUnlock()
	if len(rs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range rs {
		mean += x
	}
	mean /= float64(len(rs))
	ss := 0.0
	for _, x := range rs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(rs)))
}

func trim(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return append([]float64(nil), xs[len(xs)-n:]...)
}

func returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			out = append(out, closes[i]/closes[i-1]-1)
		}
	}
	return out
}

// pearson correlates the most recent overlapping tail of a and b.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
