package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"quantrisk/internal/analytics"
	"quantrisk/internal/domain"
)

const (
	// warnFraction of a limit produces an advisory warning before the hard stop.
	warnFraction = 0.8

	kellyFraction       = 0.25
	minKellyTrades      = 10
	fallbackPositionPct = 0.02

	// A position may lose at most riskPerTradePct of equity to an adverse
	// move of atrMultiple ATRs.
	riskPerTradePct = 0.01
	atrMultiple     = 2.0

	correlationShrink = 0.625
	minNotional       = 100.0

	varZ95           = 1.645
	equitySampleSize = 60
)

// State is the circuit-breaker state of a RiskManager.
type State string

const (
	StateActive State = "ACTIVE"
	StateHalted State = "HALTED"
)

// PortfolioSource gives the risk manager read access to the portfolio it
// guards. portfolio.Ledger satisfies it.
type PortfolioSource interface {
	View() domain.PortfolioView
	ClosedTrades(strategyID string) []domain.Trade
}

// AlertSink receives every alert the risk manager raises.
type AlertSink interface {
	RecordAlert(ctx context.Context, alert domain.RiskAlert) error
}

// TradeCheck is the outcome of a pre-trade check.
type TradeCheck struct {
	Allowed          bool                   `json:"allowed"`
	Violations       []domain.RiskViolation `json:"violations"`
	AdjustedQuantity float64                `json:"adjusted_quantity"`
	Warnings         []string               `json:"warnings"`
}

// Halting reports whether any violation halts trading.
func (c TradeCheck) Halting() bool {
	for _, v := range c.Violations {
		if v.Action == domain.RiskActionHaltTrading {
			return true
		}
	}
	return false
}

// RiskManager enforces portfolio risk limits on every prospective trade. It is
// a circuit breaker: once the daily loss or intraday drawdown limit is met it
// rejects all trades until ResetDailyLimits is called.
type RiskManager struct {
	limits domain.RiskLimits
	source PortfolioSource
	market analytics.Provider
	sink   AlertSink
	log    *slog.Logger

	mu               sync.Mutex
	state            State
	dailyStartEquity float64
	peakEquityToday  float64
	equitySamples    []float64
	metrics          domain.RiskMetrics
	alerts           []domain.RiskAlert
	halts            int
}

// NewRiskManager creates a RiskManager guarding source. The daily baseline is
// taken from the source's current value. A nil market provider means no
// sector, beta or correlation information; a nil logger discards logs.
func NewRiskManager(limits domain.RiskLimits, source PortfolioSource, market analytics.Provider, log *slog.Logger) *RiskManager {
	if market == nil {
		market = analytics.NewStatic(nil, nil, nil)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	equity := source.View().TotalValue
	rm := &RiskManager{
		limits:           limits,
		source:           source,
		market:           market,
		log:              log.With("component", "risk"),
		state:            StateActive,
		dailyStartEquity: equity,
		peakEquityToday:  equity,
	}
	rm.metrics = rm.computeMetricsLocked(time.Time{}, source.View())
	return rm
}

// SetAlertSink forwards future alerts to sink.
func (rm *RiskManager) SetAlertSink(sink AlertSink) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.sink = sink
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() domain.RiskLimits { return rm.limits }

// State returns the current circuit-breaker state.
func (rm *RiskManager) State() State {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state
}

// Halted reports whether trading is halted.
func (rm *RiskManager) Halted() bool { return rm.State() == StateHalted }

// Halts returns how many times the breaker has tripped.
func (rm *RiskManager) Halts() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.halts
}

// Metrics returns the latest risk metrics.
func (rm *RiskManager) Metrics() domain.RiskMetrics {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m := rm.metrics
	m.SectorExposure = copyMap(rm.metrics.SectorExposure)
	return m
}

// Alerts returns a copy of the alert log, oldest first.
func (rm *RiskManager) Alerts() []domain.RiskAlert {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]domain.RiskAlert(nil), rm.alerts...)
}

// PruneAlerts drops alerts stamped before cutoff and returns how many were
// removed.
func (rm *RiskManager) PruneAlerts(cutoff time.Time) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	kept := rm.alerts[:0]
	for _, a := range rm.alerts {
		if !a.Timestamp.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(rm.alerts) - len(kept)
	rm.alerts = kept
	return removed
}

// ResetDailyLimits starts a new trading session: the daily baseline and peak
// are taken from the current portfolio value and a halted manager becomes
// active again. This is the only way out of the halted state.
func (rm *RiskManager) ResetDailyLimits() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	equity := rm.source.View().TotalValue
	if rm.state == StateHalted {
		rm.log.Info("trading resumed", "equity", equity)
	}
	rm.state = StateActive
	rm.dailyStartEquity = equity
	rm.peakEquityToday = equity
}

// Refresh samples the portfolio value at ts, recomputes risk metrics and trips
// the breaker when a daily limit has been reached.
func (rm *RiskManager) Refresh(ctx context.Context, ts time.Time) domain.RiskMetrics {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	view := rm.source.View()
	rm.sampleEquityLocked(view.TotalValue)
	rm.observeLocked(ctx, ts, view)
	m := rm.metrics
	m.SectorExposure = copyMap(rm.metrics.SectorExposure)
	return m
}

// OnTradeExecuted updates the peak equity and risk metrics after a fill.
func (rm *RiskManager) OnTradeExecuted(ctx context.Context, trade domain.Trade) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ts := trade.EntryTime
	if trade.ExitTime != nil {
		ts = *trade.ExitTime
	}
	rm.observeLocked(ctx, ts, rm.source.View())
	rm.log.Debug("trade executed", "symbol", trade.Symbol, "side", trade.Side, "qty", trade.Quantity,
		"equity", rm.metrics.Equity, "daily_loss", rm.metrics.DailyLoss)
}

// observeLocked refreshes metrics and halts on a breach. It is the single
// place the ACTIVE→HALTED transition happens outside a pre-trade check.
func (rm *RiskManager) observeLocked(ctx context.Context, ts time.Time, view domain.PortfolioView) {
	if view.TotalValue > rm.peakEquityToday {
		rm.peakEquityToday = view.TotalValue
	}
	rm.metrics = rm.computeMetricsLocked(ts, view)
	if rm.state == StateHalted {
		return
	}
	if v, breached := rm.dailyLossViolation(); breached {
		rm.recordLocked(ctx, v.Alert(ts, ""))
		rm.haltLocked(ts, v)
		return
	}
	if v, breached := rm.drawdownViolation(); breached {
		rm.recordLocked(ctx, v.Alert(ts, ""))
		rm.haltLocked(ts, v)
	}
}

// PreTradeCheck is the gate every prospective trade passes through. It runs
// all checks independently, so a trade can collect several violations. When
// the trade is allowed, AdjustedQuantity is the largest quantity (never more
// than proposedQty) the sizing rules permit.
func (rm *RiskManager) PreTradeCheck(ctx context.Context, sig domain.Signal, proposedQty, price float64) TradeCheck {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	ts := sig.Timestamp
	view := rm.source.View()
	if view.TotalValue > rm.peakEquityToday {
		rm.peakEquityToday = view.TotalValue
	}
	rm.metrics = rm.computeMetricsLocked(ts, view)

	if rm.state == StateHalted {
		// Limits still breached are reported ahead of the halt itself.
		var violations []domain.RiskViolation
		if v, breached := rm.dailyLossViolation(); breached {
			violations = append(violations, v)
		}
		if v, breached := rm.drawdownViolation(); breached {
			violations = append(violations, v)
		}
		violations = append(violations, domain.RiskViolation{
			Type:         domain.AlertTradingHalted,
			Severity:     domain.SeverityCritical,
			Message:      "trading is halted until the daily limits are reset",
			CurrentValue: rm.metrics.DailyLoss,
			Limit:        rm.limits.MaxDailyLoss,
			Action:       domain.RiskActionHaltTrading,
		})
		for _, v := range violations {
			rm.recordLocked(ctx, v.Alert(ts, sig.Symbol))
		}
		return TradeCheck{Allowed: false, Violations: violations}
	}

	var check TradeCheck
	caps := []float64{proposedQty}

	// 1. Daily loss.
	if v, breached := rm.dailyLossViolation(); breached {
		check.Violations = append(check.Violations, v)
	} else if rm.nearLimit(rm.metrics.DailyLoss, rm.limits.MaxDailyLoss) {
		check.Warnings = append(check.Warnings, fmt.Sprintf("daily loss %.2f%% is approaching the %.2f%% limit",
			rm.metrics.DailyLoss*100, rm.limits.MaxDailyLoss*100))
	}

	// 2. Drawdown from today's peak.
	if v, breached := rm.drawdownViolation(); breached {
		check.Violations = append(check.Violations, v)
	} else if rm.nearLimit(rm.metrics.CurrentDrawdown, rm.limits.MaxDrawdown) {
		check.Warnings = append(check.Warnings, fmt.Sprintf("drawdown %.2f%% is approaching the %.2f%% limit",
			rm.metrics.CurrentDrawdown*100, rm.limits.MaxDrawdown*100))
	}

	equity := view.TotalValue
	if sig.Action == domain.ActionBuy && equity > 0 && price > 0 {
		proposed := proposedQty * price
		positionsValue := view.TotalValue - view.Cash

		// 3. Position size.
		if lim := rm.limits.MaxPositionSize; lim > 0 {
			existing := view.Positions[sig.Symbol].MarketValue
			frac := (existing + proposed) / equity
			caps = append(caps, (lim*equity-existing)/price)
			if frac > lim {
				check.Violations = append(check.Violations, domain.RiskViolation{
					Type:         domain.AlertPositionSize,
					Severity:     domain.SeverityHigh,
					Message:      fmt.Sprintf("%s position would be %.2f%% of the portfolio", sig.Symbol, frac*100),
					CurrentValue: frac,
					Limit:        lim,
					Action:       domain.RiskActionReducePosition,
				})
			}
		}

		// 4. Sector exposure.
		// Symbols without sector data are not pooled into one sector.
		if sector := rm.market.Sector(sig.Symbol); rm.limits.MaxSectorExposure > 0 && sector != analytics.UnknownSector {
			lim := rm.limits.MaxSectorExposure
			held := 0.0
			for sym, p := range view.Positions {
				if rm.market.Sector(sym) == sector {
					held += p.MarketValue
				}
			}
			frac := (held + proposed) / equity
			caps = append(caps, (lim*equity-held)/price)
			if frac > lim {
				check.Violations = append(check.Violations, domain.RiskViolation{
					Type:         domain.AlertSectorExposure,
					Severity:     domain.SeverityMedium,
					Message:      fmt.Sprintf("sector %s exposure would be %.2f%%", sector, frac*100),
					CurrentValue: frac,
					Limit:        lim,
					Action:       domain.RiskActionReducePosition,
				})
			} else if frac >= warnFraction*lim {
				check.Warnings = append(check.Warnings, fmt.Sprintf("sector %s exposure %.2f%% is approaching the %.2f%% limit",
					sector, frac*100, lim*100))
			}
		}

		// 5. Correlation (informational).
		if lim := rm.limits.MaxCorrelation; lim > 0 {
			maxCorr, with := rm.maxCorrelationLocked(sig.Symbol, view)
			if maxCorr > lim {
				check.Violations = append(check.Violations, domain.RiskViolation{
					Type:         domain.AlertCorrelationLimit,
					Severity:     domain.SeverityMedium,
					Message:      fmt.Sprintf("%s correlation with %s is %.2f", sig.Symbol, with, maxCorr),
					CurrentValue: maxCorr,
					Limit:        lim,
					Action:       domain.RiskActionWarning,
				})
			}
		}

		// 6. Leverage.
		if lim := rm.limits.MaxLeverage; lim > 0 {
			lev := (positionsValue + proposed) / equity
			caps = append(caps, (lim*equity-positionsValue)/price)
			if lev > lim {
				check.Violations = append(check.Violations, domain.RiskViolation{
					Type:         domain.AlertLeverageLimit,
					Severity:     domain.SeverityHigh,
					Message:      fmt.Sprintf("leverage would be %.2fx", lev),
					CurrentValue: lev,
					Limit:        lim,
					Action:       domain.RiskActionReducePosition,
				})
			}
		}
	}

	for _, v := range check.Violations {
		rm.recordLocked(ctx, v.Alert(ts, sig.Symbol))
	}

	if check.Halting() {
		for _, v := range check.Violations {
			if v.Action == domain.RiskActionHaltTrading {
				rm.haltLocked(ts, v)
				break
			}
		}
		return check
	}

	switch sig.Action {
	case domain.ActionBuy:
		qty, notes := rm.sizeLocked(sig, price, equity, view, caps)
		check.Warnings = append(check.Warnings, notes...)
		check.AdjustedQuantity = qty
	default:
		check.AdjustedQuantity = proposedQty
	}
	check.Allowed = check.AdjustedQuantity > 0
	if !check.Allowed {
		check.Warnings = append(check.Warnings, fmt.Sprintf("%s risk-adjusted size is zero", sig.Symbol))
	}
	return check
}

// sizeLocked returns the minimum of the Kelly, volatility and limit-headroom
// ceilings, shrunk for correlation with the book, in whole units. A position
// worth less than minNotional is raised to it when the ceilings allow.
func (rm *RiskManager) sizeLocked(sig domain.Signal, price, equity float64, view domain.PortfolioView, caps []float64) (float64, []string) {
	var notes []string
	ceiling := math.Inf(1)
	for _, c := range caps {
		ceiling = math.Min(ceiling, c)
	}
	if ceiling <= 0 {
		return 0, append(notes, fmt.Sprintf("%s has no headroom under the position limits", sig.Symbol))
	}

	size := ceiling
	kelly, note := rm.kellyQuantityLocked(sig.StrategyID, price, equity)
	if note != "" {
		notes = append(notes, note)
	}
	size = math.Min(size, kelly)

	if atr := rm.market.ATR(sig.Symbol); atr > 0 {
		size = math.Min(size, riskPerTradePct*equity/(atr*atrMultiple))
	}

	avgCorr := rm.avgCorrelationLocked(sig.Symbol, view)
	size *= 1 - clamp(avgCorr, 0, 1)*correlationShrink

	size = math.Floor(size + 1e-9)
	if size*price < minNotional {
		floorQty := math.Ceil(minNotional/price - 1e-9)
		if floorQty <= ceiling {
			size = floorQty
		} else {
			size = 0
		}
	}
	return size, notes
}

// kellyQuantityLocked sizes by a quarter of the Kelly fraction estimated from
// the strategy's closed trades. With fewer than minKellyTrades it falls back
// to a flat share of equity.
func (rm *RiskManager) kellyQuantityLocked(strategyID string, price, equity float64) (float64, string) {
	f := KellyFraction(rm.source.ClosedTrades(strategyID))
	if f < 0 {
		return fallbackPositionPct * equity / price, ""
	}
	if f == 0 {
		return 0, "kelly fraction is not positive for strategy " + strategyID
	}
	return kellyFraction * f * equity / price, ""
}

// KellyFraction estimates the full Kelly fraction f = (p·b − q)/b from closed
// trades, where b is the ratio of average win to average loss measured as
// returns on cost. It returns -1 when fewer than minKellyTrades are closed and
// 0 when the edge is not positive.
func KellyFraction(trades []domain.Trade) float64 {
	var wins, losses int
	var winSum, lossSum float64
	for _, t := range trades {
		if !t.Closed() {
			continue
		}
		r := t.ReturnPct()
		switch {
		case r > 0:
			wins++
			winSum += r
		case r < 0:
			losses++
			lossSum += -r
		}
	}
	total := wins + losses
	if total < minKellyTrades {
		return -1
	}
	if wins == 0 {
		return 0
	}
	p := float64(wins) / float64(total)
	q := 1 - p
	if losses == 0 || lossSum == 0 {
		return p
	}
	b := (winSum / float64(wins)) / (lossSum / float64(losses))
	f := (p*b - q) / b
	if f <= 0 {
		return 0
	}
	return math.Min(f, 1)
}

// StopLossBreaches raises a STOP_LOSS alert for every position whose
// unrealized loss reaches StopLossPercent of its cost, and returns them.
func (rm *RiskManager) StopLossBreaches(ctx context.Context, ts time.Time) []domain.RiskAlert {
	lim := rm.limits.StopLossPercent
	if lim <= 0 {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	view := rm.source.View()
	var out []domain.RiskAlert
	for _, sym := range view.Symbols() {
		p := view.Positions[sym]
		cb := p.CostBasis()
		if cb <= 0 {
			continue
		}
		loss := -p.UnrealizedPnL / cb
		if loss < lim {
			continue
		}
		a := domain.RiskViolation{
			Type:         domain.AlertStopLoss,
			Severity:     domain.SeverityHigh,
			Message:      fmt.Sprintf("%s is down %.2f%% from cost", sym, loss*100),
			CurrentValue: loss,
			Limit:        lim,
			Action:       domain.RiskActionReducePosition,
		}.Alert(ts, sym)
		rm.recordLocked(ctx, a)
		out = append(out, a)
	}
	return out
}

func (rm *RiskManager) dailyLossViolation() (domain.RiskViolation, bool) {
	lim := rm.limits.MaxDailyLoss
	if lim <= 0 || rm.metrics.DailyLoss < lim {
		return domain.RiskViolation{}, false
	}
	return domain.RiskViolation{
		Type:         domain.AlertDailyLossLimit,
		Severity:     domain.SeverityCritical,
		Message:      fmt.Sprintf("daily loss %.2f%% reached the %.2f%% limit", rm.metrics.DailyLoss*100, lim*100),
		CurrentValue: rm.metrics.DailyLoss,
		Limit:        lim,
		Action:       domain.RiskActionHaltTrading,
	}, true
}

func (rm *RiskManager) drawdownViolation() (domain.RiskViolation, bool) {
	lim := rm.limits.MaxDrawdown
	if lim <= 0 || rm.metrics.CurrentDrawdown < lim {
		return domain.RiskViolation{}, false
	}
	return domain.RiskViolation{
		Type:         domain.AlertMaxDrawdown,
		Severity:     domain.SeverityCritical,
		Message:      fmt.Sprintf("drawdown %.2f%% reached the %.2f%% limit", rm.metrics.CurrentDrawdown*100, lim*100),
		CurrentValue: rm.metrics.CurrentDrawdown,
		Limit:        lim,
		Action:       domain.RiskActionHaltTrading,
	}, true
}

func (rm *RiskManager) nearLimit(v, lim float64) bool {
	return lim > 0 && v >= warnFraction*lim
}

func (rm *RiskManager) haltLocked(ts time.Time, cause domain.RiskViolation) {
	if rm.state == StateHalted {
		return
	}
	rm.state = StateHalted
	rm.halts++
	rm.log.Warn("trading halted", "reason", cause.Type, "value", cause.CurrentValue, "limit", cause.Limit, "at", ts)
}

func (rm *RiskManager) recordLocked(ctx context.Context, a domain.RiskAlert) {
	rm.alerts = append(rm.alerts, a)
	rm.log.Debug("risk alert", "type", a.Type, "severity", a.Severity, "symbol", a.Symbol, "action", a.Action)
	if rm.sink == nil {
		return
	}
	if err := rm.sink.RecordAlert(ctx, a); err != nil {
		rm.log.Warn("recording risk alert", "type", a.Type, "error", err)
	}
}

func (rm *RiskManager) sampleEquityLocked(v float64) {
	rm.equitySamples = append(rm.equitySamples, v)
	if n := len(rm.equitySamples); n > equitySampleSize {
		rm.equitySamples = append([]float64(nil), rm.equitySamples[n-equitySampleSize:]...)
	}
}

// computeMetricsLocked derives the risk metrics for view.
func (rm *RiskManager) computeMetricsLocked(ts time.Time, view domain.PortfolioView) domain.RiskMetrics {
	equity := view.TotalValue
	m := domain.RiskMetrics{
		UpdatedAt:        ts,
		Equity:           equity,
		DailyStartEquity: rm.dailyStartEquity,
		PeakEquityToday:  rm.peakEquityToday,
		DailyPnL:         equity - rm.dailyStartEquity,
		SectorExposure:   make(map[string]float64),
	}
	if rm.dailyStartEquity > 0 && m.DailyPnL < 0 {
		m.DailyLoss = -m.DailyPnL / rm.dailyStartEquity
	}
	if rm.peakEquityToday > 0 && equity < rm.peakEquityToday {
		m.CurrentDrawdown = (rm.peakEquityToday - equity) / rm.peakEquityToday
	}
	if equity <= 0 {
		return m
	}

	symbols := view.Symbols()
	positionsValue := 0.0
	weightedVol := 0.0
	for _, sym := range symbols {
		p := view.Positions[sym]
		w := p.MarketValue / equity
		positionsValue += p.MarketValue
		m.Beta += w * rm.market.Beta(sym)
		m.Concentration += w * w
		m.SectorExposure[rm.market.Sector(sym)] += w
		weightedVol += math.Abs(w) * rm.market.Volatility(sym)
	}
	m.Leverage = positionsValue / equity
	m.AvgCorrelation = rm.pairwiseCorrelationLocked(symbols)

	m.Volatility = weightedVol
	if rets := sampleReturns(rm.equitySamples); len(rets) >= 2 {
		m.Volatility = stdDev(rets)
	}
	m.VaR95 = equity * m.Volatility * varZ95
	return m
}

func (rm *RiskManager) pairwiseCorrelationLocked(symbols []string) float64 {
	sum, n := 0.0, 0
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			sum += rm.market.Correlation(symbols[i], symbols[j])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (rm *RiskManager) avgCorrelationLocked(symbol string, view domain.PortfolioView) float64 {
	sum, n := 0.0, 0
	for _, sym := range view.Symbols() {
		if sym == symbol {
			continue
		}
		sum += rm.market.Correlation(symbol, sym)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (rm *RiskManager) maxCorrelationLocked(symbol string, view domain.PortfolioView) (float64, string) {
	maxCorr, with := math.Inf(-1), ""
	for _, sym := range view.Symbols() {
		if sym == symbol {
			continue
		}
		if c := rm.market.Correlation(symbol, sym); c > maxCorr {
			maxCorr, with = c, sym
		}
	}
	if with == "" {
		return 0, ""
	}
	return maxCorr, with
}

func sampleReturns(values []float64) []float64 {
	var out []float64
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			out = append(out, values[i]/values[i-1]-1)
		}
	}
	return out
}

func stdDev(xs []float64) float64 {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func copyMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
