package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"quantrisk/internal/analytics"
	"quantrisk/internal/broker"
	"quantrisk/internal/domain"
	"quantrisk/internal/engine"
	"quantrisk/internal/metrics"
	"quantrisk/internal/portfolio"
)

const (
	// StopLossStrategyID tags stop-loss exits of positions whose opening
	// strategy is unknown. Other exits are booked under the opening strategy
	// so they count toward its Kelly estimate.
	StopLossStrategyID = "stop-loss"

	// maxWarnings bounds the warning list of one run.
	maxWarnings = 1000

	analyticsWindow = 14
)

// Backtester replays historical bar data through a strategy and computes
// performance metrics. A Backtester holds only configuration; every Run builds
// its own ledger, broker and risk manager, so concurrent runs share nothing.
type Backtester struct {
	cfg    domain.BacktestConfig
	limits *domain.RiskLimits
	market analytics.Provider
	sink   engine.AlertSink
	log    *slog.Logger
}

// NewBacktester creates a Backtester. A nil limits disables the risk manager;
// a nil market provider means no sector, beta or correlation data beyond what
// the run observes from its own bars.
func NewBacktester(cfg domain.BacktestConfig, limits *domain.RiskLimits, market analytics.Provider, log *slog.Logger) *Backtester {
	if market == nil {
		market = analytics.NewStatic(nil, nil, nil)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Backtester{
		cfg:    cfg.WithDefaults(),
		limits: limits,
		market: market,
		log:    log.With("component", "backtest"),
	}
}

// SetAlertSink forwards the risk alerts of every subsequent run to sink.
func (bt *Backtester) SetAlertSink(sink engine.AlertSink) { bt.sink = sink }

// Config returns the configuration runs use.
func (bt *Backtester) Config() domain.BacktestConfig { return bt.cfg }

// Run executes strat over series, a map of symbol to ascending bars. Invalid
// configuration or malformed series abort with an error wrapping
// domain.ErrInvalidConfig. Everything else that goes wrong during the run
// (data gaps, strategy errors, rejected signals) is recorded as a warning and
// the run completes.
func (bt *Backtester) Run(ctx context.Context, strat Strategy, series map[string][]domain.Bar) (*domain.BacktestResult, error) {
	cfg := bt.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bt.limits != nil {
		if err := bt.limits.Validate(); err != nil {
			return nil, err
		}
	}
	if strat == nil {
		return nil, fmt.Errorf("%w: strategy is required", domain.ErrInvalidConfig)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no market data", domain.ErrInvalidConfig)
	}
	for sym, bars := range series {
		if err := domain.ValidateSeries(sym, bars); err != nil {
			return nil, err
		}
	}
	if err := strat.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing strategy %s: %w", strat.Name(), err)
	}

	r := newRun(bt, cfg, strat, series)
	start := time.Now()
	r.log.Info("backtest starting", "strategy", strat.Name(), "symbols", len(series), "steps", len(r.steps),
		"start", cfg.StartDate.Format("2006-01-02"), "end", cfg.EndDate.Format("2006-01-02"))

	for i, ts := range r.steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest %s cancelled at %s: %w", strat.Name(), ts.Format(time.RFC3339), err)
		}
		r.step(ctx, i, ts)
	}

	res := r.finish()
	r.log.Info("backtest finished", "strategy", strat.Name(), "elapsed", time.Since(start).Round(time.Millisecond),
		"final_value", res.Statistics.FinalValue, "trades", len(res.Trades), "warnings", len(res.Warnings))
	return res, nil
}

// run is the mutable state of one backtest.
type run struct {
	cfg    domain.BacktestConfig
	strat  Strategy
	series map[string][]domain.Bar
	log    *slog.Logger

	ledger *portfolio.Ledger
	broker *broker.SimulatorBroker
	risk   *engine.RiskManager
	market *analytics.Rolling

	steps   []time.Time
	cursor  map[string]int
	symbols []string

	commitMu   sync.Mutex
	warnings   []string
	suppressed int
	stats      domain.Statistics
}

func newRun(bt *Backtester, cfg domain.BacktestConfig, strat Strategy, series map[string][]domain.Bar) *run {
	ledger := portfolio.NewLedger(cfg.InitialCapital)
	r := &run{
		cfg:    cfg,
		strat:  strat,
		series: series,
		log:    bt.log.With("strategy", strat.Name()),
		ledger: ledger,
		broker: broker.NewSimulatorBroker(ledger, broker.NewExecutionModel(cfg)),
		market: analytics.NewRolling(bt.market, analyticsWindow),
		cursor: make(map[string]int, len(series)),
	}
	if bt.limits != nil {
		r.risk = engine.NewRiskManager(*bt.limits, ledger, r.market, bt.log)
		if bt.sink != nil {
			r.risk.SetAlertSink(bt.sink)
		}
	}
	for sym := range series {
		r.symbols = append(r.symbols, sym)
	}
	sort.Strings(r.symbols)
	r.steps = timeline(series, cfg.StartDate, inclusiveEnd(cfg.EndDate))
	r.stats.Symbols = len(series)
	r.stats.InitialCapital = cfg.InitialCapital
	return r
}

// step advances the simulation to ts.
func (r *run) step(ctx context.Context, i int, ts time.Time) {
	if r.risk != nil && r.cfg.ResetRiskDaily && i > 0 && !sameDay(r.steps[i-1], ts) {
		r.risk.ResetDailyLimits()
	}

	bars := make(map[string]domain.Bar, len(r.symbols))
	for _, sym := range r.symbols {
		s := r.series[sym]
		c := r.cursor[sym]
		for c < len(s) && s[c].Timestamp.Before(ts) {
			c++
		}
		if c < len(s) && s[c].Timestamp.Equal(ts) {
			b := s[c]
			b.Symbol = sym
			bars[sym] = b
			r.market.Observe(b)
			c++
		}
		r.cursor[sym] = c
	}

	view := r.ledger.View()
	for _, sym := range view.Symbols() {
		b, ok := bars[sym]
		if !ok {
			r.stats.DataGaps++
			r.warnf("%s: no bar for held %s, carrying last price %.4f", stamp(ts), sym, view.Positions[sym].CurrentPrice)
			continue
		}
		r.ledger.Mark(sym, b.Close)
	}

	if r.risk != nil {
		r.risk.Refresh(ctx, ts)
		breaches := r.risk.StopLossBreaches(ctx, ts)
		if r.cfg.StopLossExit {
			for _, a := range breaches {
				r.stopOut(ctx, ts, a, bars)
			}
		}
	}

	signals, err := r.strat.GenerateSignals(ctx, bars, r.ledger.View())
	if err != nil {
		r.warnf("%s: strategy %s: %v", stamp(ts), r.strat.Name(), err)
	}
	r.stats.SignalsGenerated += len(signals)
	for _, sig := range signals {
		r.commit(ctx, ts, sig, bars)
	}

	r.ledger.RecordEquity(ts)
	r.stats.Steps++
}

// commit runs one signal through validation, sizing, the risk gate and the
// simulated broker. Commits are serialized.
func (r *run) commit(ctx context.Context, ts time.Time, sig domain.Signal, bars map[string]domain.Bar) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := sig.Validate(); err != nil {
		r.reject("%s: dropping signal: %v", stamp(ts), err)
		return
	}
	side, ok := sig.Side()
	if !ok {
		return
	}
	bar, ok := bars[sig.Symbol]
	if !ok {
		r.reject("%s: %s %s has no bar at this step", stamp(ts), sig.Action, sig.Symbol)
		return
	}
	view := r.ledger.View()
	if _, held := view.Positions[sig.Symbol]; side == domain.SideBuy && !held &&
		r.cfg.MaxPositions > 0 && len(view.Positions) >= r.cfg.MaxPositions {
		r.reject("%s: BUY %s skipped, %d positions already open", stamp(ts), sig.Symbol, len(view.Positions))
		return
	}

	qty := engine.ProposeQuantity(sig, view, bar.Close)
	if qty <= 0 {
		r.reject("%s: %s %s sizes to zero", stamp(ts), sig.Action, sig.Symbol)
		return
	}
	if r.risk != nil {
		check := r.risk.PreTradeCheck(ctx, sig, qty, bar.Close)
		if !check.Allowed {
			r.stats.RiskRejections++
			r.reject("%s: %s %s rejected by risk manager: %s", stamp(ts), sig.Action, sig.Symbol, describe(check))
			return
		}
		qty = math.Min(qty, check.AdjustedQuantity)
	}

	if _, ok := r.execute(ctx, ts, sig.Symbol, side, qty, bar.Close, sig.StrategyID, sig.Reasoning); ok {
		r.stats.SignalsExecuted++
	} else {
		r.stats.SignalsRejected++
	}
}

// stopOut closes a position whose stop-loss was breached. It bypasses the
// pre-trade check: the exit only reduces exposure.
func (r *run) stopOut(ctx context.Context, ts time.Time, alert domain.RiskAlert, bars map[string]domain.Bar) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	pos, ok := r.ledger.Position(alert.Symbol)
	if !ok {
		return
	}
	bar, ok := bars[alert.Symbol]
	if !ok {
		r.warnf("%s: stop-loss exit for %s deferred, no bar at this step", stamp(ts), alert.Symbol)
		return
	}
	owner := r.ledger.Owner(alert.Symbol)
	if owner == "" {
		owner = StopLossStrategyID
	}
	if _, ok := r.execute(ctx, ts, alert.Symbol, domain.SideSell, pos.Quantity, bar.Close, owner, "stop-loss: "+alert.Message); ok {
		r.stats.StopLossExits++
	}
}

func (r *run) execute(ctx context.Context, ts time.Time, symbol string, side domain.Side, qty, price float64, strategyID, reason string) (domain.Trade, bool) {
	order := &domain.Order{
		Symbol:     symbol,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Qty:        qty,
		RefPrice:   price,
		StrategyID: strategyID,
		Reason:     reason,
		CreatedAt:  ts,
	}
	_, trade, err := r.broker.Fill(ctx, order)
	if err != nil {
		r.warnf("%s: %s %s %.0f: %v", stamp(ts), side, symbol, qty, err)
		return domain.Trade{}, false
	}
	// Fills price off the close; the position is carried at the close.
	r.ledger.Mark(symbol, price)
	if r.risk != nil {
		r.risk.OnTradeExecuted(ctx, trade)
	}
	r.log.Debug("fill", "at", ts, "symbol", symbol, "side", side, "qty", trade.Quantity, "price", trade.EntryPrice)
	return trade, true
}

// finish applies the unresolved-position policy and assembles the result.
func (r *run) finish() *domain.BacktestResult {
	view := r.ledger.View()
	unrealized := 0.0
	for _, sym := range view.Symbols() {
		unrealized += view.Positions[sym].UnrealizedPnL
	}
	r.stats.OpenPositions = len(view.Positions)
	r.stats.UnresolvedPnL = unrealized
	if n := len(view.Positions); n > 0 {
		r.warnf("%d positions open at end of run, valued by %s", n, r.cfg.UnresolvedPolicy)
		if r.cfg.UnresolvedPolicy == domain.UnresolvedExclude {
			r.ledger.AdjustLastEquity(-unrealized)
		}
	}
	if len(r.steps) == 0 {
		r.warnf("no bars between %s and %s", stamp(r.cfg.StartDate), stamp(r.cfg.EndDate))
	}
	if r.suppressed > 0 {
		r.warnings = append(r.warnings, fmt.Sprintf("%d further warnings suppressed", r.suppressed))
	}

	// FinalPortfolio stays marked to market; the equity curve, drawdowns and
	// FinalValue carry the unresolved-position policy.
	snap := r.ledger.Snapshot()
	for _, t := range snap.Trades {
		r.stats.TotalCommission += t.Commission
		r.stats.TotalSlippage += t.Slippage
	}
	r.stats.FinalValue = snap.TotalValue
	if n := len(snap.EquityCurve); n > 0 {
		r.stats.FinalValue = snap.EquityCurve[n-1].Value
	}

	res := &domain.BacktestResult{
		Config:         r.cfg,
		StrategyName:   r.strat.Name(),
		FinalPortfolio: snap,
		Trades:         snap.Trades,
		EquityCurve:    snap.EquityCurve,
		DrawdownCurve:  snap.DrawdownCurve,
		Metrics:        metrics.Compute(snap.EquityCurve, snap.Trades),
		Warnings:       r.warnings,
		Alerts:         []domain.RiskAlert{},
	}
	if r.risk != nil {
		res.Alerts = r.risk.Alerts()
		r.stats.RiskHalts = r.risk.Halts()
	}
	res.Statistics = r.stats
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

func (r *run) reject(format string, args ...any) {
	r.stats.SignalsRejected++
	r.warnf(format, args...)
}

func (r *run) warnf(format string, args ...any) {
	if len(r.warnings) >= maxWarnings {
		r.suppressed++
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.log.Debug("backtest warning", "msg", msg)
}

// timeline returns the sorted, de-duplicated timestamps of all bars inside
// [start, end].
func timeline(series map[string][]domain.Bar, start, end time.Time) []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range series {
		for _, b := range bars {
			if b.Timestamp.Before(start) || b.Timestamp.After(end) {
				continue
			}
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// inclusiveEnd extends a date given at midnight to the end of that day.
func inclusiveEnd(end time.Time) time.Time {
	if end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 && end.Nanosecond() == 0 {
		return end.Add(24*time.Hour - time.Nanosecond)
	}
	return end
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func stamp(ts time.Time) string { return ts.UTC().Format("2006-01-02 15:04") }

func describe(c engine.TradeCheck) string {
	for _, v := range c.Violations {
		if v.Action == domain.RiskActionHaltTrading {
			return string(v.Type)
		}
	}
	if len(c.Warnings) > 0 {
		return c.Warnings[len(c.Warnings)-1]
	}
	return "no size"
}
