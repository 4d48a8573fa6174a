// Package portfolio implements the mutable ledger of cash, positions, trades
// and equity history that a backtest or paper-trading session owns.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"quantrisk/internal/domain"
)

var (
	// ErrInsufficientCash is returned when a buy costs more than the cash on hand.
	ErrInsufficientCash = errors.New("insufficient cash")

	// ErrNoPosition is returned when selling a symbol that is not held.
	ErrNoPosition = errors.New("no open position")

	// ErrInvalidFill is returned for non-positive quantities or prices.
	ErrInvalidFill = errors.New("invalid fill")
)

// Fill describes an execution to book into the ledger.
type Fill struct {
	Symbol     string
	Side       domain.Side
	Quantity   float64
	Price      float64 // execution price after spread and slippage
	Commission float64
	Slippage   float64 // total slippage cost of the fill
	Time       time.Time
	StrategyID string
}

// Ledger owns cash, positions and trades. All methods are safe for concurrent
// use; mutations are serialized by a single mutex.
type Ledger struct {
	mu sync.RWMutex

	initialCash float64
	cash        float64
	positions   map[string]*domain.Position
	trades      []domain.Trade
	nextID      int

	equity    []domain.EquityPoint
	drawdowns []domain.DrawdownPoint
	peak      float64
	ddStart   time.Time
	ddBars    int
}

// NewLedger creates a ledger holding initialCash and no positions.
func NewLedger(initialCash float64) *Ledger {
	return &Ledger{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*domain.Position),
		peak:        initialCash,
	}
}

// InitialCash returns the cash the ledger started with.
func (l *Ledger) InitialCash() float64 { return l.initialCash }

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// TotalValue returns cash plus the market value of all positions.
func (l *Ledger) TotalValue() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalValueLocked()
}

// Position returns a copy of the open position in symbol.
func (l *Ledger) Position(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return copyPosition(p), true
}

// NumPositions returns the number of open positions.
func (l *Ledger) NumPositions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Book applies a fill. Buys fail with ErrInsufficientCash when the cost plus
// commission exceeds cash. Sells larger than the held quantity are clamped to
// it; selling an unheld symbol fails with ErrNoPosition.
func (l *Ledger) Book(f Fill) (domain.Trade, error) {
	if f.Quantity <= 0 || f.Price <= 0 || math.IsNaN(f.Quantity) || math.IsNaN(f.Price) {
		return domain.Trade{}, fmt.Errorf("%w: %s qty=%v price=%v", ErrInvalidFill, f.Symbol, f.Quantity, f.Price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch f.Side {
	case domain.SideBuy:
		return l.buyLocked(f)
	case domain.SideSell:
		return l.sellLocked(f)
	}
	return domain.Trade{}, fmt.Errorf("%w: unknown side %q", ErrInvalidFill, f.Side)
}

func (l *Ledger) buyLocked(f Fill) (domain.Trade, error) {
	cost := f.Quantity*f.Price + f.Commission
	if cost > l.cash {
		return domain.Trade{}, fmt.Errorf("%w: %s needs %.2f, have %.2f", ErrInsufficientCash, f.Symbol, cost, l.cash)
	}
	l.cash -= cost

	t := domain.Trade{
		ID:         l.newID(),
		Symbol:     f.Symbol,
		Side:       domain.SideBuy,
		Quantity:   f.Quantity,
		EntryPrice: f.Price,
		EntryTime:  f.Time,
		Commission: f.Commission,
		Slippage:   f.Slippage,
		StrategyID: f.StrategyID,
	}
	l.trades = append(l.trades, t)

	pos, ok := l.positions[f.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: f.Symbol}
		l.positions[f.Symbol] = pos
	}
	newQty := pos.Quantity + f.Quantity
	pos.AveragePrice = (pos.CostBasis() + f.Quantity*f.Price) / newQty
	pos.Quantity = newQty
	pos.TradeIDs = append(pos.TradeIDs, t.ID)
	price := pos.CurrentPrice
	if price == 0 {
		price = f.Price
	}
	pos.Reprice(price)
	return t, nil
}

func (l *Ledger) sellLocked(f Fill) (domain.Trade, error) {
	pos, ok := l.positions[f.Symbol]
	if !ok {
		return domain.Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, f.Symbol)
	}
	qty := math.Min(f.Quantity, pos.Quantity)
	if qty < f.Quantity {
		// Commission scales with the clamped notional.
		f.Commission *= qty / f.Quantity
		f.Slippage *= qty / f.Quantity
	}

	proceeds := qty*f.Price - f.Commission
	costBasis := qty * pos.AveragePrice
	pnl := proceeds - costBasis
	exitPrice := f.Price
	exitTime := f.Time

	l.cash += proceeds
	t := domain.Trade{
		ID:          l.newID(),
		Symbol:      f.Symbol,
		Side:        domain.SideSell,
		Quantity:    qty,
		EntryPrice:  pos.AveragePrice,
		EntryTime:   f.Time,
		ExitPrice:   &exitPrice,
		ExitTime:    &exitTime,
		Commission:  f.Commission,
		Slippage:    f.Slippage,
		RealizedPnL: &pnl,
		StrategyID:  f.StrategyID,
	}
	l.trades = append(l.trades, t)

	pos.Quantity -= qty
	if pos.Quantity <= 0 {
		l.closeBuysLocked(pos, f.Price, f.Time)
		delete(l.positions, f.Symbol)
		return t, nil
	}
	pos.TradeIDs = append(pos.TradeIDs, t.ID)
	pos.Reprice(pos.CurrentPrice)
	return t, nil
}

// closeBuysLocked stamps the exit onto every buy that fed a closed position.
func (l *Ledger) closeBuysLocked(pos *domain.Position, price float64, ts time.Time) {
	ids := make(map[string]struct{}, len(pos.TradeIDs))
	for _, id := range pos.TradeIDs {
		ids[id] = struct{}{}
	}
	for i := range l.trades {
		t := &l.trades[i]
		if _, ok := ids[t.ID]; !ok || t.Side != domain.SideBuy || t.ExitPrice != nil {
			continue
		}
		p, at := price, ts
		t.ExitPrice = &p
		t.ExitTime = &at
	}
}

// Mark updates the current price of a held symbol. It returns false when the
// symbol is not held.
func (l *Ledger) Mark(symbol string, price float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	pos.Reprice(price)
	return true
}

// RecordEquity appends an equity point for ts and, while below the running
// peak, a drawdown point.
func (l *Ledger) RecordEquity(ts time.Time) domain.EquityPoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	value := l.totalValueLocked()
	l.equity = append(l.equity, domain.EquityPoint{
		Timestamp:      ts,
		Value:          value,
		Cash:           l.cash,
		PositionsValue: value - l.cash,
	})
	pt := &l.equity[len(l.equity)-1]
	l.trackDrawdownLocked(pt)
	return *pt
}

// AdjustLastEquity shifts the value of the final equity point by delta and
// rebuilds the drawdown history so it agrees with the adjusted curve. It is
// used to apply an end-of-run valuation policy.
func (l *Ledger) AdjustLastEquity(delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.equity)
	if n == 0 {
		return
	}
	last := &l.equity[n-1]
	last.Value += delta
	last.PositionsValue += delta

	l.peak = l.initialCash
	l.ddBars = 0
	l.drawdowns = l.drawdowns[:0]
	for i := range l.equity {
		l.trackDrawdownLocked(&l.equity[i])
	}
}

// trackDrawdownLocked updates the running peak from pt, stamps its drawdown
// and extends the drawdown curve while below the peak.
func (l *Ledger) trackDrawdownLocked(pt *domain.EquityPoint) {
	if pt.Value > l.peak {
		l.peak = pt.Value
	}
	pt.Drawdown = 0
	if l.peak > 0 {
		pt.Drawdown = (l.peak - pt.Value) / l.peak
	}
	if pt.Drawdown <= 0 {
		l.ddBars = 0
		return
	}
	if l.ddBars == 0 {
		l.ddStart = pt.Timestamp
	}
	l.ddBars++
	l.drawdowns = append(l.drawdowns, domain.DrawdownPoint{
		Timestamp: pt.Timestamp,
		Drawdown:  pt.Drawdown,
		Duration:  pt.Timestamp.Sub(l.ddStart),
		Bars:      l.ddBars,
	})
}

// View returns the read-only state handed to strategies.
func (l *Ledger) View() domain.PortfolioView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	positions := l.positionsLocked()
	return domain.PortfolioView{
		Cash:       l.cash,
		TotalValue: l.totalValueLocked(),
		Positions:  positions,
	}
}

// Snapshot returns a deep copy of the full ledger state.
func (l *Ledger) Snapshot() domain.Portfolio {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Portfolio{
		Cash:          l.cash,
		TotalValue:    l.totalValueLocked(),
		Positions:     l.positionsLocked(),
		Trades:        copyTrades(l.trades),
		EquityCurve:   append([]domain.EquityPoint(nil), l.equity...),
		DrawdownCurve: append([]domain.DrawdownPoint(nil), l.drawdowns...),
	}
}

// Owner returns the strategy ID of the buy that opened the position in
// symbol, or "" when the symbol is not held.
func (l *Ledger) Owner(symbol string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok || len(pos.TradeIDs) == 0 {
		return ""
	}
	for _, t := range l.trades {
		if t.ID == pos.TradeIDs[0] {
			return t.StrategyID
		}
	}
	return ""
}

// Trades returns a copy of the trade history.
func (l *Ledger) Trades() []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyTrades(l.trades)
}

// ClosedTrades returns the trades with realized P&L for strategyID, oldest
// first. An empty strategyID matches every strategy.
func (l *Ledger) ClosedTrades(strategyID string) []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Trade
	for _, t := range l.trades {
		if t.Closed() && (strategyID == "" || t.StrategyID == strategyID) {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ledger) totalValueLocked() float64 {
	total := l.cash
	for _, s := range l.symbolsLocked() {
		total += l.positions[s].MarketValue
	}
	return total
}

func (l *Ledger) symbolsLocked() []string {
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) positionsLocked() map[string]domain.Position {
	out := make(map[string]domain.Position, len(l.positions))
	for s, p := range l.positions {
		out[s] = copyPosition(p)
	}
	return out
}

func (l *Ledger) newID() string {
	l.nextID++
	return fmt.Sprintf("T%06d", l.nextID)
}

func copyPosition(p *domain.Position) domain.Position {
	cp := *p
	cp.TradeIDs = append([]string(nil), p.TradeIDs...)
	return cp
}

func copyTrades(in []domain.Trade) []domain.Trade {
	out := make([]domain.Trade, len(in))
	for i, t := range in {
		if t.ExitPrice != nil {
			v := *t.ExitPrice
			t.ExitPrice = &v
		}
		if t.ExitTime != nil {
			v := *t.ExitTime
			t.ExitTime = &v
		}
		if t.RealizedPnL != nil {
			v := *t.RealizedPnL
			t.RealizedPnL = &v
		}
		out[i] = t
	}
	return out
}
