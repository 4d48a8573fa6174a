// Package engine coordinates order management, position tracking, and risk
// checking across the trading system.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"quantrisk/internal/broker"
	"quantrisk/internal/domain"
	"quantrisk/internal/store"
)

// ErrTradeRejected is returned when the risk manager refuses an order.
var ErrTradeRejected = errors.New("trade rejected by risk manager")

// filler is implemented by brokers that report the ledger trade a fill
// produced, such as broker.SimulatorBroker.
type filler interface {
	Fill(ctx context.Context, order *domain.Order) (*domain.Order, domain.Trade, error)
}

// marker is implemented by brokers whose positions can be repriced locally.
type marker interface {
	Mark(symbol string, price float64) bool
}

// Engine orchestrates the trading lifecycle by delegating to a broker for
// execution, an order store for persistence, and a risk manager for pre-trade
// checks. Order submission is serialized so that each risk check sees the
// portfolio left by the previous fill.
type Engine struct {
	broker broker.Broker
	orders store.OrderStore
	risk   *RiskManager
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    int
	prefix string
}

// NewEngine creates a new Engine wired with the given dependencies. orders and
// risk may be nil, in which case orders are not persisted or not risk checked.
func NewEngine(b broker.Broker, orders store.OrderStore, risk *RiskManager, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		broker: b,
		orders: orders,
		risk:   risk,
		log:    log.With("component", "engine", "broker", b.Name()),
		now:    func() time.Time { return time.Now().UTC() },
		prefix: "ORD",
	}
}

// SetIDPrefix changes the prefix of generated order IDs. Long-lived sessions
// that share an order store use a per-session prefix.
func (e *Engine) SetIDPrefix(prefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefix = prefix
}

// Risk returns the engine's risk manager, which may be nil.
func (e *Engine) Risk() *RiskManager { return e.risk }

// SubmitSignal sizes a signal at price, runs it through the risk manager and
// submits the resulting market order. HOLD signals return (nil, check, nil).
func (e *Engine) SubmitSignal(ctx context.Context, sig domain.Signal, price float64) (*domain.Order, TradeCheck, error) {
	if err := sig.Validate(); err != nil {
		return nil, TradeCheck{}, err
	}
	side, ok := sig.Side()
	if !ok {
		return nil, TradeCheck{Allowed: true}, nil
	}
	if price <= 0 {
		return nil, TradeCheck{}, fmt.Errorf("%w: price for %s must be positive", domain.ErrInvalidSignal, sig.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.viewLocked(ctx)
	if err != nil {
		return nil, TradeCheck{}, err
	}
	qty := ProposeQuantity(sig, view, price)
	if qty <= 0 {
		return nil, TradeCheck{}, fmt.Errorf("%w: %s %s sizes to zero", ErrTradeRejected, sig.Action, sig.Symbol)
	}
	order := &domain.Order{
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Qty:        qty,
		RefPrice:   price,
		StrategyID: sig.StrategyID,
		Reason:     sig.Reasoning,
		CreatedAt:  sig.Timestamp,
	}
	return e.submitLocked(ctx, sig, order)
}

// SubmitOrder validates the order against risk rules and then forwards it to
// the broker for execution. A risk rejection returns ErrTradeRejected together
// with the rejected order.
func (e *Engine) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order == nil || order.Symbol == "" || order.Qty <= 0 || order.RefPrice <= 0 {
		return nil, fmt.Errorf("%w: order needs a symbol, a positive quantity and a reference price", domain.ErrInvalidSignal)
	}
	action := domain.ActionBuy
	switch order.Side {
	case domain.SideBuy:
	case domain.SideSell:
		action = domain.ActionSell
	default:
		return nil, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidSignal, order.Side)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o := *order
	if o.CreatedAt.IsZero() {
		o.CreatedAt = e.now()
	}
	if o.Type == "" {
		o.Type = domain.OrderTypeMarket
	}
	sig := domain.Signal{
		Timestamp:  o.CreatedAt,
		Symbol:     o.Symbol,
		Action:     action,
		Strength:   1,
		Confidence: 1,
		StrategyID: o.StrategyID,
		Reasoning:  o.Reason,
	}
	out, _, err := e.submitLocked(ctx, sig, &o)
	return out, err
}

func (e *Engine) submitLocked(ctx context.Context, sig domain.Signal, order *domain.Order) (*domain.Order, TradeCheck, error) {
	e.seq++
	if order.ID == "" {
		order.ID = fmt.Sprintf("%s-%06d", e.prefix, e.seq)
	}
	order.Status = domain.OrderStatusNew
	order.UpdatedAt = order.CreatedAt

	check := TradeCheck{Allowed: true, AdjustedQuantity: order.Qty}
	if e.risk != nil {
		check = e.risk.PreTradeCheck(ctx, sig, order.Qty, order.RefPrice)
		if !check.Allowed {
			order.Status = domain.OrderStatusRejected
			order.Reason = rejectionReason(check)
			e.persist(ctx, order, true)
			e.log.Debug("order rejected", "order", order.ID, "symbol", order.Symbol, "reason", order.Reason)
			return order, check, fmt.Errorf("%w: %s", ErrTradeRejected, order.Reason)
		}
		order.Qty = math.Min(order.Qty, check.AdjustedQuantity)
	}
	e.persist(ctx, order, true)

	var (
		filled *domain.Order
		trade  domain.Trade
		err    error
	)
	if f, ok := e.broker.(filler); ok {
		filled, trade, err = f.Fill(ctx, order)
	} else {
		filled, err = e.broker.SubmitOrder(ctx, order)
	}
	if filled == nil {
		filled = order
		if err != nil {
			filled.Status = domain.OrderStatusRejected
			filled.Reason = err.Error()
		}
	}
	e.persist(ctx, filled, false)
	if err != nil {
		e.log.Info("order failed", "order", filled.ID, "symbol", filled.Symbol, "error", err)
		return filled, check, fmt.Errorf("submitting order %s: %w", filled.ID, err)
	}

	if e.risk != nil {
		if trade.ID != "" {
			e.risk.OnTradeExecuted(ctx, trade)
		} else {
			e.risk.Refresh(ctx, filled.UpdatedAt)
		}
	}
	e.log.Info("order filled", "order", filled.ID, "symbol", filled.Symbol, "side", filled.Side,
		"qty", filled.FilledQty, "price", filled.FilledAvgPrice)
	return filled, check, nil
}

// CancelOrder requests cancellation of an open order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	if e.orders == nil {
		return nil
	}
	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil || o == nil {
		return err
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = e.now()
	return e.orders.UpdateOrder(ctx, o)
}

// GetPositions returns all currently open positions.
func (e *Engine) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return e.broker.GetPositions(ctx)
}

// GetAccount returns the broker's account snapshot.
func (e *Engine) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	return e.broker.GetAccount(ctx)
}

// UpdatePrice marks a held symbol to price and refreshes risk metrics at ts.
// Brokers that price positions remotely ignore the mark.
func (e *Engine) UpdatePrice(ctx context.Context, symbol string, price float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.broker.(marker); ok {
		m.Mark(symbol, price)
	}
	if e.risk != nil {
		e.risk.Refresh(ctx, ts)
	}
}

func (e *Engine) viewLocked(ctx context.Context) (domain.PortfolioView, error) {
	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		return domain.PortfolioView{}, fmt.Errorf("reading account: %w", err)
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return domain.PortfolioView{}, fmt.Errorf("reading positions: %w", err)
	}
	view := domain.PortfolioView{
		Cash:       acct.Cash,
		TotalValue: acct.Equity,
		Positions:  make(map[string]domain.Position, len(positions)),
	}
	for _, p := range positions {
		view.Positions[p.Symbol] = p
	}
	return view, nil
}

func (e *Engine) persist(ctx context.Context, o *domain.Order, insert bool) {
	if e.orders == nil {
		return
	}
	var err error
	if insert {
		err = e.orders.SaveOrder(ctx, o)
	} else {
		err = e.orders.UpdateOrder(ctx, o)
	}
	if err != nil {
		e.log.Warn("persisting order", "order", o.ID, "error", err)
	}
}

func rejectionReason(c TradeCheck) string {
	for _, v := range c.Violations {
		if v.Action == domain.RiskActionHaltTrading {
			return string(v.Type) + ": " + v.Message
		}
	}
	if len(c.Warnings) > 0 {
		return c.Warnings[len(c.Warnings)-1]
	}
	return "risk-adjusted size is zero"
}
