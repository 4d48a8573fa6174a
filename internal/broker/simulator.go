package broker

import (
	"context"
	"fmt"
	"sync"

	"quantrisk/internal/domain"
	"quantrisk/internal/portfolio"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker fills market orders immediately against their reference
// price, books them into a portfolio ledger and keeps the order history in
// memory. It makes no external calls.
type SimulatorBroker struct {
	ledger *portfolio.Ledger
	model  ExecutionModel

	mu     sync.Mutex
	orders map[string]*domain.Order
	seq    int
}

// NewSimulatorBroker creates a SimulatorBroker booking fills into ledger.
func NewSimulatorBroker(ledger *portfolio.Ledger, model ExecutionModel) *SimulatorBroker {
	return &SimulatorBroker{
		ledger: ledger,
		model:  model,
		orders: make(map[string]*domain.Order),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Ledger returns the ledger the broker books into.
func (b *SimulatorBroker) Ledger() *portfolio.Ledger { return b.ledger }

// Model returns the execution model.
func (b *SimulatorBroker) Model() ExecutionModel { return b.model }

// SubmitOrder fills the order and returns a copy with its final status. A
// ledger rejection (insufficient cash, no position) yields a rejected order
// and the wrapped error.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	filled, _, err := b.Fill(ctx, order)
	return filled, err
}

// Fill executes the order and also returns the ledger trade it produced.
func (b *SimulatorBroker) Fill(_ context.Context, order *domain.Order) (*domain.Order, domain.Trade, error) {
	if order.Qty <= 0 || order.RefPrice <= 0 {
		return nil, domain.Trade{}, fmt.Errorf("order %s for %s: quantity and reference price must be positive", order.ID, order.Symbol)
	}

	o := *order
	b.mu.Lock()
	if o.ID == "" {
		b.seq++
		o.ID = fmt.Sprintf("SIM-%06d", b.seq)
	}
	if o.Type == "" {
		o.Type = domain.OrderTypeMarket
	}
	b.mu.Unlock()

	price := b.model.FillPrice(o.Side, o.RefPrice)
	commission := b.model.CommissionFor(o.Qty, price)
	slip := (price - o.RefPrice) * o.Qty
	if slip < 0 {
		slip = -slip
	}

	trade, err := b.ledger.Book(portfolio.Fill{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Qty,
		Price:      price,
		Commission: commission,
		Slippage:   slip,
		Time:       o.CreatedAt,
		StrategyID: o.StrategyID,
	})
	o.UpdatedAt = o.CreatedAt
	if err != nil {
		o.Status = domain.OrderStatusRejected
		o.Reason = err.Error()
		b.store(&o)
		return &o, domain.Trade{}, fmt.Errorf("order %s: %w", o.ID, err)
	}

	o.Status = domain.OrderStatusFilled
	o.FilledQty = trade.Quantity
	o.FilledAvgPrice = price
	o.Commission = trade.Commission
	o.Slippage = trade.Slippage
	b.store(&o)
	return &o, trade, nil
}

// CancelOrder cancels an order that has not reached a terminal state. Market
// orders fill on submission, so only orders recorded as new can be cancelled.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.Status != domain.OrderStatusNew {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotCancellable, orderID, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	return nil
}

// Order returns a copy of a previously submitted order.
func (b *SimulatorBroker) Order(orderID string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// GetPositions returns the ledger's open positions in symbol order.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	view := b.ledger.View()
	positions := make([]domain.Position, 0, len(view.Positions))
	for _, s := range view.Symbols() {
		positions = append(positions, view.Positions[s])
	}
	return positions, nil
}

// GetAccount returns equity and cash from the ledger. The simulator does not
// extend margin, so buying power equals cash.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	view := b.ledger.View()
	return &domain.AccountInfo{
		Equity:      view.TotalValue,
		Cash:        view.Cash,
		BuyingPower: view.Cash,
	}, nil
}

func (b *SimulatorBroker) store(o *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *o
	b.orders[o.ID] = &cp
}

// Mark reprices an open position at price. It reports whether the symbol is
// held.
func (b *SimulatorBroker) Mark(symbol string, price float64) bool {
	return b.ledger.Mark(symbol, price)
}
