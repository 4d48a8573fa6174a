// Package broker defines the Broker interface and the simulated broker used for
// backtesting and paper trading.
package broker

import (
	"context"
	"errors"

	"quantrisk/internal/domain"
)

var (
	// ErrOrderNotFound is returned for unknown order IDs.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotCancellable is returned when cancelling an order that already
	// reached a terminal state.
	ErrOrderNotCancellable = errors.New("order not cancellable")
)

// Broker abstracts order execution and account queries.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// SubmitOrder sends an order for execution and returns it with its fill
	// state populated.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetPositions returns all current positions.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account balances.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}
