// Package store defines storage interfaces for persisting and retrieving
// market data, backtest results, risk alerts and orders, with Parquet and
// SQLite implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantrisk/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// EquityStore exports and reloads the equity curve of a backtest run.
type EquityStore interface {
	WriteEquityCurve(ctx context.Context, runID string, curve []domain.EquityPoint) error
	ReadEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status. An empty
	// status returns every order.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// RunRecord is a stored backtest run.
type RunRecord struct {
	ID        string                 `json:"id"`
	Strategy  string                 `json:"strategy"`
	CreatedAt time.Time              `json:"created_at"`
	Result    *domain.BacktestResult `json:"result,omitempty"`
}

// RunSummary is the indexed summary of a stored run.
type RunSummary struct {
	ID          string    `json:"id"`
	Strategy    string    `json:"strategy"`
	CreatedAt   time.Time `json:"created_at"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	TotalReturn float64   `json:"total_return"`
	SharpeRatio float64   `json:"sharpe_ratio"`
	MaxDrawdown float64   `json:"max_drawdown"`
	FinalValue  float64   `json:"final_value"`
}

// ResultStore persists backtest runs.
type ResultStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// AlertStore persists risk alerts. It satisfies engine.AlertSink.
type AlertStore interface {
	RecordAlert(ctx context.Context, alert domain.RiskAlert) error
	ListAlerts(ctx context.Context, since time.Time, limit int) ([]domain.RiskAlert, error)
}

// LoadSeries reads the bars of every symbol in [start, end] from bs. Symbols
// with no bars are left out of the result.
func LoadSeries(ctx context.Context, bs BarStore, market string, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	series := make(map[string][]domain.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := bs.ReadBars(ctx, sym, market, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s: %w", sym, err)
		}
		if len(bars) > 0 {
			series[sym] = bars
		}
	}
	return series, nil
}
