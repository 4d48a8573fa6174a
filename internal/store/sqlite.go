package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quantrisk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ ResultStore = (*SQLiteStore)(nil)
var _ AlertStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	id           TEXT PRIMARY KEY,
	strategy     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	start_date   TEXT NOT NULL,
	end_date     TEXT NOT NULL,
	total_return REAL NOT NULL,
	sharpe_ratio REAL NOT NULL,
	max_drawdown REAL NOT NULL,
	final_value  REAL NOT NULL,
	result_json  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS risk_alerts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	type          TEXT NOT NULL,
	severity      TEXT NOT NULL,
	message       TEXT NOT NULL,
	current_value REAL NOT NULL,
	limit_value   REAL NOT NULL,
	action        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS risk_alerts_ts ON risk_alerts (ts);
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	qty              REAL NOT NULL,
	ref_price        REAL NOT NULL,
	filled_qty       REAL NOT NULL,
	filled_avg_price REAL NOT NULL,
	commission       REAL NOT NULL,
	slippage         REAL NOT NULL,
	status           TEXT NOT NULL,
	strategy_id      TEXT NOT NULL,
	reason           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_status ON orders (status);
`

// SQLiteStore implements OrderStore, ResultStore and AlertStore backed by a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, symbol, side, type, qty, ref_price, filled_qty, filled_avg_price,
	commission, slippage, status, strategy_id, reason, created_at, updated_at`

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Symbol, string(o.Side), string(o.Type), o.Qty, o.RefPrice, o.FilledQty, o.FilledAvgPrice,
		o.Commission, o.Slippage, string(o.Status), o.StrategyID, o.Reason,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns all orders matching the given status, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET symbol = ?, side = ?, type = ?, qty = ?, ref_price = ?,
		filled_qty = ?, filled_avg_price = ?, commission = ?, slippage = ?, status = ?, strategy_id = ?,
		reason = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		o.Symbol, string(o.Side), string(o.Type), o.Qty, o.RefPrice, o.FilledQty, o.FilledAvgPrice,
		o.Commission, o.Slippage, string(o.Status), o.StrategyID, o.Reason,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                  domain.Order
		side, typ, status  string
		createdAt, updated string
	)
	err := r.Scan(&o.ID, &o.Symbol, &side, &typ, &o.Qty, &o.RefPrice, &o.FilledQty, &o.FilledAvgPrice,
		&o.Commission, &o.Slippage, &status, &o.StrategyID, &o.Reason, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

// ---------------------------------------------------------------------------
// ResultStore implementation
// ---------------------------------------------------------------------------

// SaveRun stores a backtest run, replacing any run with the same ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	if run.Result == nil {
		return fmt.Errorf("saving run %s: no result", run.ID)
	}
	blob, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	r := run.Result
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO backtest_runs
		(id, strategy, created_at, start_date, end_date, total_return, sharpe_ratio, max_drawdown, final_value, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, formatTime(run.CreatedAt), formatTime(r.Config.StartDate), formatTime(r.Config.EndDate),
		r.Metrics.TotalReturn, r.Metrics.SharpeRatio, r.Metrics.MaxDrawdown, r.Statistics.FinalValue, string(blob))
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a stored run with its full result.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var (
		run       RunRecord
		createdAt string
		blob      string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, strategy, created_at, result_json FROM backtest_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Strategy, &createdAt, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	run.CreatedAt = parseTime(createdAt)
	run.Result = new(domain.BacktestResult)
	if err := json.Unmarshal([]byte(blob), run.Result); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns the most recent run summaries, newest first. A
// non-positive limit returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, strategy, created_at, start_date, end_date,
		total_return, sharpe_ratio, max_drawdown, final_value
		FROM backtest_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			created, from, to string
		)
		if err := rows.Scan(&r.ID, &r.Strategy, &created, &from, &to,
			&r.TotalReturn, &r.SharpeRatio, &r.MaxDrawdown, &r.FinalValue); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.CreatedAt, r.StartDate, r.EndDate = parseTime(created), parseTime(from), parseTime(to)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// AlertStore implementation
// ---------------------------------------------------------------------------

// RecordAlert appends a risk alert.
func (s *SQLiteStore) RecordAlert(ctx context.Context, a domain.RiskAlert) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO risk_alerts
		(ts, symbol, type, severity, message, current_value, limit_value, action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(a.Timestamp), a.Symbol, string(a.Type), string(a.Severity), a.Message,
		a.CurrentValue, a.Limit, string(a.Action))
	if err != nil {
		return fmt.Errorf("recording %s alert: %w", a.Type, err)
	}
	return nil
}

// ListAlerts returns alerts stamped at or after since, oldest first. A
// non-positive limit returns every match.
func (s *SQLiteStore) ListAlerts(ctx context.Context, since time.Time, limit int) ([]domain.RiskAlert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, symbol, type, severity, message, current_value, limit_value, action
		FROM risk_alerts WHERE ts >= ? ORDER BY ts, id LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskAlert
	for rows.Next() {
		var (
			a                         domain.RiskAlert
			ts, typ, severity, action string
		)
		if err := rows.Scan(&ts, &a.Symbol, &typ, &severity, &a.Message, &a.CurrentValue, &a.Limit, &action); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Timestamp = parseTime(ts)
		a.Type = domain.AlertType(typ)
		a.Severity = domain.Severity(severity)
		a.Action = domain.RiskAction(action)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneAlerts deletes alerts stamped before cutoff.
func (s *SQLiteStore) PruneAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_alerts WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning alerts: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// timeLayout sorts lexically in time order for UTC timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
