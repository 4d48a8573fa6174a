// Package quantrisk is a Go client for the quantrisk-server HTTP API.
package quantrisk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quantrisk/internal/api"
	"quantrisk/internal/domain"
	"quantrisk/internal/store"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quantrisk: %d %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client provides a Go SDK for interacting with the quantrisk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new quantrisk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Health returns nil when the server answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Strategies lists the registered strategy names.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, "/api/strategies", nil, &names)
	return names, err
}

// RunBacktest runs a backtest on the server and returns the stored run.
func (c *Client) RunBacktest(ctx context.Context, req api.BacktestRequest) (*store.RunRecord, error) {
	var rec store.RunRecord
	if err := c.do(ctx, http.MethodPost, "/api/backtests", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBacktests returns summaries of the most recent runs, newest first.
func (c *Client) ListBacktests(ctx context.Context, limit int) ([]store.RunSummary, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var runs []store.RunSummary
	err := c.do(ctx, http.MethodGet, withQuery("/api/backtests", q), nil, &runs)
	return runs, err
}

// GetBacktest fetches a stored run by ID.
func (c *Client) GetBacktest(ctx context.Context, id string) (*store.RunRecord, error) {
	var rec store.RunRecord
	if err := c.do(ctx, http.MethodGet, "/api/backtests/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// EquityCurve fetches the exported equity curve of a run.
func (c *Client) EquityCurve(ctx context.Context, id string) ([]domain.EquityPoint, error) {
	var curve []domain.EquityPoint
	err := c.do(ctx, http.MethodGet, "/api/backtests/"+url.PathEscape(id)+"/equity", nil, &curve)
	return curve, err
}

// SubmitOrder submits a paper order. A risk rejection returns the rejected
// order in the response along with an APIError.
func (c *Client) SubmitOrder(ctx context.Context, req api.OrderRequest) (*api.OrderResponse, error) {
	return c.submit(ctx, "/api/orders", req)
}

// SubmitSignal sizes and submits a strategy signal.
func (c *Client) SubmitSignal(ctx context.Context, sig domain.Signal, price float64) (*api.OrderResponse, error) {
	return c.submit(ctx, "/api/signals", api.SignalRequest{Signal: sig, Price: price})
}

func (c *Client) submit(ctx context.Context, path string, body any) (*api.OrderResponse, error) {
	var resp api.OrderResponse
	err := c.do(ctx, http.MethodPost, path, body, &resp)
	if err != nil && resp.Order == nil {
		return nil, err
	}
	return &resp, err
}

// ListOrders returns orders with the given status, or all orders when status
// is empty.
func (c *Client) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var orders []domain.Order
	err := c.do(ctx, http.MethodGet, withQuery("/api/orders", q), nil, &orders)
	return orders, err
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(id), nil, nil)
}

// GetPositions retrieves current positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &positions)
	return positions, err
}

// GetAccount retrieves account information.
func (c *Client) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	var acct domain.AccountInfo
	if err := c.do(ctx, http.MethodGet, "/api/account", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// UpdatePrice marks symbol to price and returns the refreshed risk status.
func (c *Client) UpdatePrice(ctx context.Context, symbol string, price float64) (*api.RiskStatus, error) {
	return c.riskStatus(ctx, http.MethodPost, "/api/prices", api.PriceUpdate{Symbol: symbol, Price: price})
}

// Risk returns the risk manager's state, limits and metrics.
func (c *Client) Risk(ctx context.Context) (*api.RiskStatus, error) {
	return c.riskStatus(ctx, http.MethodGet, "/api/risk", nil)
}

// ResetRisk resets the daily limits and clears a halt.
func (c *Client) ResetRisk(ctx context.Context) (*api.RiskStatus, error) {
	return c.riskStatus(ctx, http.MethodPost, "/api/risk/reset", nil)
}

func (c *Client) riskStatus(ctx context.Context, method, path string, body any) (*api.RiskStatus, error) {
	var st api.RiskStatus
	if err := c.do(ctx, method, path, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Alerts returns risk alerts raised at or after since, oldest first.
func (c *Client) Alerts(ctx context.Context, since time.Time, limit int) ([]domain.RiskAlert, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var alerts []domain.RiskAlert
	err := c.do(ctx, http.MethodGet, withQuery("/api/risk/alerts", q), nil, &alerts)
	return alerts, err
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var apiErr error
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		apiErr = &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && apiErr == nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return apiErr
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
