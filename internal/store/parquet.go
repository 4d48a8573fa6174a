package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantrisk/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ EquityStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and EquityStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// EquityRecord is the Parquet schema for an exported equity curve.
type EquityRecord struct {
	Timestamp      int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Value          float64 `parquet:"value"`
	Cash           float64 `parquet:"cash"`
	PositionsValue float64 `parquet:"positions_value"`
	Drawdown       float64 `parquet:"drawdown"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars for the US market. See WriteBarsForMarket.
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.WriteBarsForMarket(bars, string(domain.MarketUS))
}

// WriteBarsForMarket writes bars to Parquet grouped by symbol and year under
// the given market directory, merging with what is already on disk. Each
// symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBarsForMarket(bars []domain.Bar, market string) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, time.Date(k.year, 1, 1, 0, 0, 0, 0, time.UTC))

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading existing bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range, in ascending timestamp order.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.barPath(symbol, market, time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC))

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// EquityStore implementation
// ---------------------------------------------------------------------------

// WriteEquityCurve writes a run's equity curve, replacing any earlier export.
func (s *ParquetStore) WriteEquityCurve(_ context.Context, runID string, curve []domain.EquityPoint) error {
	records := make([]EquityRecord, len(curve))
	for i, pt := range curve {
		records[i] = EquityRecord{
			Timestamp:      pt.Timestamp.UnixMilli(),
			Value:          pt.Value,
			Cash:           pt.Cash,
			PositionsValue: pt.PositionsValue,
			Drawdown:       pt.Drawdown,
		}
	}
	if err := writeParquetFile(s.equityPath(runID), records); err != nil {
		return fmt.Errorf("writing equity curve for run %s: %w", runID, err)
	}
	return nil
}

// ReadEquityCurve reads a run's exported equity curve.
func (s *ParquetStore) ReadEquityCurve(_ context.Context, runID string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](s.equityPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("equity curve for run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	curve := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		curve[i] = domain.EquityPoint{
			Timestamp:      time.UnixMilli(r.Timestamp).UTC(),
			Value:          r.Value,
			Cash:           r.Cash,
			PositionsValue: r.PositionsValue,
			Drawdown:       r.Drawdown,
		}
	}
	return curve, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, market string, t time.Time) string {
	year := fmt.Sprintf("%d", t.Year())
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), year+".parquet")
}

// equityPath returns the filesystem path for an exported equity curve.
// Layout: <dataDir>/backtests/<runID>/equity.parquet
func (s *ParquetStore) equityPath(runID string) string {
	return filepath.Join(s.DataDir, "backtests", filepath.Base(runID), "equity.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
