// Package us fetches daily US equity bars from the Alpaca market-data API into
// the bar store.
package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker"

	"quantrisk/internal/domain"
	"quantrisk/internal/gather"
	"quantrisk/internal/store"
	"quantrisk/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*BarFetcher)(nil)
var _ barSource = (*marketdata.Client)(nil)

const (
	fetchAttempts  = 3
	fetchBaseDelay = 2 * time.Second

	// The breaker opens after breakerTrip consecutive failed calls and lets a
	// trial call through after breakerCooldown.
	breakerTrip     = 5
	breakerCooldown = time.Minute
)

// barSource is the slice of the marketdata client the fetcher uses.
type barSource interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// FetchOptions configures a BarFetcher.
type FetchOptions struct {
	Symbols         []string // empty: refresh every symbol already in the store
	Start           time.Time
	End             time.Time // zero: latest finished trading day
	Feed            string
	BatchSize       int
	MaxWorkers      int
	RateLimitPerMin int
	StateDir        string // progress files; empty disables resume
}

// FetchStats summarises one fetch.
type FetchStats struct {
	Symbols int `json:"symbols"`
	Fetched int `json:"fetched"`
	Empty   int `json:"empty"`
	Skipped int `json:"skipped"`
	Bars    int `json:"bars"`
	Invalid int `json:"invalid"`
	Failed  int `json:"failed_batches"`
}

// ---------------------------------------------------------------------------
// BarFetcher
// ---------------------------------------------------------------------------

// BarFetcher downloads daily bars for a symbol list in batches through the
// Alpaca multi-symbol bars endpoint and writes them to a BarStore. Batches
// run on a bounded worker pool behind a shared rate limiter, and each call is
// retried with backoff.
type BarFetcher struct {
	client  barSource
	store   store.BarStore
	opts    FetchOptions
	limiter *util.RateLimiter
	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
	endDate func() (time.Time, error)
	log     *slog.Logger

	stats FetchStats
}

// NewBarFetcher creates a BarFetcher using the given Alpaca credentials.
// tradingURL is the trading API base used for the market calendar; when empty
// the offline weekday calendar decides the end date.
func NewBarFetcher(apiKey, apiSecret, dataURL, tradingURL string, s store.BarStore, opts FetchOptions, log *slog.Logger) *BarFetcher {
	clientOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		clientOpts.BaseURL = dataURL
	}
	f := newBarFetcher(marketdata.NewClient(clientOpts), s, opts, log)
	if tradingURL != "" && apiKey != "" {
		f.endDate = func() (time.Time, error) {
			now := time.Now()
			day, err := LatestFinishedTradingDay(apiKey, apiSecret, tradingURL, now)
			if err != nil {
				f.log.Warn("trading calendar unavailable, using offline calendar", "error", err)
				return OfflineFinishedTradingDay(now), nil
			}
			return day, nil
		}
	}
	return f
}

func newBarFetcher(client barSource, s store.BarStore, opts FetchOptions, log *slog.Logger) *BarFetcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 200
	}
	if opts.Feed == "" {
		opts.Feed = "sip"
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("gatherer", "us-daily")
	return &BarFetcher{
		client:  client,
		store:   s,
		opts:    opts,
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
		breaker: newBreaker(log),
		backoff: fetchBaseDelay,
		endDate: func() (time.Time, error) { return OfflineFinishedTradingDay(time.Now()), nil },
		log:     log,
	}
}

func newBreaker(log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "alpaca-bars",
		Timeout: breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Name returns the gatherer identifier.
func (f *BarFetcher) Name() string { return "us-daily" }

// Stats returns the counters of the last Run.
func (f *BarFetcher) Stats() FetchStats { return f.stats }

// Run fetches bars for every configured symbol over [Start, End] and writes
// them to the store. With a StateDir it is resumable and idempotent per end
// date.
func (f *BarFetcher) Run(ctx context.Context) error {
	f.stats = FetchStats{}
	if f.opts.Start.IsZero() {
		return fmt.Errorf("%w: fetch start date is required", domain.ErrInvalidConfig)
	}
	end := f.opts.End
	if end.IsZero() {
		var err error
		if end, err = f.endDate(); err != nil {
			return fmt.Errorf("determining end date: %w", err)
		}
	}
	if end.Before(f.opts.Start) {
		return fmt.Errorf("%w: fetch end %s before start %s", domain.ErrInvalidConfig,
			end.Format("2006-01-02"), f.opts.Start.Format("2006-01-02"))
	}
	endStr := end.Format("2006-01-02")

	symbols, err := f.symbols(ctx)
	if err != nil {
		return err
	}
	f.stats.Symbols = len(symbols)

	var tracker *progressTracker
	if f.opts.StateDir != "" {
		if tracker, err = newProgressTracker(f.opts.StateDir); err != nil {
			return fmt.Errorf("creating progress tracker: %w", err)
		}
		defer tracker.Close()

		if last := tracker.LastCompleted(); last != "" && last != endStr {
			if err := tracker.Reset(); err != nil {
				return fmt.Errorf("resetting tracker: %w", err)
			}
		} else if last == endStr {
			f.log.Info("already completed", "endDate", endStr)
			f.stats.Skipped = len(symbols)
			return nil
		}
	}

	var remaining []string
	for _, sym := range symbols {
		if tracker != nil && tracker.Done(sym) {
			f.stats.Skipped++
			continue
		}
		remaining = append(remaining, sym)
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += f.opts.BatchSize {
		batches = append(batches, remaining[i:min(i+f.opts.BatchSize, len(remaining))])
	}

	f.log.Info("starting fetch",
		"start", f.opts.Start.Format("2006-01-02"),
		"endDate", endStr,
		"symbols", len(symbols),
		"remaining", len(remaining),
		"batches", len(batches),
	)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fetched  atomic.Int64
		empty    atomic.Int64
		bars     atomic.Int64
		invalid  atomic.Int64
		failed   atomic.Int64
		runStart = time.Now()
	)
	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	for w := 0; w < min(f.opts.MaxWorkers, len(batches)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				batch := batches[idx]
				got, bad, err := f.fetchBatch(ctx, batch, f.opts.Start, end)
				if err != nil {
					failed.Add(1)
					f.log.Error("batch fetch failed", "batch", fmt.Sprintf("%d/%d", idx+1, len(batches)), "error", err)
					continue
				}
				invalid.Add(int64(bad))

				hit := make(map[string]struct{})
				for _, b := range got {
					hit[b.Symbol] = struct{}{}
				}
				var hits, misses []string
				for _, sym := range batch {
					if _, ok := hit[sym]; ok {
						hits = append(hits, sym)
					} else {
						misses = append(misses, sym)
					}
				}

				if len(got) > 0 {
					mu.Lock()
					err := f.store.WriteBars(ctx, got)
					mu.Unlock()
					if err != nil {
						failed.Add(1)
						f.log.Error("writing bars failed", "error", err)
						continue
					}
				}
				if tracker != nil {
					if err := tracker.Mark(statusFetched, hits); err != nil {
						f.log.Error("recording progress failed", "error", err)
					}
					if err := tracker.Mark(statusEmpty, misses); err != nil {
						f.log.Error("recording progress failed", "error", err)
					}
				}

				fetched.Add(int64(len(hits)))
				empty.Add(int64(len(misses)))
				bars.Add(int64(len(got)))
				f.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", idx+1, len(batches)),
					"hits", len(hits),
					"empty", len(misses),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	f.stats.Fetched = int(fetched.Load())
	f.stats.Empty = int(empty.Load())
	f.stats.Bars = int(bars.Load())
	f.stats.Invalid = int(invalid.Load())
	f.stats.Failed = int(failed.Load())

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.stats.Failed > 0 {
		return fmt.Errorf("%d of %d batches failed", f.stats.Failed, len(batches))
	}
	if tracker != nil {
		if err := tracker.MarkCompleted(endStr); err != nil {
			return fmt.Errorf("marking completed: %w", err)
		}
	}

	f.log.Info("complete",
		"fetched", f.stats.Fetched,
		"empty", f.stats.Empty,
		"bars", f.stats.Bars,
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

// symbols returns the upper-cased, de-duplicated symbol list.
func (f *BarFetcher) symbols(ctx context.Context) ([]string, error) {
	src := f.opts.Symbols
	if len(src) == 0 {
		existing, err := f.store.ListSymbols(ctx, string(domain.MarketUS))
		if err != nil {
			return nil, fmt.Errorf("listing existing symbols: %w", err)
		}
		src = existing
	}
	seen := make(map[string]struct{}, len(src))
	out := make([]string, 0, len(src))
	for _, s := range src {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no symbols to fetch", domain.ErrInvalidConfig)
	}
	return out, nil
}

// fetchBatch fetches daily bars for a batch in one rate-limited, retried API
// call behind the circuit breaker. Bars with a non-positive or non-finite close
// are dropped and counted.
func (f *BarFetcher) fetchBatch(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, int, error) {
	var multiBars map[string][]marketdata.Bar
	err := util.Retry(ctx, fetchAttempts, f.backoff, retryable, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := f.breaker.Execute(func() (interface{}, error) {
			return f.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
				TimeFrame: marketdata.OneDay,
				Start:     start,
				End:       end,
				Feed:      marketdata.Feed(f.opts.Feed),
			})
		})
		if err != nil {
			return err
		}
		multiBars = res.(map[string][]marketdata.Bar)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("GetMultiBars: %w", err)
	}

	var (
		bars    []domain.Bar
		dropped int
	)
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			if ab.Close <= 0 || math.IsNaN(ab.Close) || math.IsInf(ab.Close, 0) {
				dropped++
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, dropped, nil
}

// retryable reports whether a failed batch call is worth repeating. An open
// or saturated breaker fails fast instead of backing off against it.
func retryable(err error) bool {
	return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
}
