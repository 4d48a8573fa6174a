package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"quantrisk/internal/config"
	"quantrisk/internal/gather"
	"quantrisk/internal/gather/us"
	"quantrisk/internal/store"
	"quantrisk/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols (default: backtest.symbols, then every stored symbol)")
	start := flag.String("start", "", "first day to fetch YYYY-MM-DD (default: backtest.start_date)")
	end := flag.String("end", "", "last day to fetch YYYY-MM-DD (default: latest finished trading day)")
	workers := flag.Int("workers", 4, "concurrent batch requests")
	fresh := flag.Bool("fresh", false, "ignore saved progress and refetch everything")
	flag.Parse()

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("alpaca credentials are required (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
	}

	startDate := *start
	if startDate == "" {
		startDate = cfg.Backtest.StartDate
	}
	from, err := config.ParseDate(startDate)
	if err != nil {
		log.Fatalf("-start: %v", err)
	}
	var to time.Time
	if *end != "" {
		if to, err = config.ParseDate(*end); err != nil {
			log.Fatalf("-end: %v", err)
		}
	}

	syms := cfg.Backtest.Symbols
	if *symbols != "" {
		syms = strings.Split(*symbols, ",")
	}

	stateDir := filepath.Join(cfg.Storage.DataDir, "us", "state")
	if *fresh {
		stateDir = ""
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	fetcher := us.NewBarFetcher(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Alpaca.BaseURL,
		pstore,
		us.FetchOptions{
			Symbols:         syms,
			Start:           from,
			End:             to,
			Feed:            cfg.Alpaca.Feed,
			BatchSize:       cfg.Alpaca.BatchSize,
			MaxWorkers:      *workers,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
			StateDir:        stateDir,
		},
		logger,
	)
	var g gather.Gatherer = fetcher

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting gatherer", "name", g.Name(), "symbols", len(syms), "start", startDate)
	err = g.Run(ctx)
	st := fetcher.Stats()
	slog.Info("gatherer finished", "symbols", st.Symbols, "fetched", st.Fetched, "empty", st.Empty,
		"skipped", st.Skipped, "bars", st.Bars, "invalid", st.Invalid, "failed_batches", st.Failed)
	if err != nil {
		log.Fatalf("gatherer error: %v", err)
	}
}
