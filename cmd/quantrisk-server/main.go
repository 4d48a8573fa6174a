package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"quantrisk/internal/api"
	"quantrisk/internal/broker"
	"quantrisk/internal/config"
	"quantrisk/internal/domain"
	"quantrisk/internal/engine"
	"quantrisk/internal/portfolio"
	"quantrisk/internal/store"
	"quantrisk/internal/strategy/builtins"
	"quantrisk/internal/util"
)

func main() {
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	noGRPC := flag.Bool("no-grpc", false, "disable the gRPC health endpoint")
	flag.Parse()

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	limits, err := cfg.RiskLimits()
	if err != nil {
		log.Fatalf("risk config: %v", err)
	}
	retention, err := cfg.AlertRetention()
	if err != nil {
		log.Fatalf("risk config: %v", err)
	}
	btCfg := cfg.BacktestDefaults()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite: %v", err)
	}
	defer db.Close()

	// Paper trading session.
	market := cfg.MarketAnalytics()
	hub := api.NewHub(logger)
	ledger := portfolio.NewLedger(btCfg.InitialCapital)
	sim := broker.NewSimulatorBroker(ledger, broker.NewExecutionModel(btCfg))
	var rm *engine.RiskManager
	if limits != nil {
		rm = engine.NewRiskManager(*limits, ledger, market, logger)
		rm.SetAlertSink(&api.AlertFanout{Store: db, Hub: hub})
	}
	eng := engine.NewEngine(sim, db, rm, logger)
	eng.SetIDPrefix("P-" + uuid.NewString()[:8])

	svc := api.NewService(api.Deps{
		Strategies: builtins.NewRegistry(),
		Bars:       pstore,
		Equity:     pstore,
		Results:    db,
		Alerts:     db,
		Orders:     db,
		Engine:     eng,
		Hub:        hub,
		Market:     market,
		Backtest:   btCfg,
		Limits:     limits,
		Log:        logger,
	})

	grpcAddr := cfg.Server.GRPCAddr()
	if *noGRPC || cfg.Server.GRPCPort == 0 {
		grpcAddr = ""
	}
	srv := api.NewServer(cfg.Server.Addr(), grpcAddr, svc.Handler(), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go maintain(ctx, db, rm, retention, logger)

	slog.Info("starting quantrisk-server", "http", cfg.Server.Addr(), "grpc", grpcAddr,
		"capital", btCfg.InitialCapital, "risk", limits != nil)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	slog.Info("quantrisk-server stopped")
}

// maintain prunes expired alerts and resets the daily risk limits at the
// start of each trading day, exchange time.
func maintain(ctx context.Context, db *store.SQLiteStore, rm *engine.RiskManager, retention time.Duration, logger *slog.Logger) {
	cal := util.NewTradingCalendar(domain.MarketUS)
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		et = time.UTC
	}
	day := time.Now().In(et).Format("2006-01-02")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if retention > 0 {
				n, err := db.PruneAlerts(ctx, now.Add(-retention))
				if err != nil {
					logger.Warn("pruning alerts", "error", err)
				} else if n > 0 {
					logger.Info("pruned alerts", "count", n)
				}
				if rm != nil {
					rm.PruneAlerts(now.Add(-retention))
				}
			}
			today := now.In(et).Format("2006-01-02")
			if today != day && cal.IsTradingDay(now) {
				day = today
				if rm != nil {
					rm.ResetDailyLimits()
					logger.Info("daily risk limits reset", "day", today)
				}
			}
		}
	}
}
