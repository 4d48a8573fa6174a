package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"quantrisk/internal/config"
	"quantrisk/internal/domain"
	"quantrisk/internal/store"
	"quantrisk/internal/strategy"
	"quantrisk/internal/strategy/builtins"
	"quantrisk/internal/util"
)

func main() {
	strategyName := flag.String("strategy", "sma-cross", "strategy to run")
	params := flag.String("params", "", "strategy parameters, e.g. short=10,long=50")
	grid := flag.String("grid", "", "parameter sweep, e.g. short=5|10|20,long=50|100")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: backtest.symbols)")
	start := flag.String("start", "", "start date YYYY-MM-DD (default: backtest.start_date)")
	end := flag.String("end", "", "end date YYYY-MM-DD (default: backtest.end_date)")
	noRisk := flag.Bool("no-risk", false, "run without the risk controller")
	save := flag.Bool("save", false, "store results in SQLite and export equity curves")
	out := flag.String("out", "", "write the full results as JSON to this file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *start != "" {
		cfg.Backtest.StartDate = *start
	}
	if *end != "" {
		cfg.Backtest.EndDate = *end
	}
	if *symbols != "" {
		cfg.Backtest.Symbols = strings.Split(*symbols, ",")
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	btCfg, err := cfg.BacktestConfig()
	if err != nil {
		log.Fatalf("backtest config: %v", err)
	}
	limits, err := cfg.RiskLimits()
	if err != nil {
		log.Fatalf("risk config: %v", err)
	}
	if *noRisk {
		limits = nil
	}
	syms := normalize(cfg.Backtest.Symbols)
	if len(syms) == 0 {
		log.Fatalf("no symbols: pass -symbols or set backtest.symbols")
	}
	base, err := parseParams(*params)
	if err != nil {
		log.Fatalf("-params: %v", err)
	}
	sets, err := expandGrid(base, *grid)
	if err != nil {
		log.Fatalf("-grid: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	loadEnd := btCfg.EndDate.Add(24*time.Hour - time.Nanosecond)
	series, err := store.LoadSeries(ctx, pstore, string(domain.MarketUS), syms, btCfg.StartDate, loadEnd)
	if err != nil {
		log.Fatalf("loading bars: %v", err)
	}
	for _, sym := range syms {
		if _, ok := series[sym]; !ok {
			logger.Warn("no bars in range", "symbol", sym)
		}
	}

	registry := builtins.NewRegistry()
	runs := make([]strategy.SweepRun, 0, len(sets))
	for _, p := range sets {
		s, err := registry.New(*strategyName, p)
		if err != nil {
			log.Fatalf("strategy: %v", err)
		}
		runs = append(runs, strategy.SweepRun{Name: runName(*strategyName, p), Config: btCfg, Limits: limits, Strategy: s})
	}

	logger.Info("starting backtest", "strategy", *strategyName, "runs", len(runs), "symbols", len(series),
		"start", btCfg.StartDate.Format("2006-01-02"), "end", btCfg.EndDate.Format("2006-01-02"), "risk", limits != nil)
	results := strategy.Sweep(ctx, runs, series, cfg.MarketAnalytics(), cfg.Backtest.Workers, logger)

	if *save {
		if err := saveResults(ctx, cfg, pstore, results); err != nil {
			log.Fatalf("saving results: %v", err)
		}
	}
	if *out != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			log.Fatalf("encoding results: %v", err)
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			log.Fatalf("writing %s: %v", *out, err)
		}
	}

	printSummary(results)
	for _, r := range results {
		if r.Err != nil {
			os.Exit(1)
		}
	}
}

func saveResults(ctx context.Context, cfg *config.Config, pstore *store.ParquetStore, results []strategy.SweepResult) error {
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now().UTC()
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		rec := store.RunRecord{
			ID:        fmt.Sprintf("bt-%s-%s", now.Format("20060102T150405"), uuid.NewString()[:8]),
			Strategy:  r.Name,
			CreatedAt: now,
			Result:    r.Result,
		}
		if err := db.SaveRun(ctx, rec); err != nil {
			return err
		}
		if err := pstore.WriteEquityCurve(ctx, rec.ID, r.Result.EquityCurve); err != nil {
			return err
		}
		slog.Info("saved run", "id", rec.ID, "strategy", rec.Strategy)
	}
	return nil
}

func printSummary(results []strategy.SweepResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "run\treturn\tann.return\tsharpe\tmax dd\ttrades\twin rate\thalts\twarnings\t")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s\terror: %v\t\t\t\t\t\t\t\t\n", r.Name, r.Err)
			continue
		}
		m := r.Result.Metrics
		fmt.Fprintf(w, "%s\t%.2f%%\t%.2f%%\t%.2f\t%.2f%%\t%d\t%.1f%%\t%d\t%d\t\n",
			r.Name, m.TotalReturn*100, m.AnnualizedReturn*100, m.SharpeRatio, m.MaxDrawdown*100,
			m.TotalTrades, m.WinRate*100, r.Result.Statistics.RiskHalts, len(r.Result.Warnings))
	}
	w.Flush()
}

// ---------------------------------------------------------------------------
// Flag parsing
// ---------------------------------------------------------------------------

func normalize(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseParams(v string) (map[string]float64, error) {
	params := map[string]float64{}
	if v == "" {
		return params, nil
	}
	for _, kv := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%q is not key=value", kv)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		params[strings.TrimSpace(k)] = f
	}
	return params, nil
}

// expandGrid returns the cartesian product of the grid axes over base.
func expandGrid(base map[string]float64, grid string) ([]map[string]float64, error) {
	sets := []map[string]float64{base}
	if grid == "" {
		return sets, nil
	}
	for _, axis := range strings.Split(grid, ",") {
		k, vals, ok := strings.Cut(axis, "=")
		if !ok {
			return nil, fmt.Errorf("%q is not key=v1|v2", axis)
		}
		k = strings.TrimSpace(k)
		var next []map[string]float64
		for _, v := range strings.Split(vals, "|") {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			for _, s := range sets {
				p := make(map[string]float64, len(s)+1)
				for kk, vv := range s {
					p[kk] = vv
				}
				p[k] = f
				next = append(next, p)
			}
		}
		sets = next
	}
	return sets, nil
}

func runName(strategyName string, params map[string]float64) string {
	if len(params) == 0 {
		return strategyName
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(params[k], 'g', -1, 64)
	}
	return strategyName + "(" + strings.Join(parts, ",") + ")"
}
