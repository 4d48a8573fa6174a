package strategy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"quantrisk/internal/analytics"
	"quantrisk/internal/domain"
)

// SweepRun is one configuration in a parameter sweep. Strategy must be an
// instance no other run uses.
type SweepRun struct {
	Name     string
	Config   domain.BacktestConfig
	Limits   *domain.RiskLimits
	Strategy Strategy
}

// SweepResult pairs a run's name with its outcome.
type SweepResult struct {
	Name   string                 `json:"name"`
	Result *domain.BacktestResult `json:"result,omitempty"`
	Err    error                  `json:"-"`
}

// MarshalJSON encodes Err as its message so failed runs stay visible in
// exported results.
func (r SweepResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Name   string                 `json:"name"`
		Result *domain.BacktestResult `json:"result,omitempty"`
		Error  string                 `json:"error,omitempty"`
	}{Name: r.Name, Result: r.Result}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Sweep backtests every run over the same series using up to workers
// goroutines and returns the results in input order. Series are only read, so
// runs share no mutable state.
func Sweep(ctx context.Context, runs []SweepRun, series map[string][]domain.Bar, market analytics.Provider, workers int, log *slog.Logger) []SweepResult {
	if workers <= 0 {
		workers = 1
	}
	results := make([]SweepResult, len(runs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, run := range runs {
		results[i].Name = run.Name
		wg.Add(1)
		go func(i int, run SweepRun) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].Err = ctx.Err()
				return
			}
			defer func() { <-sem }()
			bt := NewBacktester(run.Config, run.Limits, market, log)
			results[i].Result, results[i].Err = bt.Run(ctx, run.Strategy, series)
		}(i, run)
	}
	wg.Wait()
	return results
}
