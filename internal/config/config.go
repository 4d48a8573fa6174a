// Package config loads the quantrisk YAML configuration and converts it into
// the domain types the engine consumes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quantrisk/internal/analytics"
	"quantrisk/internal/domain"
)

// DefaultPath is used when QUANTRISK_CONFIG is unset.
const DefaultPath = "config/quantrisk.yaml"

const dateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quantrisk services.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Logging   Logging   `yaml:"logging"`
	Backtest  Backtest  `yaml:"backtest"`
	Risk      Risk      `yaml:"risk"`
	Analytics Analytics `yaml:"analytics"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints. BaseURL is the trading API, used
// only for its market calendar.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	BatchSize       int    `yaml:"batch_size"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backtest holds the default simulation parameters. Dates are YYYY-MM-DD.
type Backtest struct {
	StartDate        string   `yaml:"start_date"`
	EndDate          string   `yaml:"end_date"`
	Symbols          []string `yaml:"symbols"`
	InitialCapital   float64  `yaml:"initial_capital"`
	Commission       float64  `yaml:"commission"`
	SlippageModel    string   `yaml:"slippage_model"`
	SlippageValue    float64  `yaml:"slippage_value"`
	MaxPositions     int      `yaml:"max_positions"`
	UnresolvedPolicy string   `yaml:"unresolved_policy"`
	ResetRiskDaily   *bool    `yaml:"reset_risk_daily"`
	StopLossExit     bool     `yaml:"stop_loss_exit"`
	Workers          int      `yaml:"workers"`
}

// Risk configures the risk controller. Enabled=false runs backtests and paper
// orders without a risk gate.
type Risk struct {
	Enabled           bool    `yaml:"enabled"`
	MaxDailyLoss      float64 `yaml:"max_daily_loss"`
	MaxDrawdown       float64 `yaml:"max_drawdown"`
	MaxPositionSize   float64 `yaml:"max_position_size"`
	MaxSectorExposure float64 `yaml:"max_sector_exposure"`
	MaxCorrelation    float64 `yaml:"max_correlation"`
	MaxLeverage       float64 `yaml:"max_leverage"`
	StopLossPercent   float64 `yaml:"stop_loss_percent"`
	AlertRetention    string  `yaml:"alert_retention"`
}

// Analytics supplies the static market analytics the risk controller uses.
type Analytics struct {
	Sectors      map[string]string             `yaml:"sectors"`
	Betas        map[string]float64            `yaml:"betas"`
	Correlations map[string]map[string]float64 `yaml:"correlations"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config path from QUANTRISK_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv("QUANTRISK_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Default returns the configuration used for fields the file leaves out.
func Default() *Config {
	limits := domain.DefaultRiskLimits()
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/quantrisk.db"},
		Server:  Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			DataURL:         "https://data.alpaca.markets",
			Feed:            "sip",
			BatchSize:       100,
			RateLimitPerMin: 200,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Backtest: Backtest{
			InitialCapital:   100000,
			Commission:       0.001,
			SlippageModel:    string(domain.SlippagePercentage),
			SlippageValue:    0.0005,
			UnresolvedPolicy: string(domain.UnresolvedMarkLastPrice),
			Workers:          4,
		},
		Risk: Risk{
			Enabled:           true,
			MaxDailyLoss:      limits.MaxDailyLoss,
			MaxDrawdown:       limits.MaxDrawdown,
			MaxPositionSize:   limits.MaxPositionSize,
			MaxSectorExposure: limits.MaxSectorExposure,
			MaxCorrelation:    limits.MaxCorrelation,
			MaxLeverage:       limits.MaxLeverage,
			StopLossPercent:   limits.StopLossPercent,
			AlertRetention:    "720h",
		},
	}
}

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("QUANTRISK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars, the names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Conversion to domain types
// ---------------------------------------------------------------------------

// BacktestConfig converts the backtest section into a validated
// domain.BacktestConfig.
func (c *Config) BacktestConfig() (domain.BacktestConfig, error) {
	out := c.BacktestDefaults()
	var err error
	if out.StartDate, err = parseDate("backtest.start_date", c.Backtest.StartDate); err != nil {
		return domain.BacktestConfig{}, err
	}
	if out.EndDate, err = parseDate("backtest.end_date", c.Backtest.EndDate); err != nil {
		return domain.BacktestConfig{}, err
	}
	if err := out.Validate(); err != nil {
		return domain.BacktestConfig{}, err
	}
	return out, nil
}

// BacktestDefaults converts the backtest section without requiring dates.
// The server overlays each request's dates on it. Dates that are set but
// malformed are left zero.
func (c *Config) BacktestDefaults() domain.BacktestConfig {
	b := c.Backtest
	reset := true
	if b.ResetRiskDaily != nil {
		reset = *b.ResetRiskDaily
	}
	out := domain.BacktestConfig{
		InitialCapital:   b.InitialCapital,
		Commission:       b.Commission,
		SlippageModel:    domain.SlippageModel(strings.ToUpper(b.SlippageModel)),
		SlippageValue:    b.SlippageValue,
		MaxPositions:     b.MaxPositions,
		UnresolvedPolicy: domain.UnresolvedPolicy(strings.ToUpper(b.UnresolvedPolicy)),
		ResetRiskDaily:   reset,
		StopLossExit:     b.StopLossExit,
	}.WithDefaults()
	if t, err := time.Parse(dateLayout, b.StartDate); err == nil {
		out.StartDate = t
	}
	if t, err := time.Parse(dateLayout, b.EndDate); err == nil {
		out.EndDate = t
	}
	return out
}

// RiskLimits converts the risk section. It returns nil when risk control is
// disabled.
func (c *Config) RiskLimits() (*domain.RiskLimits, error) {
	if !c.Risk.Enabled {
		return nil, nil
	}
	r := c.Risk
	limits := domain.RiskLimits{
		MaxDailyLoss:      r.MaxDailyLoss,
		MaxDrawdown:       r.MaxDrawdown,
		MaxPositionSize:   r.MaxPositionSize,
		MaxSectorExposure: r.MaxSectorExposure,
		MaxCorrelation:    r.MaxCorrelation,
		MaxLeverage:       r.MaxLeverage,
		StopLossPercent:   r.StopLossPercent,
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &limits, nil
}

// AlertRetention parses risk.alert_retention. Zero disables pruning.
func (c *Config) AlertRetention() (time.Duration, error) {
	if c.Risk.AlertRetention == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Risk.AlertRetention)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: risk.alert_retention %q", domain.ErrInvalidConfig, c.Risk.AlertRetention)
	}
	return d, nil
}

// MarketAnalytics builds the static analytics provider.
func (c *Config) MarketAnalytics() *analytics.Static {
	return analytics.NewStatic(c.Analytics.Sectors, c.Analytics.Betas, c.Analytics.Correlations)
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", domain.ErrInvalidConfig, field)
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not YYYY-MM-DD", domain.ErrInvalidConfig, field, v)
	}
	return t, nil
}

// ParseDate parses a YYYY-MM-DD command-line date.
func ParseDate(v string) (time.Time, error) {
	return parseDate("date", v)
}
