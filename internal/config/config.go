package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/logger"
	"github.com/vitos/crypto_grid_bot/internal/usecase"
	"gopkg.in/yaml.v3"
)

// Hard cap on resting orders per engine.
const maxActiveLevelsCap = 20

type Config struct {
	Bybit    BybitConfig    `yaml:"bybit"`
	Trading  TradingConfig  `yaml:"trading"`
	Grid     GridConfig     `yaml:"grid"`
	DCA      DCAConfig      `yaml:"dca"`
	Risk     RiskConfig     `yaml:"risk"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type BybitConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	DemoMode          bool    `yaml:"demo_mode"`
	RESTEndpoint      string  `yaml:"rest_endpoint"`
	WSEndpoint        string  `yaml:"ws_endpoint"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	DisableStream     bool    `yaml:"disable_stream"`
}

type TradingConfig struct {
	Symbol      string        `yaml:"symbol"`
	Leverage    int           `yaml:"leverage"`
	Interval    time.Duration `yaml:"interval"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	Retention   time.Duration `yaml:"retention"`
	// AutoStart opens a session in AutoStartMode when the daemon boots.
	AutoStart     bool   `yaml:"auto_start"`
	AutoStartMode string `yaml:"auto_start_mode"`
}

type GridConfig struct {
	LowerPercent       float64 `yaml:"lower_percent"`
	UpperPercent       float64 `yaml:"upper_percent"`
	Levels             int     `yaml:"levels"`
	OrderSize          float64 `yaml:"order_size"`
	MaxActiveLevels    int     `yaml:"max_active_levels"`
	OppositeOrders     bool    `yaml:"opposite_orders"`
	ProfitTargetMinPct float64 `yaml:"profit_target_min_pct"`
	ProfitTargetMaxPct float64 `yaml:"profit_target_max_pct"`
	WinRate            float64 `yaml:"win_rate"`
	Throttle           string  `yaml:"throttle"`
	VolatilityGuardPct float64 `yaml:"volatility_guard_pct"`
	FlattenOnStart     bool    `yaml:"flatten_on_start"`
}

type DCAConfig struct {
	Enabled            bool    `yaml:"enabled"`
	TriggerPercent     float64 `yaml:"trigger_percent"`
	OrderSize          float64 `yaml:"order_size"`
	MaxOrders          int     `yaml:"max_orders"`
	MaxActiveLevels    int     `yaml:"max_active_levels"`
	ExtendOnFill       bool    `yaml:"extend_on_fill"`
	WinRate            float64 `yaml:"win_rate"`
	Throttle           string  `yaml:"throttle"`
	VolatilityGuardPct float64 `yaml:"volatility_guard_pct"`
	InitialTrend       string  `yaml:"initial_trend"`
}

type RiskConfig struct {
	KillSwitchEnabled     bool    `yaml:"kill_switch_enabled"`
	MaxDrawdownPercent    float64 `yaml:"max_drawdown_percent"`
	MarginWarningPercent  float64 `yaml:"margin_warning_percent"`
	BreakevenEnabled      bool    `yaml:"breakeven_enabled"`
	PartialProfitEnabled  bool    `yaml:"partial_profit_enabled"`
	PartialProfitPercent  float64 `yaml:"partial_profit_percent"`
	PartialProfitMultiple float64 `yaml:"partial_profit_multiple"`
	InitialCapital        float64 `yaml:"initial_capital"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// per-client request budget of the control API
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default mirrors usecase.DefaultBotConfig plus the outer surfaces.
func Default() *Config {
	return &Config{
		Bybit: BybitConfig{
			DemoMode:          true,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Trading: TradingConfig{
			Symbol:        "BTCUSDT",
			Leverage:      10,
			Interval:      5 * time.Second,
			StopTimeout:   10 * time.Second,
			Retention:     7 * 24 * time.Hour,
			AutoStartMode: "demo",
		},
		Grid: GridConfig{
			LowerPercent:       3,
			UpperPercent:       3,
			Levels:             10,
			OrderSize:          0.001,
			MaxActiveLevels:    15,
			OppositeOrders:     true,
			ProfitTargetMinPct: 0.3,
			ProfitTargetMaxPct: 0.8,
			WinRate:            0.5,
			Throttle:           string(usecase.ThrottleRandom),
			VolatilityGuardPct: 5,
		},
		DCA: DCAConfig{
			Enabled:            true,
			TriggerPercent:     2,
			OrderSize:          0.001,
			MaxOrders:          5,
			MaxActiveLevels:    15,
			ExtendOnFill:       true,
			WinRate:            0.65,
			Throttle:           string(usecase.ThrottleDeterministic),
			VolatilityGuardPct: 8,
			InitialTrend:       string(domain.TrendDown),
		},
		Risk: RiskConfig{
			KillSwitchEnabled:     true,
			MaxDrawdownPercent:    20,
			MarginWarningPercent:  80,
			BreakevenEnabled:      true,
			PartialProfitEnabled:  true,
			PartialProfitPercent:  50,
			PartialProfitMultiple: 2,
			InitialCapital:        1000,
		},
		Server: ServerConfig{
			Port:              8080,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Database: DatabaseConfig{
			Enabled: true,
			Path:    "data/trading_bot.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads .env (if present), then the YAML file over the defaults, then
// environment overrides. A missing YAML file is not an error.
func Load(path string) (*Config, error) {
	// Ignore error so the bot still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		c.Bybit.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		c.Bybit.APISecret = v
	}
	if v := os.Getenv("BYBIT_DEMO_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &domain.ConfigError{Field: "BYBIT_DEMO_MODE", Reason: "not a boolean: " + v}
		}
		c.Bybit.DemoMode = b
	}
	if v := os.Getenv("SYMBOL"); v != "" {
		c.Trading.Symbol = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := os.Getenv("LEVERAGE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigError{Field: "LEVERAGE", Reason: "not an integer: " + v}
		}
		c.Trading.Leverage = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigError{Field: "PORT", Reason: "not an integer: " + v}
		}
		c.Server.Port = n
	}
	return nil
}

// Validate reports every invalid setting, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &domain.ConfigError{Field: field, Reason: reason})
	}

	if c.Bybit.APIKey == "" || c.Bybit.APISecret == "" {
		fail("bybit.api_key", "API credentials are required (BYBIT_API_KEY, BYBIT_API_SECRET)")
	}
	if c.Trading.Symbol == "" {
		fail("trading.symbol", "must not be empty")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 100 {
		fail("trading.leverage", fmt.Sprintf("must be within 1..100, got %d", c.Trading.Leverage))
	}
	if c.Trading.Interval <= 0 {
		fail("trading.interval", "must be positive")
	}
	if c.Trading.AutoStart && c.Trading.AutoStartMode != "demo" && c.Trading.AutoStartMode != "live" {
		fail("trading.auto_start_mode", "must be \"demo\" or \"live\"")
	}

	if c.Grid.Levels < 2 {
		fail("grid.levels", fmt.Sprintf("must be at least 2, got %d", c.Grid.Levels))
	}
	positive(fail, "grid.lower_percent", c.Grid.LowerPercent)
	positive(fail, "grid.upper_percent", c.Grid.UpperPercent)
	positive(fail, "grid.order_size", c.Grid.OrderSize)
	activeCap(fail, "grid.max_active_levels", c.Grid.MaxActiveLevels)
	if c.Grid.OppositeOrders {
		positive(fail, "grid.profit_target_min_pct", c.Grid.ProfitTargetMinPct)
		if c.Grid.ProfitTargetMaxPct < c.Grid.ProfitTargetMinPct {
			fail("grid.profit_target_max_pct", "must not be below profit_target_min_pct")
		}
	}
	rate(fail, "grid.win_rate", c.Grid.WinRate)
	throttle(fail, "grid.throttle", c.Grid.Throttle)

	if c.DCA.Enabled {
		positive(fail, "dca.trigger_percent", c.DCA.TriggerPercent)
		positive(fail, "dca.order_size", c.DCA.OrderSize)
		if c.DCA.MaxOrders < 1 {
			fail("dca.max_orders", "must be at least 1")
		}
		activeCap(fail, "dca.max_active_levels", c.DCA.MaxActiveLevels)
		rate(fail, "dca.win_rate", c.DCA.WinRate)
		throttle(fail, "dca.throttle", c.DCA.Throttle)
		if _, err := domain.ParseTrend(c.DCA.InitialTrend); err != nil {
			fail("dca.initial_trend", "must be \"up\" or \"down\"")
		}
	}

	if c.Risk.MaxDrawdownPercent <= 0 || c.Risk.MaxDrawdownPercent > 100 {
		fail("risk.max_drawdown_percent", "must be within (0, 100]")
	}
	positive(fail, "risk.margin_warning_percent", c.Risk.MarginWarningPercent)
	if c.Risk.PartialProfitEnabled {
		if c.Risk.PartialProfitPercent <= 0 || c.Risk.PartialProfitPercent > 100 {
			fail("risk.partial_profit_percent", "must be within (0, 100]")
		}
		positive(fail, "risk.partial_profit_multiple", c.Risk.PartialProfitMultiple)
	}
	positive(fail, "risk.initial_capital", c.Risk.InitialCapital)

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("server.port", fmt.Sprintf("invalid port %d", c.Server.Port))
	}
	if c.Database.Enabled && c.Database.Path == "" {
		fail("database.path", "must be set when the database is enabled")
	}

	return errors.Join(errs...)
}

func positive(fail func(string, string), field string, v float64) {
	if v <= 0 {
		fail(field, fmt.Sprintf("must be positive, got %v", v))
	}
}

func activeCap(fail func(string, string), field string, v int) {
	if v < 1 || v > maxActiveLevelsCap {
		fail(field, fmt.Sprintf("must be within 1..%d, got %d", maxActiveLevelsCap, v))
	}
}

func rate(fail func(string, string), field string, v float64) {
	if v < 0 || v > 1 {
		fail(field, fmt.Sprintf("must be within [0, 1], got %v", v))
	}
}

func throttle(fail func(string, string), field, kind string) {
	switch usecase.ThrottleKind(kind) {
	case "", usecase.ThrottleRandom, usecase.ThrottleDeterministic, usecase.ThrottleOff:
	default:
		fail(field, "unknown throttle "+kind)
	}
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// BotConfig maps the settings onto the control loop and its engines.
func (c *Config) BotConfig() usecase.BotConfig {
	symbol := c.Trading.Symbol
	bot := usecase.DefaultBotConfig(symbol)
	bot.Leverage = c.Trading.Leverage
	bot.Interval = c.Trading.Interval
	if c.Trading.StopTimeout > 0 {
		bot.StopTimeout = c.Trading.StopTimeout
	}
	if c.Trading.Retention > 0 {
		bot.Retention = c.Trading.Retention
		// prune roughly hourly
		if perHour := int(time.Hour / c.Trading.Interval); perHour > 0 {
			bot.CleanupEvery = perHour
		}
	}

	g := &bot.Grid
	g.LowerPercent = dec(c.Grid.LowerPercent)
	g.UpperPercent = dec(c.Grid.UpperPercent)
	g.Levels = c.Grid.Levels
	g.OrderSize = dec(c.Grid.OrderSize)
	g.MaxActiveLevels = c.Grid.MaxActiveLevels
	g.OppositeOrders = c.Grid.OppositeOrders
	g.ProfitTargetMinPct = dec(c.Grid.ProfitTargetMinPct)
	g.ProfitTargetMaxPct = dec(c.Grid.ProfitTargetMaxPct)
	g.WinRate = c.Grid.WinRate
	g.Throttle = usecase.ThrottleKind(c.Grid.Throttle)
	g.VolatilityGuardPct = dec(c.Grid.VolatilityGuardPct)
	g.FlattenOnStart = c.Grid.FlattenOnStart

	dca := &bot.DCA
	dca.Enabled = c.DCA.Enabled
	dca.TriggerPercent = dec(c.DCA.TriggerPercent)
	dca.OrderSize = dec(c.DCA.OrderSize)
	dca.MaxOrders = c.DCA.MaxOrders
	dca.MaxActiveLevels = c.DCA.MaxActiveLevels
	dca.ExtendOnFill = c.DCA.ExtendOnFill
	dca.WinRate = c.DCA.WinRate
	dca.Throttle = usecase.ThrottleKind(c.DCA.Throttle)
	dca.VolatilityGuardPct = dec(c.DCA.VolatilityGuardPct)
	if trend, err := domain.ParseTrend(c.DCA.InitialTrend); err == nil {
		dca.InitialTrend = trend
	}

	r := &bot.Risk
	r.KillSwitchEnabled = c.Risk.KillSwitchEnabled
	r.MaxDrawdownPercent = dec(c.Risk.MaxDrawdownPercent)
	r.MarginWarningPercent = dec(c.Risk.MarginWarningPercent)
	r.BreakevenEnabled = c.Risk.BreakevenEnabled
	r.PartialProfitEnabled = c.Risk.PartialProfitEnabled
	r.PartialProfitPercent = dec(c.Risk.PartialProfitPercent)
	r.PartialProfitMultiple = dec(c.Risk.PartialProfitMultiple)
	r.InitialCapital = dec(c.Risk.InitialCapital)

	return bot
}

// ExchangeConfig builds the adapter settings for a session mode. An explicit
// rest_endpoint wins over the mode's default host.
func (c *Config) ExchangeConfig(mode string) exchange.Config {
	base := c.Bybit.RESTEndpoint
	if base == "" {
		base = exchange.BaseURLForMode(mode == "demo")
	}
	return exchange.Config{
		APIKey:            c.Bybit.APIKey,
		APISecret:         c.Bybit.APISecret,
		BaseURL:           base,
		WSURL:             c.Bybit.WSEndpoint,
		RequestsPerSecond: c.Bybit.RequestsPerSecond,
		Burst:             c.Bybit.Burst,
		DisableStream:     c.Bybit.DisableStream,
	}
}

// DefaultMode is the session mode implied by BYBIT_DEMO_MODE.
func (c *Config) DefaultMode() string {
	if c.Bybit.DemoMode {
		return "demo"
	}
	return "live"
}

func (c *Config) LogFile() logger.FileConfig {
	return logger.FileConfig{
		Path:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}
