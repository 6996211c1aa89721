// Package config defines all configuration for the trading service.
// Config is loaded from an optional YAML file (default: configs/config.yaml)
// with operator-facing fields overridable via environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      string          `mapstructure:"mode"` // paper | live | halt
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Models    ModelsConfig    `mapstructure:"models"`
	Risk      RiskConfig      `mapstructure:"risk"`
	OMS       OMSConfig       `mapstructure:"oms"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig holds the exchange credentials and connection tuning.
// Keys stay out of the YAML file; they come from BYBIT_API_KEY / BYBIT_API_SECRET.
type ExchangeConfig struct {
	// Environment selects the base URL triple: live, testnet, or demo.
	// Empty means derive from mode (live → live, paper → demo).
	Environment string `mapstructure:"environment"`

	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	RecvWindow int    `mapstructure:"recv_window"` // ms, default 5000

	RESTTimeout       time.Duration `mapstructure:"rest_timeout"`        // default 10s
	Heartbeat         time.Duration `mapstructure:"heartbeat"`           // WS ping interval, default 20s
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`      // default 1s
	ReconnectCap      time.Duration `mapstructure:"reconnect_cap"`       // default 60s
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`  // default 5
	RetryBase         time.Duration `mapstructure:"retry_base"`          // default 500ms
	RetryCap          time.Duration `mapstructure:"retry_cap"`           // default 30s
	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`  // default 5
	RESTWorkers       int           `mapstructure:"rest_workers"`        // default 8
}

// TradingConfig selects what to trade and how often.
type TradingConfig struct {
	StrategyID string   `mapstructure:"strategy_id"`
	Symbols    []string `mapstructure:"symbols"`
	Category   string   `mapstructure:"category"` // linear | inverse | spot | option
	Interval   string   `mapstructure:"interval"` // primary timeframe, default "1"
	AutoTrader bool     `mapstructure:"auto_trader"`
	WarmupBars int      `mapstructure:"warmup_bars"` // kline backfill depth, default 120
	SMAPeriod  int      `mapstructure:"sma_period"`  // default 20
	EMAPeriod  int      `mapstructure:"ema_period"`  // default 12
}

// ModelConfig describes one model artifact in the ensemble.
type ModelConfig struct {
	ID     string  `mapstructure:"id"`
	Kind   string  `mapstructure:"kind"` // gbt | rnn | policy
	Path   string  `mapstructure:"path"`
	Weight float64 `mapstructure:"weight"`
}

// ModelsConfig tunes the ensemble and consensus policy.
//
//   - Weights must sum to 1.
//   - MinAgreeCount 0 means a strict majority of the ensemble.
//   - ConfidenceThreshold gates the average confidence of agreeing models;
//     a value exactly at the threshold passes.
type ModelsConfig struct {
	Models              []ModelConfig `mapstructure:"models"`
	MinAgreeCount       int           `mapstructure:"min_agree_count"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	ScoreTimeout        time.Duration `mapstructure:"score_timeout"` // default 1s
	ScoreWorkers        int           `mapstructure:"score_workers"` // default NumCPU
}

// RiskConfig sets the hard limits enforced before any order leaves the OMS.
//
//   - MaxPositions: cap on concurrently open positions.
//   - PerSymbolCapUSD: max notional exposure in any single symbol.
//   - PortfolioCapPct: max total notional as a fraction of equity.
//   - DailyLossLimitPct: realized+unrealized loss today that trips the circuit.
//   - VarLimitPct: 99% 1-day historical VaR that trips the circuit and flattens.
//   - MaxRiskPerTrade: equity fraction risked per trade before ATR scaling.
type RiskConfig struct {
	MaxPositions      int     `mapstructure:"max_positions"`
	PerSymbolCapUSD   float64 `mapstructure:"per_symbol_cap_usd"`
	PortfolioCapPct   float64 `mapstructure:"portfolio_cap_pct"`
	DailyLossLimitPct float64 `mapstructure:"daily_loss_limit_pct"`
	StopLossPct       float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct     float64 `mapstructure:"take_profit_pct"`
	VarLimitPct       float64 `mapstructure:"var_limit_pct"`
	MaxRiskPerTrade   float64 `mapstructure:"max_risk_per_trade"`
	ReturnsWindow     int     `mapstructure:"returns_window"` // samples kept for VaR, default 250
}

// OMSConfig tunes order submission and reconciliation.
type OMSConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`         // default 64
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"` // default 30s
	PaperSlippageBps  float64       `mapstructure:"paper_slippage_bps"` // default 5
	PaperEquityUSD    float64       `mapstructure:"paper_equity_usd"`   // starting simulator balance
}

// RateLimitConfig sizes the per-category token buckets.
// WarnUtilization is the quota fraction at which a warning is emitted.
type RateLimitConfig struct {
	OrderPerSec   float64 `mapstructure:"order_per_sec"`
	OrderBurst    int     `mapstructure:"order_burst"`
	MarketPerSec  float64 `mapstructure:"market_per_sec"`
	MarketBurst   int     `mapstructure:"market_burst"`
	AccountPerSec float64 `mapstructure:"account_per_sec"`
	AccountBurst  int     `mapstructure:"account_burst"`

	WarnUtilization float64 `mapstructure:"warn_utilization"` // default 0.70
}

// StoreConfig sets where the journal and checkpoint live.
type StoreConfig struct {
	DataDir            string        `mapstructure:"data_dir"`
	RetentionDays      int           `mapstructure:"retention_days"`      // default 30
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"` // default 5m
	EventBuffer        int           `mapstructure:"event_buffer"`        // subscriber channel size
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. The file is
// optional; every operator-facing field has an environment variable:
// TRADING_MODE, BYBIT_API_KEY, BYBIT_API_SECRET, BYBIT_RECV_WINDOW,
// CONFIDENCE_THRESHOLD, MAX_POSITIONS, PER_SYMBOL_CAP_USD,
// DAILY_LOSS_LIMIT_PCT, STOP_LOSS_PCT, TAKE_PROFIT_PCT, VAR_LIMIT_PCT,
// AUTO_TRADER_ENABLED.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; env + defaults carry the config.
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")

	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.rest_timeout", 10*time.Second)
	v.SetDefault("exchange.heartbeat", 20*time.Second)
	v.SetDefault("exchange.reconnect_base", time.Second)
	v.SetDefault("exchange.reconnect_cap", 60*time.Second)
	v.SetDefault("exchange.reconnect_attempts", 5)
	v.SetDefault("exchange.retry_base", 500*time.Millisecond)
	v.SetDefault("exchange.retry_cap", 30*time.Second)
	v.SetDefault("exchange.retry_max_attempts", 5)
	v.SetDefault("exchange.rest_workers", 8)

	v.SetDefault("trading.strategy_id", "ensemble-v1")
	v.SetDefault("trading.symbols", []string{"BTCUSDT"})
	v.SetDefault("trading.category", "linear")
	v.SetDefault("trading.interval", "1")
	v.SetDefault("trading.auto_trader", true)
	v.SetDefault("trading.warmup_bars", 120)
	v.SetDefault("trading.sma_period", 20)
	v.SetDefault("trading.ema_period", 12)

	v.SetDefault("models.confidence_threshold", 0.70)
	v.SetDefault("models.score_timeout", time.Second)

	v.SetDefault("risk.max_positions", 5)
	v.SetDefault("risk.per_symbol_cap_usd", 10000)
	v.SetDefault("risk.portfolio_cap_pct", 0.5)
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)
	v.SetDefault("risk.stop_loss_pct", 0.02)
	v.SetDefault("risk.take_profit_pct", 0.04)
	v.SetDefault("risk.var_limit_pct", 0.05)
	v.SetDefault("risk.max_risk_per_trade", 0.01)
	v.SetDefault("risk.returns_window", 250)

	v.SetDefault("oms.queue_size", 64)
	v.SetDefault("oms.reconcile_interval", 30*time.Second)
	v.SetDefault("oms.paper_slippage_bps", 5)
	v.SetDefault("oms.paper_equity_usd", 10000)

	v.SetDefault("rate_limit.order_per_sec", 10)
	v.SetDefault("rate_limit.order_burst", 10)
	v.SetDefault("rate_limit.market_per_sec", 20)
	v.SetDefault("rate_limit.market_burst", 20)
	v.SetDefault("rate_limit.account_per_sec", 10)
	v.SetDefault("rate_limit.account_burst", 10)
	v.SetDefault("rate_limit.warn_utilization", 0.70)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.retention_days", 30)
	v.SetDefault("store.checkpoint_interval", 5*time.Minute)
	v.SetDefault("store.event_buffer", 256)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnvOverrides maps the documented operator env vars onto the config.
// Explicit so the names stay stable regardless of the YAML key layout.
func applyEnvOverrides(cfg *Config) {
	if mode := os.Getenv("TRADING_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if key := os.Getenv("BYBIT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BYBIT_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if n, ok := envInt("BYBIT_RECV_WINDOW"); ok {
		cfg.Exchange.RecvWindow = n
	}
	if f, ok := envFloat("CONFIDENCE_THRESHOLD"); ok {
		cfg.Models.ConfidenceThreshold = f
	}
	if n, ok := envInt("MAX_POSITIONS"); ok {
		cfg.Risk.MaxPositions = n
	}
	if f, ok := envFloat("PER_SYMBOL_CAP_USD"); ok {
		cfg.Risk.PerSymbolCapUSD = f
	}
	if f, ok := envFloat("DAILY_LOSS_LIMIT_PCT"); ok {
		cfg.Risk.DailyLossLimitPct = f
	}
	if f, ok := envFloat("STOP_LOSS_PCT"); ok {
		cfg.Risk.StopLossPct = f
	}
	if f, ok := envFloat("TAKE_PROFIT_PCT"); ok {
		cfg.Risk.TakeProfitPct = f
	}
	if f, ok := envFloat("VAR_LIMIT_PCT"); ok {
		cfg.Risk.VarLimitPct = f
	}
	if b, ok := envBool("AUTO_TRADER_ENABLED"); ok {
		cfg.Trading.AutoTrader = b
	}
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(name string) (bool, bool) {
	switch strings.ToLower(os.Getenv(name)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

// MinAgree returns the configured agreement count, defaulting to a strict
// majority of the ensemble.
func (m ModelsConfig) MinAgree() int {
	if m.MinAgreeCount > 0 {
		return m.MinAgreeCount
	}
	return len(m.Models)/2 + 1
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !types.ValidMode(c.Mode) {
		return fmt.Errorf("mode must be one of: paper, live, halt (got %q)", c.Mode)
	}
	if c.Mode == string(types.ModeLive) {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required in live mode (set BYBIT_API_KEY)")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required in live mode (set BYBIT_API_SECRET)")
		}
	}
	if c.Exchange.RecvWindow <= 0 {
		return fmt.Errorf("exchange.recv_window must be > 0")
	}
	switch c.Exchange.Environment {
	case "", "live", "testnet", "demo":
	default:
		return fmt.Errorf("exchange.environment must be one of: live, testnet, demo (got %q)", c.Exchange.Environment)
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	switch types.Category(c.Trading.Category) {
	case types.CategoryLinear, types.CategoryInverse, types.CategorySpot, types.CategoryOption:
	default:
		return fmt.Errorf("trading.category must be one of: linear, inverse, spot, option (got %q)", c.Trading.Category)
	}
	if c.Trading.SMAPeriod <= 0 || c.Trading.EMAPeriod <= 0 {
		return fmt.Errorf("trading.sma_period and trading.ema_period must be positive")
	}
	if c.Models.ConfidenceThreshold < 0 || c.Models.ConfidenceThreshold > 1 {
		return fmt.Errorf("models.confidence_threshold must be in [0, 1]")
	}
	if len(c.Models.Models) > 0 {
		var sum float64
		for _, m := range c.Models.Models {
			if m.Weight < 0 {
				return fmt.Errorf("models.models[%s].weight must be >= 0", m.ID)
			}
			sum += m.Weight
		}
		if math.Abs(sum-1) > 1e-9 {
			return fmt.Errorf("model weights must sum to 1, got %v", sum)
		}
		if c.Models.MinAgree() > len(c.Models.Models) {
			return fmt.Errorf("models.min_agree_count %d exceeds model count %d", c.Models.MinAgree(), len(c.Models.Models))
		}
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.PerSymbolCapUSD <= 0 {
		return fmt.Errorf("risk.per_symbol_cap_usd must be > 0")
	}
	if c.Risk.PortfolioCapPct <= 0 || c.Risk.PortfolioCapPct > 1 {
		return fmt.Errorf("risk.portfolio_cap_pct must be in (0, 1]")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.TakeProfitPct <= 0 {
		return fmt.Errorf("risk.stop_loss_pct and risk.take_profit_pct must be > 0")
	}
	if c.Risk.VarLimitPct <= 0 {
		return fmt.Errorf("risk.var_limit_pct must be > 0")
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade > 0.1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0, 0.1]")
	}
	if c.RateLimit.WarnUtilization <= 0 || c.RateLimit.WarnUtilization > 1 {
		return fmt.Errorf("rate_limit.warn_utilization must be in (0, 1]")
	}
	if c.Store.RetentionDays < 1 {
		return fmt.Errorf("store.retention_days must be >= 1")
	}
	return nil
}
