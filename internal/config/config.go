// Package config carries the hot-updatable configuration surface of the
// execution engine. A viper-backed loader produces immutable Config
// snapshots; a file watcher swaps the active snapshot atomically so
// components always read a consistent set of limits.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// StressScenario is a named hypothetical shock applied to portfolio inputs.
type StressScenario struct {
	Name          string  `mapstructure:"name"`
	PriceShock    float64 `mapstructure:"price_shock"`
	VolMultiplier float64 `mapstructure:"vol_multiplier"`
}

// RateLimit bounds order placement throughput for one order type.
// Exceeding it delays submission, it never drops one.
type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// RiskConfig holds the risk evaluator limits.
type RiskConfig struct {
	MaxPositionFraction float64          `mapstructure:"max_position_fraction"`
	MaxPortfolioRisk    float64          `mapstructure:"max_portfolio_risk"`
	MaxLeverage         float64          `mapstructure:"max_leverage"`
	MaxCorrelation      float64          `mapstructure:"max_correlation"`
	MaxSectorExposure   float64          `mapstructure:"max_sector_exposure"`
	MarginMinimum       float64          `mapstructure:"margin_minimum"`
	LiquidityFraction   float64          `mapstructure:"liquidity_fraction"`
	VaRConfidence       float64          `mapstructure:"var_confidence"`
	VaRWindow           int              `mapstructure:"var_window"`
	StopLossFraction    float64          `mapstructure:"stop_loss_fraction"`
	TakeProfitFraction  float64          `mapstructure:"take_profit_fraction"`
	ReferenceVolatility float64          `mapstructure:"reference_volatility"`
	CorrelationPenalty  float64          `mapstructure:"correlation_penalty"`
	MinVolatilityFactor float64          `mapstructure:"min_volatility_factor"`
	StressScenarios     []StressScenario `mapstructure:"stress_scenarios"`
	RiskFreeRate        float64          `mapstructure:"risk_free_rate"`
}

// ImpactConfig holds market impact estimation parameters. The weights are
// configuration, not constants: they are illustrative defaults that
// operations tune per venue.
type ImpactConfig struct {
	Threshold        float64       `mapstructure:"threshold"`
	VolumeWeight     float64       `mapstructure:"volume_weight"`
	VolatilityWeight float64       `mapstructure:"volatility_weight"`
	SpreadWeight     float64       `mapstructure:"spread_weight"`
	MaxSpread        float64       `mapstructure:"max_spread"`
	MaxSliceFraction float64       `mapstructure:"max_slice_fraction"`
	SliceInterval    time.Duration `mapstructure:"slice_interval"`
}

// ExecutionConfig holds lifecycle supervision parameters.
type ExecutionConfig struct {
	MaxSlippage      float64                  `mapstructure:"max_slippage"`
	MinFillRate      float64                  `mapstructure:"min_fill_rate"`
	FillRateBudget   time.Duration            `mapstructure:"fill_rate_budget"`
	PollInterval     time.Duration            `mapstructure:"poll_interval"`
	RetryBudget      int                      `mapstructure:"retry_budget"`
	Staleness        map[string]time.Duration `mapstructure:"staleness"`
	DefaultStaleness time.Duration            `mapstructure:"default_staleness"`
	RateLimits       map[string]RateLimit     `mapstructure:"rate_limits"`
	DefaultRateLimit RateLimit                `mapstructure:"default_rate_limit"`
	MetricWindowSize int                      `mapstructure:"metric_window_size"`
}

// Config is one immutable snapshot of the whole surface.
type Config struct {
	LogLevel    string          `mapstructure:"log_level"`
	AuditDSN    string          `mapstructure:"audit_dsn"`
	MetricsAddr string          `mapstructure:"metrics_addr"`
	InitialCash float64         `mapstructure:"initial_cash"`
	Risk        RiskConfig      `mapstructure:"risk"`
	Impact      ImpactConfig    `mapstructure:"impact"`
	Execution   ExecutionConfig `mapstructure:"execution"`
}

// StalenessFor returns the staleness threshold for a strategy, falling back
// to the default.
func (c *ExecutionConfig) StalenessFor(strategy string) time.Duration {
	if d, ok := c.Staleness[strategy]; ok {
		return d
	}
	return c.DefaultStaleness
}

// RateLimitFor returns the placement limit for an order type, falling back
// to the default.
func (c *ExecutionConfig) RateLimitFor(orderType string) RateLimit {
	if rl, ok := c.RateLimits[orderType]; ok {
		return rl
	}
	return c.DefaultRateLimit
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("audit_dsn", "tradexec_audit.db")
	v.SetDefault("metrics_addr", ":9301")
	v.SetDefault("initial_cash", 1_000_000)

	v.SetDefault("risk.max_position_fraction", 0.02)
	v.SetDefault("risk.max_portfolio_risk", 0.05)
	v.SetDefault("risk.max_leverage", 2.0)
	v.SetDefault("risk.max_correlation", 0.7)
	v.SetDefault("risk.max_sector_exposure", 0.25)
	v.SetDefault("risk.margin_minimum", 0.3)
	v.SetDefault("risk.liquidity_fraction", 0.1)
	v.SetDefault("risk.var_confidence", 0.95)
	v.SetDefault("risk.var_window", 252)
	v.SetDefault("risk.stop_loss_fraction", 0.02)
	v.SetDefault("risk.take_profit_fraction", 0.04)
	v.SetDefault("risk.reference_volatility", 0.2)
	v.SetDefault("risk.correlation_penalty", 0.5)
	v.SetDefault("risk.min_volatility_factor", 0.25)
	v.SetDefault("risk.risk_free_rate", 0.0)

	v.SetDefault("impact.threshold", 0.1)
	v.SetDefault("impact.volume_weight", 0.5)
	v.SetDefault("impact.volatility_weight", 0.3)
	v.SetDefault("impact.spread_weight", 0.2)
	v.SetDefault("impact.max_spread", 0.002)
	v.SetDefault("impact.max_slice_fraction", 0.05)
	v.SetDefault("impact.slice_interval", "30s")

	v.SetDefault("execution.max_slippage", 0.001)
	v.SetDefault("execution.min_fill_rate", 0.95)
	v.SetDefault("execution.fill_rate_budget", "30s")
	v.SetDefault("execution.poll_interval", "1s")
	v.SetDefault("execution.retry_budget", 3)
	v.SetDefault("execution.default_staleness", "2m")
	v.SetDefault("execution.staleness", map[string]time.Duration{
		"AGGRESSIVE": 30 * time.Second,
		"PASSIVE":    5 * time.Minute,
		"SMART":      2 * time.Minute,
		"VWAP":       10 * time.Minute,
		"TWAP":       10 * time.Minute,
	})
	v.SetDefault("execution.default_rate_limit.per_second", 10)
	v.SetDefault("execution.default_rate_limit.burst", 20)
	v.SetDefault("execution.metric_window_size", 1000)
}

func defaultScenarios() []StressScenario {
	return []StressScenario{
		{Name: "market_crash", PriceShock: -0.15, VolMultiplier: 2.0},
		{Name: "sector_rotation", PriceShock: -0.08, VolMultiplier: 1.5},
		{Name: "volatility_spike", PriceShock: -0.05, VolMultiplier: 3.0},
	}
}

// Manager loads configuration and republishes snapshots on file change.
type Manager struct {
	v       *viper.Viper
	logger  *zap.Logger
	current atomic.Pointer[Config]
}

// NewManager reads the config file at path (optional; defaults apply when
// empty or missing) and returns a manager holding the first snapshot.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	m := &Manager{v: v, logger: logger}
	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

func (m *Manager) unmarshal() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Risk.StressScenarios) == 0 {
		cfg.Risk.StressScenarios = defaultScenarios()
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Risk.MaxPositionFraction <= 0 || cfg.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction out of range: %f", cfg.Risk.MaxPositionFraction)
	}
	if cfg.Risk.VaRConfidence <= 0 || cfg.Risk.VaRConfidence >= 1 {
		return fmt.Errorf("risk.var_confidence out of range: %f", cfg.Risk.VaRConfidence)
	}
	sum := cfg.Impact.VolumeWeight + cfg.Impact.VolatilityWeight + cfg.Impact.SpreadWeight
	if sum <= 0 {
		return fmt.Errorf("impact weights must sum to a positive value, got %f", sum)
	}
	if cfg.Execution.MetricWindowSize <= 0 {
		return fmt.Errorf("execution.metric_window_size must be positive: %d", cfg.Execution.MetricWindowSize)
	}
	return nil
}

// Snapshot returns the active configuration. The returned value is shared
// and must not be mutated.
func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Watch begins hot reloading. On every file change the new snapshot is
// validated before it replaces the active one; invalid updates are dropped
// with the previous snapshot left in place.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.unmarshal()
		if err != nil {
			m.logger.Error("config reload rejected",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}
		m.current.Store(cfg)
		m.logger.Info("config reloaded", zap.String("file", e.Name))
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}
