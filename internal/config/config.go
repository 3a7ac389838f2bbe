// Package config provides configuration management for the risk core.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "options-riskcore/internal/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "RISKCORE"

// Config holds all application configuration.
type Config struct {
	Mode          string              `mapstructure:"mode"` // "paper" or "live"
	Regime        RegimeConfig        `mapstructure:"regime"`
	Sizing        SizingConfig        `mapstructure:"sizing"`
	Concentration ConcentrationConfig `mapstructure:"concentration"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Store         StoreConfig         `mapstructure:"store"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Paper         PaperConfig         `mapstructure:"paper"`
	Strategies    []StrategyConfig    `mapstructure:"strategies"`
}

// RegimeConfig holds the volatility regime bands.
type RegimeConfig struct {
	Bands []RegimeBand `mapstructure:"bands"`
}

// RegimeBand maps a closed-open volatility-index interval [Min, Max) to the
// maximum fraction of equity deployable as buying power. Max of 0 on the last
// band means unbounded.
type RegimeBand struct {
	Name           string  `mapstructure:"name"`
	Min            float64 `mapstructure:"min"`
	Max            float64 `mapstructure:"max"`
	MaxBuyingPower float64 `mapstructure:"max_buying_power"`
}

// UpperBound returns Max, or +Inf for an unbounded band.
func (b RegimeBand) UpperBound() float64 {
	if b.Max == 0 {
		return math.Inf(1)
	}
	return b.Max
}

// SizingConfig holds position sizing configuration.
type SizingConfig struct {
	KellyFraction float64 `mapstructure:"kelly_fraction"`
}

// ConcentrationConfig holds cross-strategy concentration limits.
type ConcentrationConfig struct {
	DefaultGroupCap    int                 `mapstructure:"default_group_cap"`
	GroupCaps          map[string]int      `mapstructure:"group_caps"`
	Groups             map[string][]string `mapstructure:"groups"`
	ExposureTiers      []ExposureTier      `mapstructure:"exposure_tiers"`
	EventCeilingFactor float64             `mapstructure:"event_ceiling_factor"`
	Events             []EventWindow       `mapstructure:"events"`
}

// ExposureTier sets the per-underlying directional exposure ceiling for
// accounts whose equity is at least MinEquity.
type ExposureTier struct {
	Name        string  `mapstructure:"name"`
	MinEquity   float64 `mapstructure:"min_equity"`
	MaxExposure float64 `mapstructure:"max_exposure"`
}

// EventWindow declares a high-risk market event. Start and End are RFC3339.
type EventWindow struct {
	Name  string `mapstructure:"name"`
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// Bounds parses the window's start and end.
func (w EventWindow) Bounds() (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, w.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("event %q start: %w", w.Name, err)
	}
	end, err := time.Parse(time.RFC3339, w.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("event %q end: %w", w.Name, err)
	}
	return start, end, nil
}

// BreakerConfig holds account circuit-breaker thresholds. Loss limits are
// positive fractions of the period baseline equity.
type BreakerConfig struct {
	DailyLossLimit        float64       `mapstructure:"daily_loss_limit"`
	WeeklyLossLimit       float64       `mapstructure:"weekly_loss_limit"`
	MonthlyLossLimit      float64       `mapstructure:"monthly_loss_limit"`
	IntradayDrawdownLimit float64       `mapstructure:"intraday_drawdown_limit"`
	MaxConsecutiveLosses  int           `mapstructure:"max_consecutive_losses"`
	LossRateLimit         float64       `mapstructure:"loss_rate_limit"`
	LossRateMinTrades     int           `mapstructure:"loss_rate_min_trades"`
	Cooldown              time.Duration `mapstructure:"cooldown"`
	RecoveryFraction      float64       `mapstructure:"recovery_fraction"`
}

// ExecutorConfig holds atomic order executor configuration.
type ExecutorConfig struct {
	FillTimeout          time.Duration `mapstructure:"fill_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	CompensationTimeout  time.Duration `mapstructure:"compensation_timeout"`
	CompensationAttempts int           `mapstructure:"compensation_attempts"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
}

// CoordinatorConfig holds per-tick orchestration configuration.
type CoordinatorConfig struct {
	DataTimeout    time.Duration `mapstructure:"data_timeout"`
	ReconcileEvery int           `mapstructure:"reconcile_every"`
}

// SchedulerConfig holds tick scheduling configuration. Cron specs include a seconds field.
type SchedulerConfig struct {
	TickCron  string `mapstructure:"tick_cron"`
	PruneCron string `mapstructure:"prune_cron"`
	Timezone  string `mapstructure:"timezone"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path              string        `mapstructure:"path"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	MaxTickAge time.Duration `mapstructure:"max_tick_age"` // /healthz reports unhealthy past this; 0 disables
}

// NotifyConfig holds operator notification configuration.
type NotifyConfig struct {
	Level   string        `mapstructure:"level"` // "all", "risk_only" or "errors_only"
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PaperConfig holds paper-broker configuration.
type PaperConfig struct {
	InitialEquity   float64            `mapstructure:"initial_equity"`
	VolatilityIndex float64            `mapstructure:"volatility_index"`
	Prices          map[string]float64 `mapstructure:"prices"`
}

// StrategyConfig deploys one rule strategy instance.
type StrategyConfig struct {
	ID                  string        `mapstructure:"id"`
	Kind                string        `mapstructure:"kind"`
	Underlying          string        `mapstructure:"underlying"`
	Legs                []LegTemplate `mapstructure:"legs"`
	RiskFraction        float64       `mapstructure:"risk_fraction"`
	MaxLossPerContract  float64       `mapstructure:"max_loss_per_contract"`
	MarginPerContract   float64       `mapstructure:"margin_per_contract"`
	ExposurePerContract float64       `mapstructure:"exposure_per_contract"`
	MaxContracts        int           `mapstructure:"max_contracts"`
	ProfitTarget        float64       `mapstructure:"profit_target"`
	StopMultiple        float64       `mapstructure:"stop_multiple"`
	ExitDTE             int           `mapstructure:"exit_dte"`
}

// LegTemplate describes one leg per contract unit. Expiry is YYYY-MM-DD.
type LegTemplate struct {
	Symbol     string  `mapstructure:"symbol"`
	Kind       string  `mapstructure:"kind"`
	Side       string  `mapstructure:"side"`
	Strike     float64 `mapstructure:"strike"`
	Expiry     string  `mapstructure:"expiry"`
	Ratio      int     `mapstructure:"ratio"`
	Multiplier float64 `mapstructure:"multiplier"`
	LimitPrice float64 `mapstructure:"limit_price"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-riskcore"
	}
	return filepath.Join(home, ".config", "options-riskcore")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := DefaultConfigDir()
	return &Config{
		Mode: "paper",
		Regime: RegimeConfig{
			Bands: []RegimeBand{
				{Name: "low", Min: 0, Max: 13, MaxBuyingPower: 0.80},
				{Name: "normal", Min: 13, Max: 18, MaxBuyingPower: 0.65},
				{Name: "elevated", Min: 18, Max: 25, MaxBuyingPower: 0.50},
				{Name: "high", Min: 25, Max: 30, MaxBuyingPower: 0.35},
				{Name: "extreme", Min: 30, Max: 0, MaxBuyingPower: 0.20},
			},
		},
		Sizing: SizingConfig{KellyFraction: 0.25},
		Concentration: ConcentrationConfig{
			DefaultGroupCap: 3,
			GroupCaps:       map[string]int{},
			Groups: map[string][]string{
				"equities":   {"SPY", "QQQ", "IWM", "DIA", "ES", "NQ"},
				"energy":     {"USO", "XLE", "CL", "NG"},
				"metals":     {"GLD", "SLV", "GC", "SI"},
				"bonds":      {"TLT", "IEF", "ZB", "ZN"},
				"currencies": {"FXE", "FXY", "6E", "6J"},
			},
			ExposureTiers: []ExposureTier{
				{Name: "low", MinEquity: 0, MaxExposure: 50},
				{Name: "medium", MinEquity: 50000, MaxExposure: 150},
				{Name: "high", MinEquity: 250000, MaxExposure: 400},
			},
			EventCeilingFactor: 0.5,
		},
		Breaker: BreakerConfig{
			DailyLossLimit:        0.05,
			WeeklyLossLimit:       0.08,
			MonthlyLossLimit:      0.12,
			IntradayDrawdownLimit: 0.06,
			MaxConsecutiveLosses:  3,
			LossRateLimit:         0.60,
			LossRateMinTrades:     5,
			Cooldown:              4 * time.Hour,
			RecoveryFraction:      0.02,
		},
		Executor: ExecutorConfig{
			FillTimeout:          30 * time.Second,
			PollInterval:         500 * time.Millisecond,
			CompensationTimeout:  30 * time.Second,
			CompensationAttempts: 3,
			IdempotencyTTL:       24 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			DataTimeout:    5 * time.Second,
			ReconcileEvery: 1,
		},
		Scheduler: SchedulerConfig{
			TickCron:  "0 */5 9-16 * * 1-5",
			PruneCron: "0 30 17 * * *",
			Timezone:  "America/New_York",
		},
		Store: StoreConfig{
			Path:              filepath.Join(dir, "riskcore.db"),
			SnapshotRetention: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			File:       true,
			FilePath:   filepath.Join(dir, "logs", "riskcore.log"),
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9108",
		},
		Notify: NotifyConfig{
			Level:   "all",
			Webhook: WebhookConfig{Timeout: 10 * time.Second},
		},
		Paper: PaperConfig{
			InitialEquity:   100000,
			VolatilityIndex: 16,
			Prices:          map[string]float64{},
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, createTemplateConfig(configDir)
		}
		return nil, fmt.Errorf("reading config.toml: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// bindEnvKeys registers scalar keys so AutomaticEnv can override them even
// when they are absent from config.toml.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"mode",
		"store.path",
		"logging.level",
		"metrics.addr",
		"metrics.enabled",
		"notify.level",
		"notify.webhook.enabled",
		"notify.webhook.url",
		"scheduler.tick_cron",
		"scheduler.timezone",
		"paper.initial_equity",
		"paper.volatility_index",
	} {
		_ = v.BindEnv(key)
	}
}

// normalize lowercases group names so lookups are case-insensitive and
// uppercases underlying symbols.
func (c *Config) normalize() {
	groups := make(map[string][]string, len(c.Concentration.Groups))
	for name, members := range c.Concentration.Groups {
		upper := make([]string, 0, len(members))
		for _, m := range members {
			upper = append(upper, strings.ToUpper(strings.TrimSpace(m)))
		}
		groups[strings.ToLower(name)] = upper
	}
	c.Concentration.Groups = groups

	caps := make(map[string]int, len(c.Concentration.GroupCaps))
	for name, cap := range c.Concentration.GroupCaps {
		caps[strings.ToLower(name)] = cap
	}
	c.Concentration.GroupCaps = caps

	for i := range c.Strategies {
		c.Strategies[i].Underlying = strings.ToUpper(c.Strategies[i].Underlying)
	}

	c.Store.Path = expandHome(c.Store.Path)
	c.Logging.FilePath = expandHome(c.Logging.FilePath)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return apperrors.NewValidationError("mode", c.Mode, "must be 'live' or 'paper'")
	}

	if err := c.validateRegime(); err != nil {
		return err
	}

	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return apperrors.NewValidationError("sizing.kelly_fraction", c.Sizing.KellyFraction, "must be in (0, 1]")
	}

	if err := c.validateConcentration(); err != nil {
		return err
	}

	if err := c.validateBreaker(); err != nil {
		return err
	}

	e := c.Executor
	if e.FillTimeout <= 0 || e.PollInterval <= 0 || e.CompensationTimeout <= 0 {
		return apperrors.NewValidationError("executor", e, "timeouts and poll interval must be positive")
	}
	if e.CompensationAttempts < 1 {
		return apperrors.NewValidationError("executor.compensation_attempts", e.CompensationAttempts, "must be at least 1")
	}

	switch c.Notify.Level {
	case "", "all", "risk_only", "errors_only":
	default:
		return apperrors.NewValidationError("notify.level", c.Notify.Level, "must be all, risk_only or errors_only")
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return apperrors.NewValidationError("notify.webhook.url", "", "required when the webhook is enabled")
	}

	if c.Coordinator.DataTimeout <= 0 {
		return apperrors.NewValidationError("coordinator.data_timeout", c.Coordinator.DataTimeout, "must be positive")
	}

	ids := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.ID == "" {
			return apperrors.NewValidationError("strategies.id", s.ID, "must not be empty")
		}
		if ids[s.ID] {
			return apperrors.NewValidationError("strategies.id", s.ID, "duplicate strategy id")
		}
		ids[s.ID] = true
		if len(s.Legs) == 0 {
			return apperrors.NewValidationError("strategies.legs", s.ID, "strategy needs at least one leg")
		}
	}

	return nil
}

// validateRegime enforces closed-open bands with no gaps or overlaps.
func (c *Config) validateRegime() error {
	bands := c.Regime.Bands
	if len(bands) == 0 {
		return apperrors.NewValidationError("regime.bands", len(bands), "at least one band is required")
	}

	sorted := append([]RegimeBand(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	for i, b := range sorted {
		if b.MaxBuyingPower < 0 || b.MaxBuyingPower > 1 {
			return apperrors.NewValidationError("regime.bands.max_buying_power", b.MaxBuyingPower, "must be in [0, 1]")
		}
		if b.Max == 0 && i != len(sorted)-1 {
			return apperrors.NewValidationError("regime.bands.max", b.Name, "only the last band may be unbounded")
		}
		if b.Max != 0 && b.Max <= b.Min {
			return apperrors.NewValidationError("regime.bands", b.Name, "max must exceed min")
		}
		if i > 0 && sorted[i-1].Max != b.Min {
			return apperrors.NewValidationError("regime.bands", b.Name,
				fmt.Sprintf("band must start at %.2f where the previous band ends", sorted[i-1].Max))
		}
	}
	return nil
}

func (c *Config) validateConcentration() error {
	cc := c.Concentration
	if cc.DefaultGroupCap < 1 {
		return apperrors.NewValidationError("concentration.default_group_cap", cc.DefaultGroupCap, "must be at least 1")
	}
	for name, cap := range cc.GroupCaps {
		if cap < 1 {
			return apperrors.NewValidationError("concentration.group_caps."+name, cap, "must be at least 1")
		}
	}

	owner := make(map[string]string)
	for group, members := range cc.Groups {
		for _, u := range members {
			if prev, ok := owner[u]; ok && prev != group {
				return apperrors.NewValidationError("concentration.groups", u,
					fmt.Sprintf("underlying belongs to both %s and %s", prev, group))
			}
			owner[u] = group
		}
	}

	if len(cc.ExposureTiers) == 0 {
		return apperrors.NewValidationError("concentration.exposure_tiers", 0, "at least one tier is required")
	}
	for _, t := range cc.ExposureTiers {
		if t.MaxExposure <= 0 {
			return apperrors.NewValidationError("concentration.exposure_tiers.max_exposure", t.MaxExposure, "must be positive")
		}
	}
	if cc.EventCeilingFactor <= 0 || cc.EventCeilingFactor > 1 {
		return apperrors.NewValidationError("concentration.event_ceiling_factor", cc.EventCeilingFactor, "must be in (0, 1]")
	}
	for _, w := range cc.Events {
		start, end, err := w.Bounds()
		if err != nil {
			return apperrors.NewValidationError("concentration.events", w.Name, err.Error())
		}
		if !end.After(start) {
			return apperrors.NewValidationError("concentration.events", w.Name, "end must be after start")
		}
	}
	return nil
}

func (c *Config) validateBreaker() error {
	b := c.Breaker
	fractions := map[string]float64{
		"breaker.daily_loss_limit":        b.DailyLossLimit,
		"breaker.weekly_loss_limit":       b.WeeklyLossLimit,
		"breaker.monthly_loss_limit":      b.MonthlyLossLimit,
		"breaker.intraday_drawdown_limit": b.IntradayDrawdownLimit,
		"breaker.loss_rate_limit":         b.LossRateLimit,
	}
	for field, v := range fractions {
		if v <= 0 || v > 1 {
			return apperrors.NewValidationError(field, v, "must be a fraction in (0, 1]")
		}
	}
	if b.MaxConsecutiveLosses < 1 {
		return apperrors.NewValidationError("breaker.max_consecutive_losses", b.MaxConsecutiveLosses, "must be at least 1")
	}
	if b.LossRateMinTrades < 1 {
		return apperrors.NewValidationError("breaker.loss_rate_min_trades", b.LossRateMinTrades, "must be at least 1")
	}
	if b.Cooldown < 0 || b.RecoveryFraction < 0 {
		return apperrors.NewValidationError("breaker", b, "cooldown and recovery_fraction must be non-negative")
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Mode == "paper"
}

// Location returns the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
