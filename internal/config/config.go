// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/risk"
	"github.com/eddiefleurent/kistrend/internal/universe"
)

// Default values applied by Normalize when the corresponding key is unset.
const (
	defaultIntervalSeconds         = 60
	minIntervalSeconds             = 15
	defaultNearStopIntervalSeconds = 15
	defaultOrderExecutionTimeout   = 45 * time.Second
	defaultGapThresholdPct         = 3.0
	defaultGapEpsilonPct           = 0.2
	defaultMaxPositions            = 5
	defaultMaxStocks               = 5
	defaultUniverseSize            = 20
	defaultLockStaleSeconds        = 3600
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Universe    UniverseConfig    `yaml:"universe"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Notifier    NotifierConfig    `yaml:"notifier"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // DRY_RUN | PAPER | REAL
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	AppKey    string `yaml:"app_key"`
	AppSecret string `yaml:"app_secret"`
	AccountID string `yaml:"account_id"`
	Feed      string `yaml:"feed"` // rest | ws
}

// ScheduleConfig defines cycle cadence and execution timeouts.
type ScheduleConfig struct {
	IntervalSeconds         int           `yaml:"interval_seconds"`
	NearStopIntervalSeconds int           `yaml:"near_stop_interval_seconds"`
	OrderExecutionTimeout   time.Duration `yaml:"order_execution_timeout"`
	GapThresholdPct         float64       `yaml:"gap_threshold_pct"`
	GapEpsilonPct           float64       `yaml:"gap_epsilon_pct"`
}

// RiskConfig defines risk management parameters, matching internal/risk's
// Config vocabulary in snake_case.
type RiskConfig struct {
	PerTradeLossCapPct    float64 `yaml:"per_trade_loss_cap_pct"`
	DailyMaxLossPct       float64 `yaml:"daily_max_loss_pct"`
	CumulativeDDPct       float64 `yaml:"cumulative_dd_pct"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
	DailyMaxTrades        int     `yaml:"daily_max_trades"`
	MaxPositions          int     `yaml:"max_positions"`
	EnforceSingleInstance bool    `yaml:"enforce_single_instance"`
	LockStaleSeconds      int     `yaml:"lock_stale_seconds"`
}

// UniverseConfig defines universe selection parameters.
type UniverseConfig struct {
	Method               string   `yaml:"method"`
	FixedList            []string `yaml:"fixed_list"`
	MaxStocks            int      `yaml:"max_stocks"`
	UniverseSize         int      `yaml:"universe_size"`
	MinVolume            int64    `yaml:"min_volume"`
	MaxSessionChangePct  float64  `yaml:"max_session_change_pct"`
	MinATRPct            float64  `yaml:"min_atr_pct"`
	MaxATRPct            float64  `yaml:"max_atr_pct"`
	ATRPeriod            int      `yaml:"atr_period"`
	HaltOnFallbackInReal bool     `yaml:"halt_on_fallback_in_real"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	DataDir      string `yaml:"data_dir"`
}

// DashboardConfig defines web dashboard settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// NotifierConfig defines notification channel settings.
type NotifierConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	WebhookURL       string `yaml:"webhook_url"`
}

// Load reads and parses the configuration file from the specified path,
// normalizes defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Normalize sets default values for configuration fields left unset.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = string(models.ModePaper)
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if strings.TrimSpace(c.Broker.Feed) == "" {
		c.Broker.Feed = "rest"
	}
	if strings.TrimSpace(c.Broker.BaseURL) == "" {
		if models.Mode(c.Environment.Mode) == models.ModeReal {
			c.Broker.BaseURL = "https://openapi.koreainvestment.com:9443"
		} else {
			c.Broker.BaseURL = "https://openapivts.koreainvestment.com:29443"
		}
	}
	if c.Schedule.IntervalSeconds == 0 {
		c.Schedule.IntervalSeconds = defaultIntervalSeconds
	}
	if c.Schedule.NearStopIntervalSeconds == 0 {
		c.Schedule.NearStopIntervalSeconds = defaultNearStopIntervalSeconds
	}
	if c.Schedule.OrderExecutionTimeout == 0 {
		c.Schedule.OrderExecutionTimeout = defaultOrderExecutionTimeout
	}
	if c.Schedule.GapThresholdPct == 0 {
		c.Schedule.GapThresholdPct = defaultGapThresholdPct
	}
	if c.Schedule.GapEpsilonPct == 0 {
		c.Schedule.GapEpsilonPct = defaultGapEpsilonPct
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = defaultMaxPositions
	}
	if c.Risk.LockStaleSeconds == 0 {
		c.Risk.LockStaleSeconds = defaultLockStaleSeconds
	}
	if strings.TrimSpace(c.Universe.Method) == "" {
		c.Universe.Method = "fixed"
	}
	if c.Universe.MaxStocks == 0 {
		c.Universe.MaxStocks = defaultMaxStocks
	}
	if c.Universe.UniverseSize == 0 {
		c.Universe.UniverseSize = defaultUniverseSize
	}
	if strings.TrimSpace(c.Storage.DatabasePath) == "" {
		c.Storage.DatabasePath = "data/trading.db"
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = "data"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 9847
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch models.Mode(c.Environment.Mode) {
	case models.ModeDryRun, models.ModePaper, models.ModeReal:
	default:
		return fmt.Errorf("environment.mode must be DRY_RUN, PAPER, or REAL")
	}

	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if c.Environment.Mode != string(models.ModeDryRun) {
		if strings.TrimSpace(c.Broker.AppKey) == "" {
			return fmt.Errorf("broker.app_key is required outside DRY_RUN mode")
		}
		if strings.TrimSpace(c.Broker.AccountID) == "" {
			return fmt.Errorf("broker.account_id is required outside DRY_RUN mode")
		}
	}
	switch strings.ToLower(c.Broker.Feed) {
	case "rest", "ws":
	default:
		return fmt.Errorf("broker.feed must be 'rest' or 'ws'")
	}

	if c.Schedule.IntervalSeconds < minIntervalSeconds {
		return fmt.Errorf("schedule.interval_seconds must be >= %d", minIntervalSeconds)
	}
	if c.Schedule.NearStopIntervalSeconds <= 0 {
		return fmt.Errorf("schedule.near_stop_interval_seconds must be > 0")
	}
	if c.Schedule.OrderExecutionTimeout <= 0 {
		return fmt.Errorf("schedule.order_execution_timeout must be > 0")
	}
	if c.Schedule.GapThresholdPct <= 0 {
		return fmt.Errorf("schedule.gap_threshold_pct must be > 0")
	}
	if c.Schedule.GapEpsilonPct < 0 {
		return fmt.Errorf("schedule.gap_epsilon_pct must be >= 0")
	}

	if c.Risk.DailyMaxLossPct <= 0 {
		return fmt.Errorf("risk.daily_max_loss_pct must be > 0")
	}
	if c.Risk.CumulativeDDPct <= 0 {
		return fmt.Errorf("risk.cumulative_dd_pct must be > 0")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	if c.Risk.DailyMaxTrades <= 0 {
		return fmt.Errorf("risk.daily_max_trades must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}

	switch universe.Method(c.Universe.Method) {
	case universe.MethodFixed, universe.MethodVolumeTop, universe.MethodATRFilter, universe.MethodCombined:
	default:
		return fmt.Errorf("universe.method must be one of fixed, volume_top, atr_filter, combined")
	}
	if c.Universe.MaxStocks <= 0 {
		return fmt.Errorf("universe.max_stocks must be > 0")
	}
	if c.Universe.Method == string(universe.MethodFixed) && len(c.Universe.FixedList) == 0 {
		return fmt.Errorf("universe.fixed_list is required when universe.method is 'fixed'")
	}

	if strings.TrimSpace(c.Storage.DatabasePath) == "" {
		return fmt.Errorf("storage.database_path is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	return nil
}

// Mode returns the configured trading mode.
func (c *Config) Mode() models.Mode {
	return models.Mode(c.Environment.Mode)
}

// ToRiskConfig translates the loaded risk/schedule settings into
// internal/risk's Config, so cmd/bot wires a single loaded configuration
// into every collaborator.
func (c *Config) ToRiskConfig() risk.Config {
	cfg := risk.DefaultConfig
	cfg.PerTradeLossCapPct = c.Risk.PerTradeLossCapPct
	cfg.DailyMaxLossPct = c.Risk.DailyMaxLossPct
	cfg.CumulativeDrawdownPct = c.Risk.CumulativeDDPct
	cfg.MaxConsecutiveLosses = c.Risk.MaxConsecutiveLosses
	cfg.DailyMaxTrades = c.Risk.DailyMaxTrades
	cfg.LockStaleAfter = time.Duration(c.Risk.LockStaleSeconds) * time.Second
	cfg.LockPath = c.Storage.DataDir + "/instance.lock"
	cfg.KillSwitchPath = c.Storage.DataDir + "/KILL_SWITCH"
	return cfg
}

// ToUniverseConfig translates the loaded universe settings into
// internal/universe's Config.
func (c *Config) ToUniverseConfig() universe.Config {
	cfg := universe.DefaultConfig
	cfg.Method = universe.Method(c.Universe.Method)
	cfg.FixedList = c.Universe.FixedList
	cfg.MaxStocks = c.Universe.MaxStocks
	cfg.MinVolume = c.Universe.MinVolume
	if c.Universe.MaxSessionChangePct > 0 {
		cfg.MaxSessionChangePct = c.Universe.MaxSessionChangePct
	}
	if c.Universe.MinATRPct > 0 {
		cfg.MinATRPct = c.Universe.MinATRPct
	}
	if c.Universe.MaxATRPct > 0 {
		cfg.MaxATRPct = c.Universe.MaxATRPct
	}
	if c.Universe.ATRPeriod > 0 {
		cfg.ATRPeriod = c.Universe.ATRPeriod
	}
	cfg.HaltOnFallbackInReal = c.Universe.HaltOnFallbackInReal
	return cfg
}

// CheckInterval returns the configured base cycle interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Schedule.IntervalSeconds) * time.Second
}

// NearStopInterval returns the fast cadence used inside the near-stop band.
func (c *Config) NearStopInterval() time.Duration {
	return time.Duration(c.Schedule.NearStopIntervalSeconds) * time.Second
}
