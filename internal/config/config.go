// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Broker     BrokerConfig     `yaml:"broker"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	EventLog   EventLogConfig   `yaml:"event_log"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Server     ServerConfig     `yaml:"server"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// Timezone anchors session boundaries and the weekly flatten, not
	// the host clock.
	Timezone string `yaml:"timezone"`
}

// BrokerConfig points at the paper broker. The watchdog credentials
// belong to the supervisor; when they are empty the supervisor falls
// back to the trading credentials and logs a warning.
type BrokerConfig struct {
	BaseURL           string `yaml:"base_url"`
	StreamURL         string `yaml:"stream_url"`
	APIKey            Secret `yaml:"api_key"`
	APISecret         Secret `yaml:"api_secret"`
	WatchdogAPIKey    Secret `yaml:"watchdog_api_key"`
	WatchdogAPISecret Secret `yaml:"watchdog_api_secret"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// MarketDataConfig selects the bar source and the symbol tiers.
type MarketDataConfig struct {
	Provider           string       `yaml:"provider"` // synthetic, alpaca
	BarIntervalSeconds int          `yaml:"bar_interval_seconds"`
	Focus              []string     `yaml:"focus"`
	Active             []string     `yaml:"active"`
	Universe           []string     `yaml:"universe"`
	Alpaca             AlpacaConfig `yaml:"alpaca"`
}

// AlpacaConfig holds credentials for the Alpaca market data feed.
type AlpacaConfig struct {
	APIKey    Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	Feed      string `yaml:"feed"`
}

// TradingConfig contains trading loop parameters
type TradingConfig struct {
	CycleIntervalSeconds int      `yaml:"cycle_interval_seconds"`
	MaxOpenOrders        int      `yaml:"max_open_orders"`
	OrderRatePerMinute   int      `yaml:"order_rate_per_minute"`
	RiskPerTradePct      float64  `yaml:"risk_per_trade_pct"`
	Strategies           []string `yaml:"strategies"`
	FlattenWeekday       string   `yaml:"flatten_weekday"`
	FlattenTime          string   `yaml:"flatten_time"` // HH:MM in App.Timezone
}

// RiskConfig contains the limits the gate and the supervisor enforce
type RiskConfig struct {
	InitialEquity            float64 `yaml:"initial_equity"`
	MaxDailyLossPct          float64 `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct           float64 `yaml:"max_drawdown_pct"`
	MaxConcentrationPct      float64 `yaml:"max_concentration_pct"`
	MaxOrderNotional         float64 `yaml:"max_order_notional"`
	AckTimeoutSeconds        int     `yaml:"ack_timeout_seconds"`
	ZombieAgeSeconds         int     `yaml:"zombie_age_seconds"`
	ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"`
	MaxRetries               int     `yaml:"max_retries"`
}

// SupervisorConfig contains the watchdog loop parameters
type SupervisorConfig struct {
	CycleIntervalSeconds   int `yaml:"cycle_interval_seconds"`
	GracePeriodSeconds     int `yaml:"grace_period_seconds"`
	HeartbeatStaleSeconds  int `yaml:"heartbeat_stale_seconds"`
	EtlIntervalSeconds     int `yaml:"etl_interval_seconds"`
	EquityRefreshSeconds   int `yaml:"equity_refresh_seconds"`
	PositionSyncSeconds    int `yaml:"position_sync_seconds"`
	ReconcileEverySeconds  int `yaml:"reconcile_every_seconds"`
	RestartBackoffSeconds  int `yaml:"restart_backoff_seconds"`
	MaxRestartsPerHour     int `yaml:"max_restarts_per_hour"`
	TerminateTimeoutSecond int `yaml:"terminate_timeout_seconds"`
}

// EventLogConfig controls the append-only journal
type EventLogConfig struct {
	Dir             string `yaml:"dir"`
	FsyncIntervalMs int    `yaml:"fsync_interval_ms"`
	FsyncBytes      int    `yaml:"fsync_bytes"`
}

// StoreConfig points at the analytics database
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig points at the durable mirror of the live state cache
type CacheConfig struct {
	MirrorPath string `yaml:"mirror_path"`
}

// ServerConfig controls the live dashboard endpoint
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	MinLevel         string `yaml:"min_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero values with the documented operating points.
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.Timezone == "" {
		c.App.Timezone = "America/New_York"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.MarketData.Provider == "" {
		c.MarketData.Provider = "synthetic"
	}
	if c.MarketData.BarIntervalSeconds == 0 {
		c.MarketData.BarIntervalSeconds = 60
	}
	if c.Trading.CycleIntervalSeconds == 0 {
		c.Trading.CycleIntervalSeconds = 1
	}
	if c.Trading.MaxOpenOrders == 0 {
		c.Trading.MaxOpenOrders = 50
	}
	if c.Trading.OrderRatePerMinute == 0 {
		c.Trading.OrderRatePerMinute = 20
	}
	if c.Trading.RiskPerTradePct == 0 {
		c.Trading.RiskPerTradePct = 0.01
	}
	if c.Trading.FlattenWeekday == "" {
		c.Trading.FlattenWeekday = "Friday"
	}
	if c.Trading.FlattenTime == "" {
		c.Trading.FlattenTime = "15:55"
	}
	if c.Risk.InitialEquity == 0 {
		c.Risk.InitialEquity = 100000
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 0.05
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 0.15
	}
	if c.Risk.MaxConcentrationPct == 0 {
		c.Risk.MaxConcentrationPct = 0.25
	}
	if c.Risk.AckTimeoutSeconds == 0 {
		c.Risk.AckTimeoutSeconds = 3
	}
	if c.Risk.ZombieAgeSeconds == 0 {
		c.Risk.ZombieAgeSeconds = 300
	}
	if c.Risk.ReconcileIntervalSeconds == 0 {
		c.Risk.ReconcileIntervalSeconds = 30
	}
	if c.Risk.MaxRetries == 0 {
		c.Risk.MaxRetries = 3
	}
	if c.Supervisor.CycleIntervalSeconds == 0 {
		c.Supervisor.CycleIntervalSeconds = 5
	}
	if c.Supervisor.GracePeriodSeconds == 0 {
		c.Supervisor.GracePeriodSeconds = 10
	}
	if c.Supervisor.HeartbeatStaleSeconds == 0 {
		c.Supervisor.HeartbeatStaleSeconds = 30
	}
	if c.Supervisor.EtlIntervalSeconds == 0 {
		c.Supervisor.EtlIntervalSeconds = 60
	}
	if c.Supervisor.EquityRefreshSeconds == 0 {
		c.Supervisor.EquityRefreshSeconds = 5
	}
	if c.Supervisor.PositionSyncSeconds == 0 {
		c.Supervisor.PositionSyncSeconds = 60
	}
	if c.Supervisor.ReconcileEverySeconds == 0 {
		c.Supervisor.ReconcileEverySeconds = 300
	}
	if c.Supervisor.RestartBackoffSeconds == 0 {
		c.Supervisor.RestartBackoffSeconds = 15
	}
	if c.Supervisor.MaxRestartsPerHour == 0 {
		c.Supervisor.MaxRestartsPerHour = 4
	}
	if c.Supervisor.TerminateTimeoutSecond == 0 {
		c.Supervisor.TerminateTimeoutSecond = 10
	}
	if c.EventLog.Dir == "" {
		c.EventLog.Dir = "data/eventlog"
	}
	if c.EventLog.FsyncIntervalMs == 0 {
		c.EventLog.FsyncIntervalMs = 100
	}
	if c.EventLog.FsyncBytes == 0 {
		c.EventLog.FsyncBytes = 64 * 1024
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/papertrade.db"
	}
	if c.Cache.MirrorPath == "" {
		c.Cache.MirrorPath = "data/statecache.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Alerts.MinLevel == "" {
		c.Alerts.MinLevel = "WARNING"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateBrokerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateMarketDataConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return ValidationError{
			Field:   "app.timezone",
			Value:   c.App.Timezone,
			Message: "unknown timezone",
		}
	}

	return nil
}

func (c *Config) validateBrokerConfig() error {
	if c.Broker.BaseURL == "" {
		return ValidationError{
			Field:   "broker.base_url",
			Message: "broker base URL is required",
		}
	}
	if c.Broker.StreamURL == "" {
		return ValidationError{
			Field:   "broker.stream_url",
			Message: "broker stream URL is required",
		}
	}
	if c.Broker.APIKey == "" {
		return ValidationError{
			Field:   "broker.api_key",
			Message: "API key is required",
		}
	}
	if c.Broker.APISecret == "" {
		return ValidationError{
			Field:   "broker.api_secret",
			Message: "API secret is required",
		}
	}
	return nil
}

func (c *Config) validateMarketDataConfig() error {
	validProviders := []string{"synthetic", "alpaca"}
	if !contains(validProviders, c.MarketData.Provider) {
		return ValidationError{
			Field:   "market_data.provider",
			Value:   c.MarketData.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validProviders, ", ")),
		}
	}

	if c.MarketData.Provider == "alpaca" {
		if c.MarketData.Alpaca.APIKey == "" || c.MarketData.Alpaca.APISecret == "" {
			return ValidationError{
				Field:   "market_data.alpaca",
				Message: "alpaca credentials required when provider is alpaca",
			}
		}
	}

	if len(c.MarketData.Focus) == 0 {
		return ValidationError{
			Field:   "market_data.focus",
			Message: "at least one focus symbol is required",
		}
	}

	// A symbol's tier decides how its bars may be used downstream, so
	// no symbol may appear in two tiers.
	seen := map[string]string{}
	for tier, symbols := range map[string][]string{
		"focus":    c.MarketData.Focus,
		"active":   c.MarketData.Active,
		"universe": c.MarketData.Universe,
	} {
		for _, s := range symbols {
			if prev, dup := seen[s]; dup {
				return ValidationError{
					Field:   fmt.Sprintf("market_data.%s", tier),
					Value:   s,
					Message: fmt.Sprintf("symbol already assigned to tier %s", prev),
				}
			}
			seen[s] = tier
		}
	}

	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.MaxOpenOrders <= 0 {
		return ValidationError{
			Field:   "trading.max_open_orders",
			Value:   c.Trading.MaxOpenOrders,
			Message: "must be positive",
		}
	}
	if c.Trading.OrderRatePerMinute <= 0 {
		return ValidationError{
			Field:   "trading.order_rate_per_minute",
			Value:   c.Trading.OrderRatePerMinute,
			Message: "must be positive",
		}
	}
	if c.Trading.RiskPerTradePct <= 0 || c.Trading.RiskPerTradePct > 0.10 {
		return ValidationError{
			Field:   "trading.risk_per_trade_pct",
			Value:   c.Trading.RiskPerTradePct,
			Message: "must be in (0, 0.10]",
		}
	}
	if _, err := time.Parse("15:04", c.Trading.FlattenTime); err != nil {
		return ValidationError{
			Field:   "trading.flatten_time",
			Value:   c.Trading.FlattenTime,
			Message: "must be HH:MM",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.InitialEquity <= 0 {
		return ValidationError{
			Field:   "risk.initial_equity",
			Value:   c.Risk.InitialEquity,
			Message: "must be positive",
		}
	}
	for field, v := range map[string]float64{
		"risk.max_daily_loss_pct":    c.Risk.MaxDailyLossPct,
		"risk.max_drawdown_pct":      c.Risk.MaxDrawdownPct,
		"risk.max_concentration_pct": c.Risk.MaxConcentrationPct,
	} {
		if v <= 0 || v >= 1 {
			return ValidationError{
				Field:   field,
				Value:   v,
				Message: "must be a fraction in (0, 1)",
			}
		}
	}
	if c.Risk.AckTimeoutSeconds <= 0 {
		return ValidationError{
			Field:   "risk.ack_timeout_seconds",
			Value:   c.Risk.AckTimeoutSeconds,
			Message: "must be positive",
		}
	}
	if c.Risk.ZombieAgeSeconds <= c.Risk.AckTimeoutSeconds {
		return ValidationError{
			Field:   "risk.zombie_age_seconds",
			Value:   c.Risk.ZombieAgeSeconds,
			Message: "must exceed ack_timeout_seconds",
		}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be a valid TCP port",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BROKER_API_KEY", "BROKER_API_SECRET",
		"WATCHDOG_API_KEY", "WATCHDOG_API_SECRET",
		"ALPACA_API_KEY", "ALPACA_API_SECRET",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			Name:     "papertrade",
			LogLevel: "INFO",
			Timezone: "America/New_York",
		},
		Broker: BrokerConfig{
			BaseURL:   "http://localhost:9100",
			StreamURL: "ws://localhost:9100/stream",
			APIKey:    "test_api_key",
			APISecret: "test_api_secret",
		},
		MarketData: MarketDataConfig{
			Provider: "synthetic",
			Focus:    []string{"AAPL", "MSFT"},
			Active:   []string{"NVDA"},
			Universe: []string{"SPY"},
		},
		Trading: TradingConfig{
			Strategies: []string{"ema_cross", "rsi_reversion"},
		},
		Alerts: AlertsConfig{
			MinLevel: "WARNING",
		},
	}
	cfg.applyDefaults()
	return cfg
}
