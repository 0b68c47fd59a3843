package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	// Create a temporary config file with env var placeholders
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  name: "papertrade"
  log_level: "INFO"

broker:
  base_url: "http://localhost:9100"
  stream_url: "ws://localhost:9100/stream"
  api_key: "${TEST_BROKER_API_KEY}"
  api_secret: "${TEST_BROKER_API_SECRET}"

market_data:
  provider: "synthetic"
  focus: ["AAPL", "MSFT"]
  active: ["NVDA"]
  universe: ["SPY", "QQQ"]

trading:
  max_open_orders: 50
  order_rate_per_minute: 20
  strategies: ["ema_cross"]
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	// Set environment variables
	os.Setenv("TEST_BROKER_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BROKER_API_SECRET", "test_secret_from_env")
	defer os.Unsetenv("TEST_BROKER_API_KEY")
	defer os.Unsetenv("TEST_BROKER_API_SECRET")

	// Load config
	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	// Verify environment variables were expanded
	assert.Equal(t, Secret("test_api_key_from_env"), config.Broker.APIKey)
	assert.Equal(t, Secret("test_secret_from_env"), config.Broker.APISecret)

	// Defaults fill in everything the file left out
	assert.Equal(t, "America/New_York", config.App.Timezone)
	assert.Equal(t, 3, config.Risk.AckTimeoutSeconds)
	assert.Equal(t, 300, config.Risk.ZombieAgeSeconds)
	assert.Equal(t, 30, config.Risk.ReconcileIntervalSeconds)
	assert.Equal(t, 5, config.Supervisor.CycleIntervalSeconds)
	assert.Equal(t, 100, config.EventLog.FsyncIntervalMs)
	assert.Equal(t, 64*1024, config.EventLog.FsyncBytes)
	assert.Equal(t, "Friday", config.Trading.FlattenWeekday)
	assert.Equal(t, "15:55", config.Trading.FlattenTime)
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"broker api key is critical", "BROKER_API_KEY", true},
		{"broker secret is critical", "BROKER_API_SECRET", true},
		{"watchdog api key is critical", "WATCHDOG_API_KEY", true},
		{"alpaca api key is critical", "ALPACA_API_KEY", true},
		{"random var is not critical", "SOME_RANDOM_VAR", false},
		{"path is not critical", "PATH", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isCriticalEnvVar(tt.envVar))
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Trading.MaxOpenOrders)
	assert.Equal(t, 0.05, cfg.Risk.MaxDailyLossPct)
	assert.Equal(t, 0.15, cfg.Risk.MaxDrawdownPct)
	assert.Equal(t, 0.25, cfg.Risk.MaxConcentrationPct)
}

func TestValidateRejectsTierOverlap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketData.Universe = append(cfg.MarketData.Universe, "AAPL") // already in focus

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already assigned to tier")
}

func TestValidateRejectsMissingBroker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.BaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.base_url")
}

func TestValidateRejectsBadFlattenTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.FlattenTime = "25:99"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.flatten_time")
}

func TestValidateRejectsZombieBelowAck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.AckTimeoutSeconds = 300
	cfg.Risk.ZombieAgeSeconds = 10

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zombie_age_seconds")
}

func TestValidateRejectsAlpacaWithoutCreds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketData.Provider = "alpaca"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpaca credentials required")
}

func TestConfigStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.APIKey = "super-secret-key"

	out := cfg.String()
	assert.False(t, strings.Contains(out, "super-secret-key"), "secret leaked into config dump")
	assert.Contains(t, out, "[REDACTED]")
}
