package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnayoung/go-candle-ingestor/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoader(path string, env map[string]string) *Loader {
	l := NewLoader(path, createTestLogger())
	l.getenv = func(key string) string { return env[key] }
	return l
}

var positional = Overrides{Symbol: "tBTCUSD", Timeframe: "1m", Table: "candles_btc_1m"}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := newTestLoader("", nil).Load(positional)
	require.NoError(t, err)

	assert.Equal(t, "https://api.bitfinex.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 30, cfg.Exchange.RequestsPerMinute)

	assert.Equal(t, "mysql", cfg.Storage.Driver)
	assert.Equal(t, "localhost", cfg.Storage.Host)
	assert.Equal(t, "root", cfg.Storage.User)
	assert.Equal(t, "candle", cfg.Storage.Database)
	assert.True(t, cfg.Storage.AutoCreate)

	assert.Equal(t, "tBTCUSD", cfg.Ingest.Symbol)
	assert.Equal(t, "1m", cfg.Ingest.Timeframe)
	assert.Equal(t, "candles_btc_1m", cfg.Ingest.Table)
	assert.Equal(t, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Ingest.StartTime())
	assert.Equal(t, 5*time.Second, cfg.Ingest.SaveInterval)
	assert.Equal(t, 10*time.Second, cfg.Ingest.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Ingest.RelaxedPollInterval)
	assert.Equal(t, 60*time.Second, cfg.Ingest.MinGap)
	assert.Equal(t, 60*time.Second, cfg.Ingest.RateLimitBackoff)
	assert.Equal(t, "none", cfg.Ingest.RetryStrategy)
	assert.Zero(t, cfg.Ingest.MaxWindowAttempts)
	assert.Equal(t, 1, cfg.Ingest.CaughtUpThreshold)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)

	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	tf, err := cfg.Ingest.ParsedTimeframe()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Minute, tf.WindowDuration())
}

func TestLoad_File(t *testing.T) {
	path := writeConfigFile(t, `
exchange:
  requests_per_minute: 20
storage:
  driver: postgres
  host: db.internal
  password: hunter2
  auto_create: false
ingest:
  symbol: tETHUSD
  timeframe: 1h
  table: eth_1h
  save_interval: 2s
  max_window_attempts: 12
  start_date: "2020-03-01T00:00:00Z"
logging:
  level: WARNING
  format: json
metrics:
  enabled: true
  listen: "127.0.0.1:9100"
`)

	cfg, err := newTestLoader(path, nil).Load(Overrides{})
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Exchange.RequestsPerMinute)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "db.internal", cfg.Storage.Host)
	assert.False(t, cfg.Storage.AutoCreate)
	assert.Equal(t, "tETHUSD", cfg.Ingest.Symbol)
	assert.Equal(t, 2*time.Second, cfg.Ingest.SaveInterval)
	assert.Equal(t, 10*time.Second, cfg.Ingest.PollInterval, "unset keys keep defaults")
	assert.Equal(t, 12, cfg.Ingest.MaxWindowAttempts)
	assert.Equal(t, time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), cfg.Ingest.StartTime())
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)

	conn := cfg.Storage.ConnectionConfig()
	assert.Equal(t, 5432, conn.Port)
	assert.Equal(t, "hunter2", conn.Password)
}

func TestLoad_Priority(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  host: from-file
ingest:
  symbol: tFILE
  timeframe: 5m
  table: from_file
logging:
  level: debug
`)

	env := map[string]string{
		"CANDLES_DB_HOST":   "from-env",
		"CANDLES_SYMBOL":    "tENV",
		"CANDLES_LOG_LEVEL": "error",
		"CANDLES_DB_PORT":   "3307",
	}

	cfg, err := newTestLoader(path, env).Load(Overrides{Symbol: "tCLI", LogLevel: "INFO"})
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Storage.Host)
	assert.Equal(t, 3307, cfg.Storage.Port)
	assert.Equal(t, "tCLI", cfg.Ingest.Symbol)
	assert.Equal(t, "5m", cfg.Ingest.Timeframe)
	assert.Equal(t, "from_file", cfg.Ingest.Table)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := newTestLoader(filepath.Join(t.TempDir(), "absent.yaml"), nil).Load(positional)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		env       map[string]string
		overrides Overrides
		contains  string
	}{
		{
			name:      "missing positional values",
			overrides: Overrides{},
			contains:  "ingest.symbol is required",
		},
		{
			name:      "invalid timeframe",
			overrides: Overrides{Symbol: "tBTCUSD", Timeframe: "5x", Table: "t"},
			contains:  "is not a valid timeframe",
		},
		{
			name:      "invalid table",
			overrides: Overrides{Symbol: "tBTCUSD", Timeframe: "1m", Table: "drop table;"},
			contains:  "is not a valid table name",
		},
		{
			name:      "unknown driver",
			env:       map[string]string{"CANDLES_DB_DRIVER": "oracle"},
			overrides: positional,
			contains:  "storage.driver must be one of",
		},
		{
			name:      "duckdb without path",
			env:       map[string]string{"CANDLES_DB_DRIVER": "duckdb"},
			overrides: positional,
			contains:  "storage.path is required",
		},
		{
			name:      "file output without path",
			env:       map[string]string{"CANDLES_LOG_OUTPUT": "file"},
			overrides: positional,
			contains:  "logging.file_path is required",
		},
		{
			name:      "bad env integer",
			env:       map[string]string{"CANDLES_DB_PORT": "abc"},
			overrides: positional,
			contains:  "CANDLES_DB_PORT",
		},
		{
			name:      "bad env duration",
			env:       map[string]string{"CANDLES_SAVE_INTERVAL": "soon"},
			overrides: positional,
			contains:  "CANDLES_SAVE_INTERVAL",
		},
		{
			name:      "bad start date",
			file:      "ingest:\n  start_date: yesterday\n",
			overrides: positional,
			contains:  "must be an RFC 3339 timestamp",
		},
		{
			name:      "negative attempts",
			file:      "ingest:\n  max_window_attempts: -1\n",
			overrides: positional,
			contains:  "ingest.max_window_attempts must be gte 0",
		},
		{
			name:      "zero rate limit backoff",
			file:      "ingest:\n  rate_limit_backoff: 0s\n",
			overrides: positional,
			contains:  "ingest.rate_limit_backoff must be gt 0",
		},
		{
			name:      "zero save interval",
			env:       map[string]string{"CANDLES_SAVE_INTERVAL": "0s"},
			overrides: positional,
			contains:  "ingest.save_interval must be gt 0",
		},
		{
			name:      "malformed yaml",
			file:      "ingest: [",
			overrides: positional,
			contains:  "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			}

			_, err := newTestLoader(path, tt.env).Load(tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoad_ReportsAllViolations(t *testing.T) {
	env := map[string]string{
		"CANDLES_DB_DRIVER":  "oracle",
		"CANDLES_LOG_FORMAT": "xml",
	}
	_, err := newTestLoader("", env).Load(positional)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestNormalizeLevel(t *testing.T) {
	tests := map[string]string{
		"DEBUG":    "debug",
		"INFO":     "info",
		"":         "info",
		"WARNING":  "warn",
		"warn":     "warn",
		"ERROR":    "error",
		"CRITICAL": "error",
		"verbose":  "verbose",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLevel(in), in)
	}
}

func TestStorageConnectionConfig(t *testing.T) {
	mysqlCfg := StorageConfig{Driver: storage.DriverMySQL, Host: "h"}
	assert.Equal(t, 3306, mysqlCfg.ConnectionConfig().Port)

	pgCfg := StorageConfig{Driver: storage.DriverPostgres, Port: 6543}
	assert.Equal(t, 6543, pgCfg.ConnectionConfig().Port)

	duck := StorageConfig{Driver: storage.DriverDuckDB, Path: "/tmp/c.duckdb"}
	assert.Equal(t, "/tmp/c.duckdb", duck.ConnectionConfig().Path)
}

func TestConfigString(t *testing.T) {
	cfg, err := newTestLoader("", map[string]string{"CANDLES_DB_PASSWORD": "s3cret"}).Load(positional)
	require.NoError(t, err)
	assert.NotContains(t, cfg.String(), "s3cret")
	assert.Contains(t, cfg.String(), "tBTCUSD")
}
