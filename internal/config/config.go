// Package config loads the ingestor configuration from defaults, an optional
// YAML file, CANDLES_* environment variables and command line arguments, in
// increasing order of priority, and validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/johnayoung/go-candle-ingestor/internal/storage"
	"github.com/johnayoung/go-candle-ingestor/internal/timeframe"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CANDLES_"

// Config represents the complete application configuration
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Storage  StorageConfig  `yaml:"storage"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ExchangeConfig configures the Bitfinex adapter
type ExchangeConfig struct {
	BaseURL           string        `yaml:"base_url" default:"https://api.bitfinex.com" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" default:"30s" validate:"gt=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" default:"30" validate:"gt=0"`
}

// StorageConfig configures the candle store
type StorageConfig struct {
	Driver     string            `yaml:"driver" default:"mysql" validate:"oneof=mysql postgres duckdb memory"`
	Host       string            `yaml:"host" default:"localhost"`
	Port       int               `yaml:"port" validate:"gte=0,lte=65535"` // 0 selects the driver's default port
	User       string            `yaml:"user" default:"root"`
	Password   string            `yaml:"password"`
	Database   string            `yaml:"database" default:"candle"`
	DSN        string            `yaml:"dsn"`
	Path       string            `yaml:"path" validate:"required_if=Driver duckdb"`
	Params     map[string]string `yaml:"params"`
	AutoCreate bool              `yaml:"auto_create" default:"true"`
}

// IngestConfig configures the ingestion loop
type IngestConfig struct {
	Symbol    string `yaml:"symbol" validate:"required"`
	Timeframe string `yaml:"timeframe" validate:"required,timeframe"`
	Table     string `yaml:"table" validate:"required,sqlident"`

	// StartDate is where an empty table starts backfilling (RFC 3339).
	StartDate string `yaml:"start_date" default:"2017-01-01T00:00:00Z" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`

	SaveInterval        time.Duration `yaml:"save_interval" default:"5s" validate:"gt=0"`
	PollInterval        time.Duration `yaml:"poll_interval" default:"10s" validate:"gt=0"`
	RelaxedPollInterval time.Duration `yaml:"relaxed_poll_interval" default:"30s" validate:"gt=0"`
	MinGap              time.Duration `yaml:"min_gap" default:"60s" validate:"gt=0"`
	RateLimitBackoff    time.Duration `yaml:"rate_limit_backoff" default:"60s" validate:"gt=0"`

	// RetryStrategy adds a delay on top of SaveInterval after a failed window.
	RetryStrategy  string        `yaml:"retry_strategy" default:"none" validate:"oneof=none fixed linear exponential"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" default:"5s" validate:"gte=0"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" default:"60s" validate:"gte=0"`

	// MaxWindowAttempts ends the cycle after this many consecutive failures of
	// one window. 0 retries forever.
	MaxWindowAttempts int `yaml:"max_window_attempts" validate:"gte=0"`

	// CaughtUpThreshold is the fetched-candle count at or below which the
	// feed is considered caught up.
	CaughtUpThreshold int `yaml:"caught_up_threshold" default:"1" validate:"gte=1"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"text" validate:"oneof=json text"`
	Output     string `yaml:"output" default:"stdout" validate:"oneof=stdout stderr file"`
	FilePath   string `yaml:"file_path" validate:"required_if=Output file"`
	MaxSize    int    `yaml:"max_size" default:"100" validate:"gte=0"`  // megabytes
	MaxBackups int    `yaml:"max_backups" default:"3" validate:"gte=0"` // files
	MaxAge     int    `yaml:"max_age" default:"28" validate:"gte=0"`    // days
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" default:":9090" validate:"omitempty,hostname_port"`
	Path    string `yaml:"path" default:"/metrics" validate:"startswith=/"`
}

// Overrides carries the positional command line arguments. Empty fields
// leave the loaded value untouched.
type Overrides struct {
	Symbol    string
	Timeframe string
	Table     string
	LogLevel  string
}

// Loader loads configuration the way the command does.
type Loader struct {
	path   string
	logger *slog.Logger
	getenv func(string) string
}

// NewLoader creates a loader for the given file. A missing file is not an
// error; defaults and environment still apply.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger, getenv: os.Getenv}
}

// Load loads configuration with priority order:
// 1. Command line overrides (highest priority)
// 2. Environment variables
// 3. Configuration file
// 4. Default values (lowest priority)
func (l *Loader) Load(overrides Overrides) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if l.path != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	applyOverrides(cfg, overrides)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	l.logger.Debug("configuration loaded",
		"config_path", l.path,
		"storage_driver", cfg.Storage.Driver,
		"symbol", cfg.Ingest.Symbol,
		"timeframe", cfg.Ingest.Timeframe,
		"table", cfg.Ingest.Table)

	return cfg, nil
}

// Load is a convenience wrapper around NewLoader(path, nil).Load.
func Load(path string, overrides Overrides) (*Config, error) {
	return NewLoader(path, nil).Load(overrides)
}

// loadFromFile merges a YAML file over the defaults
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Debug("config file does not exist, using defaults", "path", l.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}

	l.logger.Debug("loaded configuration from file", "path", l.path)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (l *Loader) loadFromEnv(cfg *Config) error {
	var errs []string

	str := func(name string, dst *string) {
		if val := l.getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val := l.getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if val := l.getenv(EnvPrefix + name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := l.getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	// Exchange
	str("EXCHANGE_BASE_URL", &cfg.Exchange.BaseURL)
	duration("EXCHANGE_TIMEOUT", &cfg.Exchange.Timeout)
	integer("EXCHANGE_REQUESTS_PER_MINUTE", &cfg.Exchange.RequestsPerMinute)

	// Storage
	str("DB_DRIVER", &cfg.Storage.Driver)
	str("DB_HOST", &cfg.Storage.Host)
	integer("DB_PORT", &cfg.Storage.Port)
	str("DB_USER", &cfg.Storage.User)
	str("DB_PASSWORD", &cfg.Storage.Password)
	str("DB_NAME", &cfg.Storage.Database)
	str("DB_DSN", &cfg.Storage.DSN)
	str("DB_PATH", &cfg.Storage.Path)
	boolean("DB_AUTO_CREATE", &cfg.Storage.AutoCreate)

	// Ingest
	str("SYMBOL", &cfg.Ingest.Symbol)
	str("TIMEFRAME", &cfg.Ingest.Timeframe)
	str("TABLE", &cfg.Ingest.Table)
	str("START_DATE", &cfg.Ingest.StartDate)
	duration("SAVE_INTERVAL", &cfg.Ingest.SaveInterval)
	duration("POLL_INTERVAL", &cfg.Ingest.PollInterval)
	integer("MAX_WINDOW_ATTEMPTS", &cfg.Ingest.MaxWindowAttempts)

	// Logging
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_OUTPUT", &cfg.Logging.Output)
	str("LOG_FILE_PATH", &cfg.Logging.FilePath)

	// Metrics
	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_LISTEN", &cfg.Metrics.Listen)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment variables:\n- %s", strings.Join(errs, "\n- "))
	}

	cfg.Logging.Level = NormalizeLevel(cfg.Logging.Level)
	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Symbol != "" {
		cfg.Ingest.Symbol = o.Symbol
	}
	if o.Timeframe != "" {
		cfg.Ingest.Timeframe = o.Timeframe
	}
	if o.Table != "" {
		cfg.Ingest.Table = o.Table
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = NormalizeLevel(o.LogLevel)
	}
}

// NormalizeLevel maps level names case-insensitively onto debug, info, warn
// and error. WARNING and CRITICAL are accepted for compatibility with
// conventional level names.
func NormalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info", "":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error", "critical", "fatal":
		return "error"
	default:
		return level
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		_, err := timeframe.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return storage.ValidateTableName(fl.Field().String()) == nil
	})

	return v
}

// Validate checks the configuration for consistency and required fields and
// reports every violation at once.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, describe(e))
	}
	return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(messages, "\n- "))
}

func describe(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(e.Param(), " ", ", "))
	case "timeframe":
		return fmt.Sprintf("%s %q is not a valid timeframe (e.g. 1m, 3h, 1D, 1M)", field, e.Value())
	case "sqlident":
		return fmt.Sprintf("%s %q is not a valid table name", field, e.Value())
	case "datetime":
		return fmt.Sprintf("%s %q must be an RFC 3339 timestamp", field, e.Value())
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// StartTime returns StartDate parsed as a UTC time.
func (c IngestConfig) StartTime() time.Time {
	t, err := time.Parse(time.RFC3339, c.StartDate)
	if err != nil {
		return time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UTC()
}

// ParsedTimeframe returns the parsed timeframe. Validate guarantees it parses.
func (c IngestConfig) ParsedTimeframe() (timeframe.Timeframe, error) {
	return timeframe.Parse(c.Timeframe)
}

// ConnectionConfig converts the storage section into a storage connection
// configuration, filling in the driver's default port.
func (c StorageConfig) ConnectionConfig() storage.ConnectionConfig {
	port := c.Port
	if port == 0 {
		switch c.Driver {
		case storage.DriverPostgres:
			port = 5432
		default:
			port = 3306
		}
	}
	return storage.ConnectionConfig{
		Driver:   c.Driver,
		Host:     c.Host,
		Port:     port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		DSN:      c.DSN,
		Path:     c.Path,
		Params:   c.Params,
	}
}

// String returns a log-safe summary of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Symbol: %s, Timeframe: %s, Table: %s, Storage: %s@%s, Exchange: %s}",
		c.Ingest.Symbol, c.Ingest.Timeframe, c.Ingest.Table, c.Storage.Driver, c.Storage.Host, c.Exchange.BaseURL)
}
