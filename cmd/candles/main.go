// Candle ingestor CLI
// This application keeps a relational table of OHLCV candles for one Bitfinex
// symbol and timeframe up to date. It backfills from the configured start date
// and then follows the live edge until interrupted.
//
// Usage:
//
//	candles [-config candles.yaml] <currency> <timeframe> <table> [loglevel]
//	candles tBTCUSD 1h candles_btcusd_1h
//	candles -config prod.yaml tETHUSD 1D candles_ethusd_1d DEBUG
//	candles -tail 20 tBTCUSD 1h candles_btcusd_1h
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/johnayoung/go-candle-ingestor/internal/collector"
	"github.com/johnayoung/go-candle-ingestor/internal/config"
	"github.com/johnayoung/go-candle-ingestor/internal/exchange"
	"github.com/johnayoung/go-candle-ingestor/internal/logger"
	"github.com/johnayoung/go-candle-ingestor/internal/metrics"
	"github.com/johnayoung/go-candle-ingestor/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "candles"
	ConfigFile = "candles.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitRuntimeErr  = 3
)

const startupCheckTimeout = 10 * time.Second

func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args and ingests until ctx is cancelled. It returns the process
// exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", ConfigFile, "path to the YAML configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")
	tailCount := fs.Int("tail", 0, "print the newest N stored candles and exit")
	fs.Usage = func() { printUsage(stdout) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitUsageError
	}

	if *showVersion {
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	}

	positional := fs.Args()
	if len(positional) < 3 {
		printUsage(stdout)
		return ExitSuccess
	}

	overrides := config.Overrides{
		Symbol:    positional[0],
		Timeframe: positional[1],
		Table:     positional[2],
	}
	if len(positional) > 3 {
		overrides.LogLevel = positional[3]
	}

	bootstrap := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewLoader(*configPath, bootstrap).Load(overrides)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	app, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize: %v\n", err)
		return ExitConfigError
	}
	defer app.close()

	if *tailCount > 0 {
		if err := app.tail(ctx, stdout, *tailCount); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitRuntimeErr
		}
		return ExitSuccess
	}

	if err := app.run(ctx); err != nil {
		app.logger.Error("ingestion failed", "error", err)
		return ExitRuntimeErr
	}
	return ExitSuccess
}

// app holds the wired components of one ingestion process.
type app struct {
	cfg      *config.Config
	logs     *logger.Manager
	logger   *slog.Logger
	exchange *exchange.BitfinexAdapter
	opener   *storage.ConfigOpener
	registry *prometheus.Registry
	runner   *collector.Runner
	server   *metrics.Server
}

func newApp(cfg *config.Config) (*app, error) {
	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logs:   logs,
		logger: logs.Component("main"),
	}

	a.exchange = exchange.NewBitfinexAdapter(exchange.BitfinexConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		Timeout:           cfg.Exchange.Timeout,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
		UserAgent:         AppName + "/" + Version,
	}, logs.Logger())

	a.opener = storage.NewConfigOpener(
		cfg.Storage.ConnectionConfig(),
		cfg.Ingest.Table,
		cfg.Storage.AutoCreate,
		logs.Component("storage"),
	)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(a.registry, prometheus.Labels{
		"symbol":    cfg.Ingest.Symbol,
		"timeframe": cfg.Ingest.Timeframe,
	})

	a.runner, err = collector.NewFromConfig(cfg.Ingest, a.exchange, a.opener, logs.Component("collector"), recorder)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.server = metrics.NewServer(cfg.Metrics, a.registry, logs.Logger())
		a.server.RegisterHealthChecker("exchange", a.exchange)
		a.server.RegisterHealthChecker("storage", metrics.HealthCheckerFunc(a.checkStore))
	}

	return a, nil
}

// checkStore opens a store through the shared opener and pings it.
func (a *app) checkStore(ctx context.Context) error {
	store, err := a.opener.Open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.HealthCheck(ctx)
}

func (a *app) run(ctx context.Context) error {
	a.logger.Info("configuration loaded", "config", a.cfg.String(), "version", Version)

	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	if err := a.exchange.HealthCheck(checkCtx); err != nil {
		a.logger.Warn("exchange health check failed, continuing", "error", err)
	}
	cancel()

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	return a.runner.Run(ctx)
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	if a.opener != nil {
		if err := a.opener.Close(); err != nil {
			a.logger.Warn("failed to close storage", "error", err)
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logs.Close()
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Bitfinex candle ingestor v%s

USAGE:
    %s [options] <currency> <timeframe> <table> [loglevel]

ARGUMENTS:
    currency    Bitfinex trading pair symbol, e.g. tBTCUSD
    timeframe   <n><m|h|D|M>, e.g. 1m 1h 1D 1M
    table       Destination table, created on first use when auto_create is set
    loglevel    DEBUG, INFO, WARNING, ERROR or CRITICAL (default from config)

OPTIONS:
    -config     Configuration file (default %s)
    -tail N     Print the newest N stored candles and exit
    -version    Show version information
    -h, -help   Show help information

EXAMPLES:
    # Backfill and follow hourly BTC/USD candles
    %s tBTCUSD 1h candles_btcusd_1h

    # Daily ETH/USD candles with debug logging and a custom config
    %s -config prod.yaml tETHUSD 1D candles_ethusd_1d DEBUG

    # Show the last 20 stored hourly candles
    %s -tail 20 tBTCUSD 1h candles_btcusd_1h

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (YAML format)
    - Environment variables: CANDLES_* (e.g., CANDLES_DB_HOST, CANDLES_DB_PASSWORD)

    Command line arguments take precedence over the environment, which takes
    precedence over the file.
`, AppName, Version, AppName, ConfigFile, AppName, AppName, AppName, ConfigFile)
}
