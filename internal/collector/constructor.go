package collector

import (
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-candle-ingestor/internal/config"
	"github.com/johnayoung/go-candle-ingestor/internal/exchange"
	"github.com/johnayoung/go-candle-ingestor/internal/metrics"
	"github.com/johnayoung/go-candle-ingestor/internal/storage"
)

// EngineConfig converts the ingest section of the configuration into an
// engine configuration.
func EngineConfig(cfg config.IngestConfig) (Config, error) {
	tf, err := cfg.ParsedTimeframe()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Symbol:            cfg.Symbol,
		Timeframe:         tf,
		Table:             cfg.Table,
		StartDate:         cfg.StartTime(),
		SaveInterval:      cfg.SaveInterval,
		MinGap:            cfg.MinGap,
		RateLimitBackoff:  cfg.RateLimitBackoff,
		RetryStrategy:     cfg.RetryStrategy,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		MaxWindowAttempts: cfg.MaxWindowAttempts,
		CaughtUpThreshold: cfg.CaughtUpThreshold,
	}, nil
}

// NewFromConfig builds the Engine and Runner described by cfg.
func NewFromConfig(
	cfg config.IngestConfig,
	fetcher exchange.CandleFetcher,
	opener storage.Opener,
	log *slog.Logger,
	recorder *metrics.Recorder,
	opts ...Option,
) (*Runner, error) {
	engineCfg, err := EngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := NewEngine(engineCfg, fetcher, log, recorder, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	runner, err := NewRunner(engine, opener, RunnerConfig{
		PollInterval:        cfg.PollInterval,
		RelaxedPollInterval: cfg.RelaxedPollInterval,
	}, log, recorder, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	return runner, nil
}
