package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/johnayoung/go-candle-ingestor/internal/logger"
	"github.com/johnayoung/go-candle-ingestor/internal/metrics"
	"github.com/johnayoung/go-candle-ingestor/internal/storage"
)

// Default poll intervals between cycles.
const (
	DefaultPollInterval        = 10 * time.Second
	DefaultRelaxedPollInterval = 30 * time.Second
)

// RunnerConfig configures the outer loop
type RunnerConfig struct {
	// PollInterval is the sleep between cycles while catching up
	PollInterval time.Duration

	// RelaxedPollInterval replaces PollInterval once a cycle catches up. It
	// stays in effect until a cycle starts with more than one window of
	// backlog.
	RelaxedPollInterval time.Duration
}

// Runner repeats ingestion cycles until its context is cancelled. Each cycle
// opens its own store, snapshots the clock once and closes the store before
// sleeping.
type Runner struct {
	engine *Engine
	opener storage.Opener
	cfg    RunnerConfig
	logger *slog.Logger

	metrics *metrics.Recorder

	sleep SleepFunc
	now   func() time.Time
	newID func() string

	mu           sync.RWMutex
	pollInterval time.Duration
	lastResult   CycleResult
	lastCycleAt  time.Time
}

// NewRunner creates a Runner. recorder may be nil.
func NewRunner(engine *Engine, opener storage.Opener, cfg RunnerConfig, log *slog.Logger, recorder *metrics.Recorder, opts ...Option) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opener == nil {
		return nil, fmt.Errorf("store opener is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RelaxedPollInterval <= 0 {
		cfg.RelaxedPollInterval = DefaultRelaxedPollInterval
	}
	if log == nil {
		log = slog.Default()
	}

	o := buildOptions(opts)
	r := &Runner{
		engine:       engine,
		opener:       opener,
		cfg:          cfg,
		logger:       log,
		metrics:      recorder,
		sleep:        o.sleep,
		now:          o.now,
		newID:        o.newID,
		pollInterval: cfg.PollInterval,
	}
	recorder.PollInterval(r.pollInterval)
	return r, nil
}

// Run loops until ctx is cancelled. Cycle failures are logged and the loop
// continues; Run returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	engineCfg := r.engine.Config()
	r.logger.InfoContext(ctx, "starting candle ingestion",
		"symbol", engineCfg.Symbol,
		"timeframe", engineCfg.Timeframe.Token(),
		"table", engineCfg.Table,
		"window", engineCfg.Timeframe.WindowDuration(),
		"poll_interval", r.PollInterval())

	for {
		_, _ = r.RunOnce(ctx)

		if err := r.sleep(ctx, r.PollInterval()); err != nil {
			r.logger.Info("candle ingestion stopped", "reason", err)
			return nil
		}
	}
}

// RunOnce runs a single cycle and updates the poll interval from its result.
func (r *Runner) RunOnce(ctx context.Context) (result CycleResult, err error) {
	engineCfg := r.engine.Config()
	id := r.newID()

	ctx = logger.WithCycleID(ctx, id)
	ctx = logger.WithSymbol(ctx, engineCfg.Symbol)
	ctx = logger.WithTimeframe(ctx, engineCfg.Timeframe.Token())

	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle panicked: %v", p)
			result.Status = StatusFailed
		}
		r.finishCycle(ctx, result, err, time.Since(started))
	}()

	var store storage.CandleStore
	err = logger.TimedOperation(ctx, r.logger, "open_store", func() error {
		var openErr error
		store, openErr = r.opener.Open(ctx)
		return openErr
	})
	if err != nil {
		return CycleResult{Status: statusFor(err)}, ingesterrors.WrapError(err, "runner", "open_store", "cycle aborted")
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			r.logger.WarnContext(ctx, "failed to close store", "error", closeErr)
		}
	}()

	cycle := Cycle{ID: id, Store: store, Now: r.now().UTC()}
	return r.engine.RunCycle(ctx, cycle)
}

func (r *Runner) finishCycle(ctx context.Context, result CycleResult, err error, elapsed time.Duration) {
	r.mu.Lock()
	previous := r.pollInterval
	if result.Backlog {
		r.pollInterval = r.cfg.PollInterval
	}
	if result.CaughtUp() {
		r.pollInterval = r.cfg.RelaxedPollInterval
	}
	current := r.pollInterval
	r.lastResult = result
	r.lastCycleAt = r.now()
	r.mu.Unlock()

	if current != previous {
		r.logger.InfoContext(ctx, "poll interval changed", "from", previous, "to", current)
	}

	r.metrics.CycleDone(string(result.Status), elapsed)
	r.metrics.PollInterval(current)

	switch {
	case err == nil:
		r.logger.DebugContext(ctx, "cycle finished",
			"status", result.Status,
			"windows", result.Windows,
			"candles", result.Candles,
			"duration", elapsed)
	case errors.Is(err, ErrWindowStuck):
		r.metrics.WindowStuck()
		logger.LogError(ctx, r.logger, err, "window stuck, abandoning cycle",
			"failures", result.Failures)
	case errors.Is(err, context.Canceled):
		r.logger.InfoContext(ctx, "cycle interrupted by shutdown")
	default:
		logger.LogError(ctx, r.logger, err, "cycle failed", "status", result.Status)
	}
}

// PollInterval returns the sleep before the next cycle.
func (r *Runner) PollInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pollInterval
}

// LastResult returns the most recent cycle result and when it finished.
func (r *Runner) LastResult() (CycleResult, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastResult, r.lastCycleAt
}
