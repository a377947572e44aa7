// Package collector implements the candle ingestion loop: the Engine resumes
// from the newest stored candle and walks time forward in fixed-size windows,
// fetching and upserting each one, and the Runner repeats that cycle forever
// with a fresh store connection and an adaptive poll interval.
package collector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/johnayoung/go-candle-ingestor/internal/exchange"
	"github.com/johnayoung/go-candle-ingestor/internal/logger"
	"github.com/johnayoung/go-candle-ingestor/internal/metrics"
	"github.com/johnayoung/go-candle-ingestor/internal/models"
	"github.com/johnayoung/go-candle-ingestor/internal/storage"
	"github.com/johnayoung/go-candle-ingestor/internal/timeframe"
)

// Defaults mirror the ingest section of the configuration.
const (
	DefaultSaveInterval      = 5 * time.Second
	DefaultMinGap            = 60 * time.Second
	DefaultRateLimitBackoff  = 60 * time.Second
	DefaultCaughtUpThreshold = 1
)

// DefaultStartDate is where an empty table starts backfilling.
var DefaultStartDate = time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrWindowStuck ends a cycle whose current window failed MaxWindowAttempts
// times in a row. The window is not advanced.
var ErrWindowStuck = errors.New("window exhausted its attempts")

// Status is the outcome of one cycle.
type Status string

const (
	StatusSkipped    Status = "skipped"     // newest candle is younger than MinGap
	StatusCatchingUp Status = "catching_up" // every window was stored, none was near-empty
	StatusCaughtUp   Status = "caught_up"   // a window returned at most CaughtUpThreshold candles
	StatusStuck      Status = "stuck"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Config configures the Engine
type Config struct {
	Symbol    string
	Timeframe timeframe.Timeframe
	Table     string

	// StartDate is the resume point of an empty table
	StartDate time.Time

	// Zero selects DefaultSaveInterval, DefaultMinGap and
	// DefaultRateLimitBackoff respectively.
	SaveInterval     time.Duration
	MinGap           time.Duration
	RateLimitBackoff time.Duration

	RetryStrategy  string
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// MaxWindowAttempts bounds consecutive failures of one window; 0 retries
	// forever.
	MaxWindowAttempts int

	// CaughtUpThreshold is the largest window size that still counts as
	// caught up; zero selects DefaultCaughtUpThreshold.
	CaughtUpThreshold int
}

// Validate reports configuration errors that would make every cycle fail.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.Timeframe.IsZero() {
		return fmt.Errorf("timeframe is required")
	}
	if err := storage.ValidateTableName(c.Table); err != nil {
		return err
	}
	if c.MaxWindowAttempts < 0 {
		return fmt.Errorf("max window attempts must not be negative")
	}
	if c.SaveInterval < 0 || c.MinGap < 0 || c.RateLimitBackoff < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.CaughtUpThreshold < 0 {
		return fmt.Errorf("caught up threshold must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.StartDate.IsZero() {
		c.StartDate = DefaultStartDate
	}
	if c.RetryStrategy == "" {
		c.RetryStrategy = ingesterrors.StrategyNone
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.MinGap == 0 {
		c.MinGap = DefaultMinGap
	}
	if c.RateLimitBackoff == 0 {
		c.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if c.CaughtUpThreshold == 0 {
		c.CaughtUpThreshold = DefaultCaughtUpThreshold
	}
}

// Cycle is the state of one ingestion cycle. It is built by the Runner and
// discarded when the cycle ends.
type Cycle struct {
	ID    string
	Store storage.CandleStore

	// Now is snapshotted once; every window of the cycle is clamped to it.
	Now time.Time
}

// CycleResult summarises a cycle.
type CycleResult struct {
	Status Status

	// ResumeFrom is the start of the first window, zero when skipped
	ResumeFrom time.Time

	// Backlog is set when the resume gap exceeds one window
	Backlog bool

	Windows  int // windows stored
	Candles  int // candles upserted
	Failures int // failed window attempts
}

// CaughtUp reports whether the feed reached the present during the cycle.
func (r CycleResult) CaughtUp() bool {
	return r.Status == StatusCaughtUp
}

// Window is a half-open ingestion interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Windows yields contiguous windows of the given width starting at from, for
// every window start before until.
func Windows(from, until time.Time, width time.Duration) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if width <= 0 {
			return
		}
		for start := from; start.Before(until); start = start.Add(width) {
			if !yield(Window{Start: start, End: start.Add(width)}) {
				return
			}
		}
	}
}

// Engine runs ingestion cycles. It holds no per-cycle state.
type Engine struct {
	cfg     Config
	fetcher exchange.CandleFetcher
	logger  *slog.Logger
	metrics *metrics.Recorder
	sleep   SleepFunc
}

// NewEngine creates an Engine. recorder may be nil.
func NewEngine(cfg Config, fetcher exchange.CandleFetcher, log *slog.Logger, recorder *metrics.Recorder, opts ...Option) (*Engine, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	o := buildOptions(opts)
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  log,
		metrics: recorder,
		sleep:   o.sleep,
	}, nil
}

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// ResumePoint returns where the next window starts and whether the cycle has
// work to do.
func (e *Engine) ResumePoint(ctx context.Context, cycle Cycle) (time.Time, bool, error) {
	last, ok, err := cycle.Store.LastTimestamp(ctx, e.cfg.Table)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read resume point: %w", err)
	}
	if !ok {
		return e.cfg.StartDate, true, nil
	}

	e.metrics.LastCandle(last)
	if cycle.Now.Sub(last) < e.cfg.MinGap {
		return last, false, nil
	}
	return last, true, nil
}

// RunCycle resumes from the newest stored candle and ingests every window up
// to cycle.Now. Failed windows are retried in place; the error is non-nil only
// when the resume point cannot be read, the context is cancelled or a window
// exhausts MaxWindowAttempts.
func (e *Engine) RunCycle(ctx context.Context, cycle Cycle) (CycleResult, error) {
	result := CycleResult{Status: StatusCatchingUp}

	resumeFrom, needWork, err := e.ResumePoint(ctx, cycle)
	if err != nil {
		result.Status = statusFor(err)
		return result, err
	}
	if !needWork {
		e.logger.InfoContext(ctx, "waiting", "last_candle", resumeFrom, "min_gap", e.cfg.MinGap)
		result.Status = StatusSkipped
		return result, nil
	}

	width := e.cfg.Timeframe.WindowDuration()
	result.ResumeFrom = resumeFrom
	result.Backlog = cycle.Now.Sub(resumeFrom) > width

	e.logger.InfoContext(ctx, "start working",
		"resume_from", resumeFrom,
		"now", cycle.Now,
		"window", width)

	for w := range Windows(resumeFrom, cycle.Now, width) {
		n, failures, err := e.processWindow(ctx, cycle, w)
		result.Failures += failures
		if err != nil {
			result.Status = statusFor(err)
			return result, err
		}

		result.Windows++
		result.Candles += n
		if n <= e.cfg.CaughtUpThreshold {
			result.Status = StatusCaughtUp
		}
	}

	e.logger.InfoContext(ctx, "end",
		"windows", result.Windows,
		"candles", result.Candles,
		"caught_up", result.CaughtUp())

	return result, nil
}

// processWindow stores one window, retrying it until it succeeds. The
// SaveInterval pause follows every attempt.
func (e *Engine) processWindow(ctx context.Context, cycle Cycle, w Window) (stored, failures int, err error) {
	retryDelay := ingesterrors.NewBackOff(e.cfg.RetryStrategy, e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay)
	rateLimitDelay := backoff.NewConstantBackOff(e.cfg.RateLimitBackoff)
	ctx = logger.WithWindow(ctx, w.Start)

	for {
		candles, err := e.saveWindow(ctx, cycle, w)
		if err == nil {
			var newest time.Time
			if last, ok := models.Last(candles); ok {
				newest = last.Timestamp
			}
			e.metrics.WindowStored(len(candles), newest)
			return len(candles), failures, e.pause(ctx, e.cfg.SaveInterval)
		}

		if ctx.Err() != nil {
			return 0, failures, ctx.Err()
		}

		failures++
		rateLimited := ingesterrors.IsRateLimited(err)
		errType := ingesterrors.Classify(err)
		e.metrics.WindowFailed(string(errType), rateLimited, failures)

		logger.LogError(ctx, e.logger, err, "window failed",
			"window", w.String(),
			"attempt", failures,
			"error_type", errType,
			"rate_limited", rateLimited)

		if !ingesterrors.IsRetryable(err) {
			return 0, failures, err
		}

		var delay time.Duration
		if rateLimited {
			delay = rateLimitDelay.NextBackOff()
		} else {
			delay = retryDelay.NextBackOff()
		}
		if delay > 0 && delay != backoff.Stop {
			if err := e.pause(ctx, delay); err != nil {
				return 0, failures, err
			}
		}
		if err := e.pause(ctx, e.cfg.SaveInterval); err != nil {
			return 0, failures, err
		}

		if e.cfg.MaxWindowAttempts > 0 && failures >= e.cfg.MaxWindowAttempts {
			return 0, failures, fmt.Errorf("%w: window %s failed %d times: %w", ErrWindowStuck, w, failures, err)
		}
	}
}

// saveWindow fetches one window and upserts it as a single batch.
func (e *Engine) saveWindow(ctx context.Context, cycle Cycle, w Window) ([]models.Candle, error) {
	req := exchange.FetchRequest{
		Symbol:    e.cfg.Symbol,
		Timeframe: e.cfg.Timeframe,
		Start:     w.Start,
		End:       w.End,
		Now:       cycle.Now,
	}

	candles, err := e.fetcher.FetchCandles(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := cycle.Store.Upsert(ctx, e.cfg.Table, candles); err != nil {
		return nil, err
	}

	if e.logger.Enabled(ctx, slog.LevelDebug) {
		for _, c := range candles {
			e.logger.DebugContext(ctx, "stored candle", "candle", c.String())
		}
	}
	e.logger.InfoContext(ctx, "window stored", "window", w.String(), "n_candles", len(candles))
	return candles, nil
}

func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return e.sleep(ctx, d)
}

func statusFor(err error) Status {
	switch {
	case errors.Is(err, ErrWindowStuck):
		return StatusStuck
	case errors.Is(err, context.Canceled):
		return StatusCanceled
	default:
		return StatusFailed
	}
}
