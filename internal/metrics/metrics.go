// Package metrics exposes the ingestor's Prometheus collectors and the HTTP
// server that serves them together with a health endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Window results recorded by WindowDone.
const (
	ResultStored      = "stored"
	ResultFailed      = "failed"
	ResultRateLimited = "rate_limited"
)

// Recorder records ingestion metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	windowsTotal        *prometheus.CounterVec
	candlesStored       prometheus.Counter
	fetchErrors         *prometheus.CounterVec
	lastCandle          prometheus.Gauge
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	pollInterval        prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	windowStuck         prometheus.Counter
}

// NewRecorder registers the ingestion collectors on reg. constLabels are
// attached to every series, typically symbol and timeframe.
func NewRecorder(reg prometheus.Registerer, constLabels prometheus.Labels) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		windowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "candles_windows_total",
				Help:        "Window attempts by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		candlesStored: factory.NewCounter(prometheus.CounterOpts{
			Name:        "candles_stored_total",
			Help:        "Candles upserted into the store",
			ConstLabels: constLabels,
		}),
		fetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "candles_fetch_errors_total",
				Help:        "Failed window attempts by error type",
				ConstLabels: constLabels,
			},
			[]string{"type"},
		),
		lastCandle: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "candles_last_timestamp_seconds",
			Help:        "Start time of the newest stored candle as a Unix timestamp",
			ConstLabels: constLabels,
		}),
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "candles_cycles_total",
				Help:        "Ingestion cycles by outcome",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "candles_cycle_duration_seconds",
			Help:        "Duration of ingestion cycles",
			Buckets:     []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			ConstLabels: constLabels,
		}),
		pollInterval: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "candles_poll_interval_seconds",
			Help:        "Current sleep between cycles",
			ConstLabels: constLabels,
		}),
		consecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "candles_window_consecutive_failures",
			Help:        "Consecutive failed attempts of the current window",
			ConstLabels: constLabels,
		}),
		windowStuck: factory.NewCounter(prometheus.CounterOpts{
			Name:        "candles_window_stuck_total",
			Help:        "Cycles abandoned because a window exhausted its attempts",
			ConstLabels: constLabels,
		}),
	}
}

// WindowStored records a successful window and the newest candle it stored.
func (r *Recorder) WindowStored(count int, newest time.Time) {
	if r == nil {
		return
	}
	r.windowsTotal.WithLabelValues(ResultStored).Inc()
	r.candlesStored.Add(float64(count))
	r.consecutiveFailures.Set(0)
	if !newest.IsZero() {
		r.lastCandle.Set(float64(newest.Unix()))
	}
}

// WindowFailed records a failed window attempt. errorType is the
// classification of the failure; streak is the current failure count of the
// window.
func (r *Recorder) WindowFailed(errorType string, rateLimited bool, streak int) {
	if r == nil {
		return
	}
	result := ResultFailed
	if rateLimited {
		result = ResultRateLimited
	}
	r.windowsTotal.WithLabelValues(result).Inc()
	r.fetchErrors.WithLabelValues(errorType).Inc()
	r.consecutiveFailures.Set(float64(streak))
}

// WindowStuck records a cycle abandoned by the attempt limit.
func (r *Recorder) WindowStuck() {
	if r == nil {
		return
	}
	r.windowStuck.Inc()
}

// LastCandle sets the newest stored candle without counting a window, used
// when a cycle resumes.
func (r *Recorder) LastCandle(ts time.Time) {
	if r == nil || ts.IsZero() {
		return
	}
	r.lastCandle.Set(float64(ts.Unix()))
}

// CycleDone records the outcome and duration of a cycle.
func (r *Recorder) CycleDone(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.cyclesTotal.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(duration.Seconds())
}

// PollInterval records the sleep chosen for the next cycle.
func (r *Recorder) PollInterval(d time.Duration) {
	if r == nil {
		return
	}
	r.pollInterval.Set(d.Seconds())
}
