// Package exchange defines the interfaces exchange adapters satisfy to feed the
// ingestion engine, and the Bitfinex implementation of them.
//
// The interfaces are small and composable: the engine only needs a
// CandleFetcher, while the command wires the HealthChecker at startup.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-candle-ingestor/internal/models"
	"github.com/johnayoung/go-candle-ingestor/internal/timeframe"
)

// CandleFetcher retrieves OHLCV candle data from an exchange.
type CandleFetcher interface {
	// FetchCandles retrieves at most timeframe.PageLimit candles whose start
	// falls in [req.Start, min(req.End, req.Now)), oldest first, with a single
	// request.
	//
	// If no data is available for the requested range, an empty slice is
	// returned without error. Failures are typed: *errors.APIError for non-2xx
	// responses (RateLimited on 429), *errors.DecodeError for malformed bodies,
	// and a wrapped transport error otherwise.
	FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error)
}

// HealthChecker reports whether the exchange API is reachable and operative.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Exchange combines the capabilities the command needs from an adapter.
type Exchange interface {
	CandleFetcher
	HealthChecker
}

// FetchRequest describes one ingestion window fetch.
type FetchRequest struct {
	// Symbol is the exchange trading pair, e.g. "tBTCUSD"
	Symbol string

	// Timeframe is the candle width
	Timeframe timeframe.Timeframe

	// Start is the inclusive window start
	Start time.Time

	// End is the exclusive window end
	End time.Time

	// Now is the cycle's snapshot of the current time; End is clamped to it
	Now time.Time
}

// Validate checks that the request describes a non-empty window.
func (r FetchRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Timeframe.IsZero() {
		return fmt.Errorf("timeframe is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end %s must be after start %s", r.End, r.Start)
	}
	return nil
}

// EffectiveEnd is min(End, Now) when Now is set.
func (r FetchRequest) EffectiveEnd() time.Time {
	if !r.Now.IsZero() && r.Now.Before(r.End) {
		return r.Now
	}
	return r.End
}
