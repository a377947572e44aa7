// Package models provides the candle data model shared by the exchange
// adapter, the stores and the ingestion engine.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one bucket of a trading
// pair's timeframe. Timestamp is the UTC start of the bucket and uniquely
// identifies the candle within a table.
//
// The high/low envelope (low <= open, close <= high) is intentionally not
// enforced; exchange data is stored as delivered.
type Candle struct {
	Timestamp time.Time       `json:"timestamp" db:"start_timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewCandle builds a candle from decimal strings, normalising the timestamp to UTC.
//
// Example:
//
//	candle, err := NewCandle(
//	    time.Now(),
//	    "100.50", "101.00", "100.00", "100.75", "1000.5",
//	)
func NewCandle(timestamp time.Time, open, high, low, close, volume string) (Candle, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"open", open}, {"high", high}, {"low", low}, {"close", close}, {"volume", volume},
	}

	parsed := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return Candle{}, &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid decimal %q: %v", f.value, err)}
		}
		parsed[i] = d
	}

	if timestamp.IsZero() {
		return Candle{}, &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	return Candle{
		Timestamp: timestamp.UTC(),
		Open:      parsed[0],
		High:      parsed[1],
		Low:       parsed[2],
		Close:     parsed[3],
		Volume:    parsed[4],
	}, nil
}

// Equal reports whether two candles carry the same bucket and values.
// Decimal comparison ignores trailing zeros so "1.50" equals "1.5".
func (c Candle) Equal(other Candle) bool {
	return c.Timestamp.Equal(other.Timestamp) &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume)
}

// String returns a human-readable representation of the candle.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Timestamp.UTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// ValidateSequence checks a fetched batch: timestamps strictly increasing and
// every candle inside the half-open window [start, end).
func ValidateSequence(candles []Candle, start, end time.Time) error {
	for i, c := range candles {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			return &ValidationError{
				Field: "timestamp",
				Message: fmt.Sprintf("candle %d at %s outside window [%s, %s)", i,
					c.Timestamp.Format(time.RFC3339), start.Format(time.RFC3339), end.Format(time.RFC3339)),
			}
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return &ValidationError{
				Field: "timestamp",
				Message: fmt.Sprintf("candle %d at %s not after previous %s", i,
					c.Timestamp.Format(time.RFC3339), candles[i-1].Timestamp.Format(time.RFC3339)),
			}
		}
	}
	return nil
}

// Last returns the newest candle of an ascending batch.
func Last(candles []Candle) (Candle, bool) {
	if len(candles) == 0 {
		return Candle{}, false
	}
	return candles[len(candles)-1], true
}
