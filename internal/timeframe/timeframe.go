// Package timeframe resolves exchange timeframe tokens such as "1m", "4h",
// "1D" or "1M" into candle and window widths.
package timeframe

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/johnayoung/go-candle-ingestor/internal/errors"
)

// PageLimit is the maximum number of candles the exchange returns per request.
// An ingestion window always spans exactly PageLimit candles.
const PageLimit = 100

const (
	minutesPerHour  = 60
	minutesPerDay   = 1440
	minutesPerMonth = 43200 // 30-day month

	maxMultiplier = 1_000_000

	// maxWindowMinutes is the widest window a time.Duration can hold.
	maxWindowMinutes = math.MaxInt64 / int64(time.Minute)
)

var tokenPattern = regexp.MustCompile(`^([1-9][0-9]*)([mhDM])$`)

// Timeframe is a parsed timeframe token.
type Timeframe struct {
	token   string
	minutes int
}

// Parse validates token and returns its Timeframe. Units are case sensitive:
// "m" is minutes and "M" is months.
func Parse(token string) (Timeframe, error) {
	match := tokenPattern.FindStringSubmatch(token)
	if match == nil {
		return Timeframe{}, errors.NewInvalidTimeframeError(token, "expected <positive integer><m|h|D|M>")
	}

	value, err := strconv.Atoi(match[1])
	if err != nil || value > maxMultiplier {
		return Timeframe{}, errors.NewInvalidTimeframeError(token, "value out of range")
	}

	var minutes int
	switch match[2] {
	case "m":
		minutes = value
	case "h":
		minutes = value * minutesPerHour
	case "D":
		minutes = value * minutesPerDay
	case "M":
		minutes = value * minutesPerMonth
	}

	if int64(minutes)*PageLimit > maxWindowMinutes {
		return Timeframe{}, errors.NewInvalidTimeframeError(token, "window exceeds the representable duration")
	}

	return Timeframe{token: token, minutes: minutes}, nil
}

// MustParse is like Parse but panics on an invalid token. Intended for tests
// and package-level constants.
func MustParse(token string) Timeframe {
	tf, err := Parse(token)
	if err != nil {
		panic(err)
	}
	return tf
}

// MinutesPerCandle returns the candle width of token in minutes.
func MinutesPerCandle(token string) (int, error) {
	tf, err := Parse(token)
	if err != nil {
		return 0, err
	}
	return tf.minutes, nil
}

// WindowMinutes returns the width of one ingestion window for token in minutes.
func WindowMinutes(token string) (int, error) {
	tf, err := Parse(token)
	if err != nil {
		return 0, err
	}
	return tf.WindowMinutes(), nil
}

// Token returns the original token, e.g. "1m".
func (t Timeframe) Token() string { return t.token }

// String implements fmt.Stringer.
func (t Timeframe) String() string { return t.token }

// MinutesPerCandle returns the candle width in minutes.
func (t Timeframe) MinutesPerCandle() int { return t.minutes }

// WindowMinutes returns PageLimit candles worth of minutes.
func (t Timeframe) WindowMinutes() int { return t.minutes * PageLimit }

// CandleDuration returns the candle width as a time.Duration.
func (t Timeframe) CandleDuration() time.Duration {
	return time.Duration(t.minutes) * time.Minute
}

// WindowDuration returns the ingestion window width as a time.Duration.
func (t Timeframe) WindowDuration() time.Duration {
	return time.Duration(t.WindowMinutes()) * time.Minute
}

// IsZero reports whether t was never parsed.
func (t Timeframe) IsZero() bool { return t.minutes == 0 }
