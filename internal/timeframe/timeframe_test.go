package timeframe

import (
	"errors"
	"testing"
	"time"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinutesPerCandle(t *testing.T) {
	tests := []struct {
		token    string
		expected int
	}{
		{"1m", 1},
		{"5m", 5},
		{"15m", 15},
		{"30m", 30},
		{"1h", 60},
		{"3h", 180},
		{"6h", 360},
		{"12h", 720},
		{"1D", 1440},
		{"7D", 10080},
		{"14D", 20160},
		{"1M", 43200},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			minutes, err := MinutesPerCandle(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, minutes)

			window, err := WindowMinutes(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.expected*PageLimit, window)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, token := range []string{"", "m", "0m", "-1m", "1d", "1H", "1x", "1.5h", " 1m", "1m ", "1mm", "01", "36M", "1068D", "1100D", "1000000M", "1000001m"} {
		t.Run(token, func(t *testing.T) {
			_, err := Parse(token)
			require.Error(t, err)

			var tfErr *ingesterrors.InvalidTimeframeError
			require.True(t, errors.As(err, &tfErr))
			assert.Equal(t, token, tfErr.Token)
			assert.True(t, ingesterrors.IsFatal(err))
		})
	}
}

func TestParseLargestWindow(t *testing.T) {
	tf, err := Parse("35M")
	require.NoError(t, err)
	assert.Positive(t, tf.WindowDuration())

	tf, err = Parse("1067D")
	require.NoError(t, err)
	assert.Equal(t, 1067*100*24*time.Hour, tf.WindowDuration())

	tf, err = Parse("1000000m")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(100_000_000)*time.Minute, tf.WindowDuration())
}

func TestDurations(t *testing.T) {
	tf := MustParse("1m")
	assert.Equal(t, time.Minute, tf.CandleDuration())
	assert.Equal(t, 100*time.Minute, tf.WindowDuration())
	assert.Equal(t, "1m", tf.String())
	assert.False(t, tf.IsZero())

	tf = MustParse("1D")
	assert.Equal(t, 24*time.Hour, tf.CandleDuration())
	assert.Equal(t, 100*24*time.Hour, tf.WindowDuration())
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("bogus") })
	assert.True(t, Timeframe{}.IsZero())
}
