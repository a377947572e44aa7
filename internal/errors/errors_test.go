package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{
			name:              "rate limited api error",
			err:               NewAPIError(429, "https://example/hist", "ratelimit: error"),
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "server error",
			err:               NewAPIError(503, "https://example/hist", "maintenance"),
			expectedType:      ErrorTypeServerError,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "bad request",
			err:               NewAPIError(400, "https://example/hist", "symbol: invalid"),
			expectedType:      ErrorTypeBadRequest,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "decode error",
			err:               NewDecodeError("https://example/hist", "row has 5 fields", nil),
			expectedType:      ErrorTypeDecode,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "wrapped store error",
			err:               fmt.Errorf("window 2017-01-01: %w", NewStoreError("upsert", "candles", "", errors.New("deadlock"))),
			expectedType:      ErrorTypeStorage,
			expectedRetryable: true,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "connection error",
			err:               NewConnectionError("mysql", errors.New("access denied")),
			expectedType:      ErrorTypeConnection,
			expectedRetryable: true,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "invalid timeframe",
			err:               NewInvalidTimeframeError("5x", "bad unit"),
			expectedType:      ErrorTypeConfiguration,
			expectedRetryable: false,
			expectedSeverity:  SeverityCritical,
		},
		{
			name:              "network connection refused",
			err:               fmt.Errorf("dial tcp: connection refused"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "net op error",
			err:               &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")},
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "deadline exceeded",
			err:               fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "canceled",
			err:               fmt.Errorf("sleep: %w", context.Canceled),
			expectedType:      ErrorTypeCanceled,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "unknown error",
			err:               errors.New("something went wrong"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedType, Classify(tt.err))
			assert.Equal(t, tt.expectedRetryable, IsRetryable(tt.err))
			assert.Equal(t, tt.expectedSeverity, SeverityOf(tt.err))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, ErrorType(""), Classify(nil))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRateLimited(nil))
}

func TestAPIError(t *testing.T) {
	t.Run("429 is rate limited", func(t *testing.T) {
		err := NewAPIError(429, "u", "")
		assert.True(t, err.RateLimited)
		assert.True(t, IsRateLimited(fmt.Errorf("wrapped: %w", err)))
		assert.Contains(t, err.Error(), "rate limit")
	})

	t.Run("500 is not rate limited", func(t *testing.T) {
		err := NewAPIError(500, "u", "oops")
		assert.False(t, err.RateLimited)
		assert.False(t, IsRateLimited(err))
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("long body is truncated", func(t *testing.T) {
		body := make([]byte, 2000)
		for i := range body {
			body[i] = 'x'
		}
		err := NewAPIError(400, "u", string(body))
		assert.Len(t, err.Body, 515)
	})
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	var storeErr *StoreError
	require.True(t, errors.As(fmt.Errorf("x: %w", NewStoreError("upsert", "t", "q", cause)), &storeErr))
	assert.Equal(t, "upsert", storeErr.Operation)
	assert.ErrorIs(t, storeErr, cause)

	assert.ErrorIs(t, NewConnectionError("postgres", cause), cause)
	assert.ErrorIs(t, NewDecodeError("u", "r", cause), cause)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(NewInvalidTimeframeError("0m", "zero")))
	assert.False(t, IsFatal(NewAPIError(429, "u", "")))
}

func TestNewBackOff(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		b := NewBackOff(StrategyNone, 5*time.Second, time.Minute)
		assert.Zero(t, b.NextBackOff())
	})

	t.Run("fixed", func(t *testing.T) {
		b := NewBackOff(StrategyFixed, 5*time.Second, time.Minute)
		for i := 0; i < 5; i++ {
			assert.Equal(t, 5*time.Second, b.NextBackOff())
		}
	})

	t.Run("linear caps at max", func(t *testing.T) {
		b := NewBackOff(StrategyLinear, 10*time.Second, 25*time.Second)
		assert.Equal(t, 10*time.Second, b.NextBackOff())
		assert.Equal(t, 20*time.Second, b.NextBackOff())
		assert.Equal(t, 25*time.Second, b.NextBackOff())
		b.Reset()
		assert.Equal(t, 10*time.Second, b.NextBackOff())
	})

	t.Run("exponential never stops", func(t *testing.T) {
		b := NewBackOff(StrategyExponential, time.Second, 4*time.Second)
		for i := 0; i < 50; i++ {
			next := b.NextBackOff()
			assert.NotEqual(t, backoff.Stop, next)
			assert.LessOrEqual(t, next, 6*time.Second) // max plus randomization
		}
	})
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError(nil, "c", "o", "m"))

	cause := errors.New("cause")
	err := WrapError(cause, "collector", "fetch", "window failed")
	assert.EqualError(t, err, "window failed in collector.fetch: cause")
	assert.ErrorIs(t, err, cause)
}
