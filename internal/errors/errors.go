// Package errors defines the error taxonomy of the candle ingestor and the
// classification used to decide whether a failed ingestion window is retried,
// how long to wait before the retry and whether the process must stop.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 from the exchange
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeBadRequest  ErrorType = "bad_request"  // Other non-2xx responses
	ErrorTypeDecode      ErrorType = "decode"       // Malformed response body
	ErrorTypeStorage     ErrorType = "storage"      // Failed read or upsert
	ErrorTypeConnection  ErrorType = "connection"   // Store could not be opened

	// Non-retryable error types
	ErrorTypeConfiguration ErrorType = "configuration" // Invalid timeframe, table name, config value
	ErrorTypeCanceled      ErrorType = "canceled"      // Process shutdown

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// InvalidTimeframeError is returned when a timeframe token cannot be resolved.
// It is fatal at startup and never retried.
type InvalidTimeframeError struct {
	Token  string
	Reason string
}

func (e *InvalidTimeframeError) Error() string {
	return fmt.Sprintf("invalid timeframe %q: %s", e.Token, e.Reason)
}

// NewInvalidTimeframeError creates an InvalidTimeframeError.
func NewInvalidTimeframeError(token, reason string) *InvalidTimeframeError {
	return &InvalidTimeframeError{Token: token, Reason: reason}
}

// APIError is a non-2xx response from the exchange.
type APIError struct {
	StatusCode  int
	URL         string
	Body        string
	RateLimited bool
}

func (e *APIError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("exchange rate limit hit (status %d) for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("exchange returned status %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// NewAPIError creates an APIError; a 429 status marks it as rate limited.
func NewAPIError(statusCode int, url, body string) *APIError {
	return &APIError{
		StatusCode:  statusCode,
		URL:         url,
		Body:        truncate(body, 512),
		RateLimited: statusCode == http.StatusTooManyRequests,
	}
}

// DecodeError is returned when a response body is not the expected candle
// array or a batch violates ordering within its window.
type DecodeError struct {
	URL    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode response from %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode response from %s: %s", e.URL, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError creates a DecodeError.
func NewDecodeError(url, reason string, err error) *DecodeError {
	return &DecodeError{URL: url, Reason: reason, Err: err}
}

// StoreError represents a failed storage operation. A failed upsert commits
// nothing.
type StoreError struct {
	// Operation is the storage operation that failed (e.g. "upsert", "last_timestamp")
	Operation string

	// Table is the candle table involved in the operation
	Table string

	// Query is the SQL statement (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError.
func NewStoreError(operation, table, query string, err error) *StoreError {
	return &StoreError{Operation: operation, Table: table, Query: query, Err: err}
}

// ConnectionError is returned when a store cannot be opened or reached.
type ConnectionError struct {
	Driver string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s store: %v", e.Driver, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a ConnectionError.
func NewConnectionError(driver string, err error) *ConnectionError {
	return &ConnectionError{Driver: driver, Err: err}
}

// Classify maps err onto an ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	var tfErr *InvalidTimeframeError
	if errors.As(err, &tfErr) {
		return ErrorTypeConfiguration
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited:
			return ErrorTypeRateLimit
		case apiErr.StatusCode >= 500:
			return ErrorTypeServerError
		default:
			return ErrorTypeBadRequest
		}
	}

	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return ErrorTypeDecode
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorTypeConnection
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return ErrorTypeStorage
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	return ErrorTypeUnknown
}

// SeverityOf assigns a severity level based on the error type
func SeverityOf(err error) Severity {
	switch Classify(err) {
	case ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeConnection, ErrorTypeStorage:
		return SeverityHigh
	case ErrorTypeDecode, ErrorTypeBadRequest, ErrorTypeServerError, ErrorTypeUnknown:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable reports whether the window that produced err should be tried
// again. Everything except configuration errors and shutdown is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConfiguration, ErrorTypeCanceled:
		return false
	default:
		return true
	}
}

// IsRateLimited reports whether err is an exchange rate-limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return Classify(err) == ErrorTypeConfiguration
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// Check for common network error patterns
	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// Backoff strategy names accepted by NewBackOff.
const (
	StrategyNone        = "none"
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// NewBackOff creates a retry delay schedule. The returned BackOff never stops
// on its own; callers bound retries by attempt count.
func NewBackOff(strategy string, initialDelay, maxDelay time.Duration) backoff.BackOff {
	switch strategy {
	case StrategyNone:
		return &backoff.ZeroBackOff{}
	case StrategyFixed:
		return backoff.NewConstantBackOff(initialDelay)
	case StrategyLinear:
		return &LinearBackoff{
			interval: initialDelay,
			max:      maxDelay,
		}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0 // retry forever
		exponential.Reset()
		return exponential
	}
}

// LinearBackoff grows the delay by a fixed step up to max.
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	if lb.current == 0 {
		lb.current = lb.interval
	} else {
		lb.current += lb.interval
	}

	if lb.max > 0 && lb.current > lb.max {
		lb.current = lb.max
	}

	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
