// Package storage defines the candle store interfaces and their SQL (MySQL,
// PostgreSQL, DuckDB) and in-memory implementations.
//
// Every candle table has an auto-increment id, a unique start_timestamp and
// the five value columns. The id orders rows by insertion and is what the
// ingestion engine resumes from.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/johnayoung/go-candle-ingestor/internal/models"
)

// CandleWriter persists candle batches.
type CandleWriter interface {
	// Upsert writes a batch atomically: candles whose start_timestamp already
	// exists have all value columns overwritten, the rest are inserted. On
	// failure nothing from the batch is committed and a *errors.StoreError is
	// returned.
	Upsert(ctx context.Context, table string, candles []models.Candle) error
}

// CandleReader reads stored candles.
type CandleReader interface {
	// LastTimestamp returns the start_timestamp of the most recently inserted
	// row (highest id). ok is false when the table is empty.
	LastTimestamp(ctx context.Context, table string) (ts time.Time, ok bool, err error)

	// Query returns candles in [req.Start, req.End) ordered by start_timestamp.
	Query(ctx context.Context, table string, req QueryRequest) ([]models.Candle, error)

	// Stats returns row count and time bounds for a table.
	Stats(ctx context.Context, table string) (*TableStats, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize creates the candle table if it does not exist.
	// Safe to call multiple times.
	Initialize(ctx context.Context, table string) error

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection. The store must not be used afterwards.
	Close() error
}

// CandleStore combines everything the ingestion engine and the command need.
type CandleStore interface {
	CandleWriter
	CandleReader
	StorageManager
}

// QueryRequest defines a time range query over one table.
type QueryRequest struct {
	// Start is the earliest timestamp to include (inclusive, zero = unbounded)
	Start time.Time

	// End is the latest timestamp to include (exclusive, zero = unbounded)
	End time.Time

	// Limit is the maximum number of results to return (0 = no limit)
	Limit int
}

// TableStats summarises a candle table.
type TableStats struct {
	Rows     int64
	Earliest time.Time
	Latest   time.Time
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidateTableName rejects anything that is not a plain SQL identifier.
// Table names are interpolated into statements, so this runs before any SQL
// is built.
func ValidateTableName(table string) error {
	if !identifierPattern.MatchString(table) {
		return ingesterrors.NewStoreError("validate", table, "",
			fmt.Errorf("invalid table name %q: must match %s", table, identifierPattern.String()))
	}
	return nil
}

func (r QueryRequest) contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !ts.Before(r.End) {
		return false
	}
	return true
}
