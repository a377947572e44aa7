package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/johnayoung/go-candle-ingestor/internal/models"
	"github.com/jmoiron/sqlx"
)

// SQLStore implements CandleStore on top of sqlx for MySQL, PostgreSQL and
// DuckDB. Each batch upsert runs in its own transaction.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLStore wraps an already opened connection.
func NewSQLStore(db *sqlx.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "storage", "driver", dialect.Name()),
	}
}

// OpenSQLStore connects to the configured database and verifies the
// connection. Failures are returned as *errors.ConnectionError.
func OpenSQLStore(ctx context.Context, cfg ConnectionConfig, logger *slog.Logger) (*SQLStore, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, ingesterrors.NewConnectionError(cfg.Driver, err)
	}

	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, ingesterrors.NewConnectionError(cfg.Driver, err)
	}

	db, err := sqlx.ConnectContext(ctx, dialect.DriverName(), dsn)
	if err != nil {
		return nil, ingesterrors.NewConnectionError(cfg.Driver, err)
	}

	if dialect.Name() == DriverDuckDB {
		// Single writer; an in-memory database lives only as long as its connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(2)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return NewSQLStore(db, dialect, logger), nil
}

// Initialize implements StorageManager.Initialize
func (s *SQLStore) Initialize(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}

	for _, stmt := range s.dialect.CreateTable(table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return ingesterrors.NewStoreError("initialize", table, stmt, err)
		}
	}

	s.logger.Debug("candle table ready", "table", table)
	return nil
}

// LastTimestamp implements CandleReader.LastTimestamp
func (s *SQLStore) LastTimestamp(ctx context.Context, table string) (time.Time, bool, error) {
	if err := ValidateTableName(table); err != nil {
		return time.Time{}, false, err
	}

	query := fmt.Sprintf("SELECT start_timestamp FROM %s ORDER BY id DESC LIMIT 1", table)

	var ts time.Time
	err := s.db.GetContext(ctx, &ts, query)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, ingesterrors.NewStoreError("last_timestamp", table, query, err)
	}

	return ts.UTC(), true, nil
}

// Upsert implements CandleWriter.Upsert
func (s *SQLStore) Upsert(ctx context.Context, table string, candles []models.Candle) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	rows := make([]models.Candle, len(candles))
	for i, c := range candles {
		c.Timestamp = c.Timestamp.UTC()
		rows[i] = c
	}

	query := s.dialect.UpsertQuery(table)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ingesterrors.NewStoreError("upsert", table, "", fmt.Errorf("begin transaction: %w", err))
	}

	if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "table", table, "error", rbErr)
		}
		return ingesterrors.NewStoreError("upsert", table, query, err)
	}

	if err := tx.Commit(); err != nil {
		return ingesterrors.NewStoreError("upsert", table, "", fmt.Errorf("commit: %w", err))
	}

	s.logger.Debug("upserted candles",
		"table", table,
		"count", len(rows),
		"first", rows[0].Timestamp,
		"last", rows[len(rows)-1].Timestamp)

	return nil
}

// Query implements CandleReader.Query
func (s *SQLStore) Query(ctx context.Context, table string, req QueryRequest) ([]models.Candle, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if !req.Start.IsZero() {
		where = append(where, "start_timestamp >= ?")
		args = append(args, req.Start.UTC())
	}
	if !req.End.IsZero() {
		where = append(where, "start_timestamp < ?")
		args = append(args, req.End.UTC())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT start_timestamp, %s AS open, %s AS high, %s AS low, %s AS close, %s AS volume FROM %s",
		s.dialect.AsText("open"), s.dialect.AsText("high"), s.dialect.AsText("low"),
		s.dialect.AsText("close"), s.dialect.AsText("volume"), table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY start_timestamp ASC")
	if req.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", req.Limit)
	}

	query := s.db.Rebind(b.String())

	var candles []models.Candle
	if err := s.db.SelectContext(ctx, &candles, query, args...); err != nil {
		return nil, ingesterrors.NewStoreError("query", table, query, err)
	}

	for i := range candles {
		candles[i].Timestamp = candles[i].Timestamp.UTC()
	}

	return candles, nil
}

// Stats implements CandleReader.Stats
func (s *SQLStore) Stats(ctx context.Context, table string) (*TableStats, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) AS row_count, MIN(start_timestamp) AS earliest, MAX(start_timestamp) AS latest FROM %s", table)

	var row struct {
		Rows     int64        `db:"row_count"`
		Earliest sql.NullTime `db:"earliest"`
		Latest   sql.NullTime `db:"latest"`
	}
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		return nil, ingesterrors.NewStoreError("stats", table, query, err)
	}

	stats := &TableStats{Rows: row.Rows}
	if row.Earliest.Valid {
		stats.Earliest = row.Earliest.Time.UTC()
	}
	if row.Latest.Valid {
		stats.Latest = row.Latest.Time.UTC()
	}
	return stats, nil
}

// HealthCheck implements StorageManager.HealthCheck
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ingesterrors.NewStoreError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := s.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return ingesterrors.NewStoreError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}

	return nil
}

// Close implements StorageManager.Close
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return ingesterrors.NewStoreError("close", "", "", err)
	}
	return nil
}
