package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/johnayoung/go-candle-ingestor/internal/models"
)

// MemoryStore provides an in-memory implementation of CandleStore.
// Rows get ids in insertion order so LastTimestamp matches the SQL stores.
type MemoryStore struct {
	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Candle storage: map[table][timestamp] -> row
	tables map[string]map[time.Time]*memoryRow

	nextID int64
	closed bool

	// failNext makes the next Upsert fail; used to simulate database errors.
	failNext error
}

type memoryRow struct {
	id     int64
	candle models.Candle
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[time.Time]*memoryRow),
	}
}

// Initialize implements StorageManager.Initialize
func (m *MemoryStore) Initialize(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ingesterrors.NewStoreError("initialize", table, "", errors.New("storage is closed"))
	}
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = make(map[time.Time]*memoryRow)
	}
	return nil
}

// Upsert implements CandleWriter.Upsert
func (m *MemoryStore) Upsert(ctx context.Context, table string, candles []models.Candle) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ingesterrors.NewStoreError("upsert", table, "", ctx.Err())
	}
	if len(candles) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ingesterrors.NewStoreError("upsert", table, "", errors.New("storage is closed"))
	}
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return ingesterrors.NewStoreError("upsert", table, "", err)
	}

	rows, ok := m.tables[table]
	if !ok {
		return ingesterrors.NewStoreError("upsert", table, "", errors.New("table does not exist"))
	}

	// Reject duplicates inside the batch before touching state so a failed
	// batch leaves nothing behind.
	seen := make(map[time.Time]struct{}, len(candles))
	for _, c := range candles {
		ts := c.Timestamp.UTC()
		if _, dup := seen[ts]; dup {
			return ingesterrors.NewStoreError("upsert", table, "", errors.New("duplicate start_timestamp in batch"))
		}
		seen[ts] = struct{}{}
	}

	for _, c := range candles {
		c.Timestamp = c.Timestamp.UTC()
		if row, exists := rows[c.Timestamp]; exists {
			row.candle = c
			continue
		}
		m.nextID++
		rows[c.Timestamp] = &memoryRow{id: m.nextID, candle: c}
	}

	return nil
}

// LastTimestamp implements CandleReader.LastTimestamp
func (m *MemoryStore) LastTimestamp(ctx context.Context, table string) (time.Time, bool, error) {
	if err := ValidateTableName(table); err != nil {
		return time.Time{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, false, ingesterrors.NewStoreError("last_timestamp", table, "", errors.New("storage is closed"))
	}

	rows, ok := m.tables[table]
	if !ok {
		return time.Time{}, false, ingesterrors.NewStoreError("last_timestamp", table, "", errors.New("table does not exist"))
	}

	var last *memoryRow
	for _, row := range rows {
		if last == nil || row.id > last.id {
			last = row
		}
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.candle.Timestamp, true, nil
}

// Query implements CandleReader.Query
func (m *MemoryStore) Query(ctx context.Context, table string, req QueryRequest) ([]models.Candle, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.tables[table]
	if !ok {
		return nil, ingesterrors.NewStoreError("query", table, "", errors.New("table does not exist"))
	}

	result := make([]models.Candle, 0, len(rows))
	for ts, row := range rows {
		if req.contains(ts) {
			result = append(result, row.candle)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if req.Limit > 0 && len(result) > req.Limit {
		result = result[:req.Limit]
	}
	return result, nil
}

// Stats implements CandleReader.Stats
func (m *MemoryStore) Stats(ctx context.Context, table string) (*TableStats, error) {
	candles, err := m.Query(ctx, table, QueryRequest{})
	if err != nil {
		return nil, err
	}

	stats := &TableStats{Rows: int64(len(candles))}
	if len(candles) > 0 {
		stats.Earliest = candles[0].Timestamp
		stats.Latest = candles[len(candles)-1].Timestamp
	}
	return stats, nil
}

// HealthCheck implements StorageManager.HealthCheck
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ingesterrors.NewStoreError("health_check", "", "", errors.New("storage is closed"))
	}
	return nil
}

// Close implements StorageManager.Close
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailNextUpsert makes the next Upsert return err without writing anything.
func (m *MemoryStore) FailNextUpsert(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}
