package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-candle-ingestor/internal/models"
	"github.com/johnayoung/go-candle-ingestor/internal/storage"
	"github.com/johnayoung/go-candle-ingestor/internal/timeframe"
)

var tailStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourlyCandles(count int) []models.Candle {
	candles := make([]models.Candle, count)
	for i := range candles {
		price := decimal.NewFromInt(int64(100 + i))
		candles[i] = models.Candle{
			Timestamp: tailStart.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price.Add(decimal.NewFromInt(2)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price.Add(decimal.NewFromInt(1)),
			Volume:    decimal.RequireFromString("3.5"),
		}
	}
	return candles
}

func TestPrintTail(t *testing.T) {
	ctx := context.Background()
	const table = "candles_tbtcusd_1h"

	store := storage.NewMemoryStore()
	require.NoError(t, store.Initialize(ctx, table))

	t.Run("empty table", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printTail(ctx, &out, store, table, timeframe.MustParse("1h"), 5))
		assert.Equal(t, table+": no candles stored\n", out.String())
	})

	require.NoError(t, store.Upsert(ctx, table, hourlyCandles(10)))

	t.Run("newest candles in ascending order", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printTail(ctx, &out, store, table, timeframe.MustParse("1h"), 3))

		text := out.String()
		assert.Contains(t, text, "candles_tbtcusd_1h: 10 candles from 2024-01-01T00:00:00Z to 2024-01-01T09:00:00Z")

		rows := dataRows(text)
		require.Len(t, rows, 3)
		assert.True(t, strings.HasPrefix(rows[0], "2024-01-01 07:00"))
		assert.True(t, strings.HasPrefix(rows[2], "2024-01-01 09:00"))
		assert.Contains(t, rows[2], "109")
	})

	t.Run("more requested than stored", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printTail(ctx, &out, store, table, timeframe.MustParse("1h"), 50))
		assert.Len(t, dataRows(out.String()), 10)
	})

	t.Run("lookback wider than a duration", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printTail(ctx, &out, store, table, timeframe.MustParse("35M"), 1_000_000))
		assert.Len(t, dataRows(out.String()), 10)
	})

	t.Run("missing table", func(t *testing.T) {
		var out bytes.Buffer
		assert.Error(t, printTail(ctx, &out, store, "absent", timeframe.MustParse("1h"), 3))
	})
}

func TestRun_TailReadsConfiguredStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "candles.duckdb")
	const table = "candles_tbtcusd_1h"

	seed, err := storage.OpenSQLStore(ctx, storage.ConnectionConfig{Driver: storage.DriverDuckDB, Path: dbPath}, nil)
	require.NoError(t, err)
	require.NoError(t, seed.Initialize(ctx, table))
	require.NoError(t, seed.Upsert(ctx, table, hourlyCandles(24)))
	require.NoError(t, seed.Close())

	configPath := filepath.Join(dir, "candles.yaml")
	yaml := fmt.Sprintf(`storage:
  driver: duckdb
  path: %s
logging:
  level: error
  output: file
  file_path: %s
`, dbPath, filepath.Join(dir, "candles.log"))
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"-config", configPath, "-tail", "2", "tBTCUSD", "1h", table}, &stdout, &stderr)

	require.Equal(t, ExitSuccess, code, stderr.String())
	assert.Contains(t, stdout.String(), "24 candles from 2024-01-01T00:00:00Z to 2024-01-01T23:00:00Z")

	rows := dataRows(stdout.String())
	require.Len(t, rows, 2)
	assert.True(t, strings.HasPrefix(rows[0], "2024-01-01 22:00"))
	assert.True(t, strings.HasPrefix(rows[1], "2024-01-01 23:00"))
}

// dataRows returns the lines printed below the table header separator.
func dataRows(out string) []string {
	_, body, found := strings.Cut(out, strings.Repeat("-", 97)+"\n")
	if !found {
		return nil
	}
	return strings.Split(strings.TrimRight(body, "\n"), "\n")
}
