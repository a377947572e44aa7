package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/johnayoung/go-candle-ingestor/internal/storage"
	"github.com/johnayoung/go-candle-ingestor/internal/timeframe"
)

// tail opens the configured store and prints its newest n candles.
func (a *app) tail(ctx context.Context, w io.Writer, n int) error {
	tf, err := a.cfg.Ingest.ParsedTimeframe()
	if err != nil {
		return err
	}

	store, err := a.opener.Open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	return printTail(ctx, w, store, a.cfg.Ingest.Table, tf, n)
}

// printTail writes the table summary followed by its newest n candles in
// ascending order.
func printTail(ctx context.Context, w io.Writer, store storage.CandleReader, table string, tf timeframe.Timeframe, n int) error {
	stats, err := store.Stats(ctx, table)
	if err != nil {
		return err
	}

	if stats.Rows == 0 {
		fmt.Fprintf(w, "%s: no candles stored\n", table)
		return nil
	}
	fmt.Fprintf(w, "%s: %d candles from %s to %s\n\n", table, stats.Rows,
		stats.Earliest.Format(time.RFC3339), stats.Latest.Format(time.RFC3339))

	// Month candles vary in length, so look back twice as far and trim. A
	// lookback too wide for a time.Duration reads the whole table.
	var req storage.QueryRequest
	if int64(2*n) <= math.MaxInt64/int64(tf.CandleDuration()) {
		req.Start = stats.Latest.Add(-time.Duration(2*n) * tf.CandleDuration())
	}
	candles, err := store.Query(ctx, table, req)
	if err != nil {
		return err
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}

	// Table header
	fmt.Fprintf(w, "%-20s %-14s %-14s %-14s %-14s %-16s\n",
		"Timestamp", "Open", "High", "Low", "Close", "Volume")
	fmt.Fprintln(w, strings.Repeat("-", 97))

	for _, c := range candles {
		fmt.Fprintf(w, "%-20s %-14s %-14s %-14s %-14s %-16s\n",
			c.Timestamp.Format("2006-01-02 15:04"),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String())
	}
	return nil
}
