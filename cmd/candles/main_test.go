package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_MissingArgumentsPrintsUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no arguments", nil},
		{"only currency", []string{"tBTCUSD"}},
		{"currency and timeframe", []string{"tBTCUSD", "1h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)

			assert.Equal(t, ExitSuccess, code)
			assert.Contains(t, stdout.String(), "USAGE:")
			assert.Contains(t, stdout.String(), "<currency> <timeframe> <table> [loglevel]")
		})
	}
}

func TestRun_HelpAndVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitSuccess, run(context.Background(), []string{"-h"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "USAGE:")

	stdout.Reset()
	assert.Equal(t, ExitSuccess, run(context.Background(), []string{"-version"}, &stdout, &stderr))
	assert.Equal(t, "candles version "+Version+"\n", stdout.String())
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-nope", "tBTCUSD", "1h", "candles"}, &stdout, &stderr)
	assert.Equal(t, ExitUsageError, code)
}

func TestRun_InvalidTimeframeIsFatal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", missing, "tBTCUSD", "2x", "candles"}, &stdout, &stderr)

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "is not a valid timeframe")
}

func TestRun_IngestsUntilCancelled(t *testing.T) {
	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -2)

	var candleRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "/candles/") {
			candleRequests.Add(1)
			assert.Equal(t, "/v2/candles/trade:1D:tBTCUSD/hist", r.URL.Path)
			fmt.Fprintf(w, `[[%d,100,101,102,99,3.5]]`, start.UnixMilli())
			return
		}
		_, _ = w.Write([]byte(`[1]`))
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "candles.yaml")
	yaml := fmt.Sprintf(`exchange:
  base_url: %s
  timeout: 2s
  requests_per_minute: 60000
storage:
  driver: memory
ingest:
  start_date: %s
  save_interval: 1ms
  poll_interval: 10ms
  relaxed_poll_interval: 10ms
logging:
  level: error
  output: file
  file_path: %s
`, server.URL, start.Format(time.RFC3339), filepath.Join(dir, "candles.log"))
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"-config", configPath, "tBTCUSD", "1D", "candles_tbtcusd_1d"}, &stdout, &stderr)

	assert.Equal(t, ExitSuccess, code, stderr.String())
	assert.GreaterOrEqual(t, candleRequests.Load(), int32(1))
}
