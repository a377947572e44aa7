package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"github.com/johnayoung/go-candle-ingestor/internal/models"
	"github.com/johnayoung/go-candle-ingestor/internal/timeframe"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// Bitfinex public API base URL
	bitfinexBaseURL = "https://api.bitfinex.com"

	// API endpoints
	candlesEndpoint = "/v2/candles/trade:%s:%s/hist"
	statusEndpoint  = "/v2/platform/status"

	// Rate limiting configuration
	defaultRequestsPerMinute = 30
	rateLimitBurst           = 1

	// Request configuration
	requestTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20

	// endGuard is subtracted from the window end so the exchange's inclusive
	// end bound behaves as exclusive.
	endGuard = 100 * time.Millisecond

	// Each row is [mts, open, close, high, low, volume].
	rowFields = 6

	// Health check configuration
	healthCheckTimeout = 5 * time.Second
)

// BitfinexConfig configures the Bitfinex adapter. Zero values fall back to defaults.
type BitfinexConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	UserAgent         string
}

// BitfinexAdapter fetches candles from the Bitfinex public REST API.
// Apart from the rate limiter it keeps no state between calls.
type BitfinexAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	userAgent   string
	logger      *slog.Logger
}

// NewBitfinexAdapter creates a Bitfinex adapter.
func NewBitfinexAdapter(cfg BitfinexConfig, logger *slog.Logger) *BitfinexAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = bitfinexBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = requestTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "go-candle-ingestor/1.0"
	}

	return &BitfinexAdapter{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), rateLimitBurst),
		baseURL:     cfg.BaseURL,
		userAgent:   cfg.UserAgent,
		logger:      logger.With("component", "bitfinex"),
	}
}

// FetchCandles implements the CandleFetcher interface.
func (b *BitfinexAdapter) FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	// The guarded range is empty when now is less than endGuard past the
	// window start; the next cycle picks the window up again.
	if !req.EffectiveEnd().Add(-endGuard).After(req.Start) {
		b.logger.Debug("window too close to now, nothing to fetch",
			"symbol", req.Symbol,
			"start", req.Start,
			"now", req.Now)
		return []models.Candle{}, nil
	}

	requestURL := b.candlesURL(req)

	b.logger.Debug("fetching candles",
		"symbol", req.Symbol,
		"timeframe", req.Timeframe.String(),
		"start", req.Start,
		"end", req.End,
		"url", requestURL)

	if err := b.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	body, err := b.get(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	candles, err := decodeCandles(requestURL, body)
	if err != nil {
		return nil, err
	}

	if err := models.ValidateSequence(candles, req.Start, req.End); err != nil {
		return nil, ingesterrors.NewDecodeError(requestURL, "candle batch out of order", err)
	}

	b.logger.Debug("fetched candles", "count", len(candles), "url", requestURL)
	return candles, nil
}

// HealthCheck implements the HealthChecker interface using the platform
// status endpoint, which answers [1] when operative and [0] in maintenance.
func (b *BitfinexAdapter) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	requestURL := b.baseURL + statusEndpoint
	body, err := b.get(healthCtx, requestURL)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}

	var status []int
	if err := json.Unmarshal(body, &status); err != nil {
		return ingesterrors.NewDecodeError(requestURL, "platform status", err)
	}
	if len(status) == 0 || status[0] != 1 {
		return fmt.Errorf("health check failed: platform in maintenance")
	}

	b.logger.Debug("health check passed")
	return nil
}

// candlesURL builds the paginated history URL for one window. The end bound is
// clamped to the cycle's now and pulled back by endGuard.
func (b *BitfinexAdapter) candlesURL(req FetchRequest) string {
	startMS := req.Start.UnixMilli()
	endMS := req.EffectiveEnd().Add(-endGuard).UnixMilli()

	params := url.Values{}
	params.Set("start", strconv.FormatInt(startMS, 10))
	params.Set("end", strconv.FormatInt(endMS, 10))
	params.Set("sort", "1")
	params.Set("limit", strconv.Itoa(timeframe.PageLimit))

	path := fmt.Sprintf(candlesEndpoint, url.PathEscape(req.Timeframe.Token()), url.PathEscape(req.Symbol))
	return b.baseURL + path + "?" + params.Encode()
}

func (b *BitfinexAdapter) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", requestURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", requestURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ingesterrors.NewAPIError(resp.StatusCode, requestURL, string(body))
	}

	return body, nil
}

// decodeCandles strictly decodes a JSON array of [mts, open, close, high, low,
// volume] rows. Numbers are kept as literals so no precision is lost.
func decodeCandles(requestURL string, body []byte) ([]models.Candle, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var rows [][]json.Number
	if err := dec.Decode(&rows); err != nil {
		return nil, ingesterrors.NewDecodeError(requestURL, "expected array of candle rows", err)
	}
	if dec.More() {
		return nil, ingesterrors.NewDecodeError(requestURL, "trailing data after candle array", nil)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := decodeRow(row)
		if err != nil {
			return nil, ingesterrors.NewDecodeError(requestURL, fmt.Sprintf("row %d", i), err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

func decodeRow(row []json.Number) (models.Candle, error) {
	if len(row) != rowFields {
		return models.Candle{}, fmt.Errorf("expected %d fields, got %d", rowFields, len(row))
	}

	mts, err := row[0].Int64()
	if err != nil {
		return models.Candle{}, fmt.Errorf("timestamp %q: %w", row[0], err)
	}

	values := make([]decimal.Decimal, rowFields-1)
	for i := 1; i < rowFields; i++ {
		d, err := decimal.NewFromString(row[i].String())
		if err != nil {
			return models.Candle{}, fmt.Errorf("field %d %q: %w", i, row[i], err)
		}
		values[i-1] = d
	}

	return models.Candle{
		Timestamp: time.UnixMilli(mts).UTC(),
		Open:      values[0],
		Close:     values[1],
		High:      values[2],
		Low:       values[3],
		Volume:    values[4],
	}, nil
}
