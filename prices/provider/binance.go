package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/linluma/pricehub/shared/config"
	"github.com/linluma/pricehub/shared/models"
	"golang.org/x/time/rate"
)

const (
	tickerEndpoint = "/api/v3/ticker/24hr"
	klinesEndpoint = "/api/v3/klines"

	// Binance rejects a whole symbols=[...] batch when one pair does not exist
	codeInvalidSymbol = -1121
)

// binanceTicker is the subset of the 24hr ticker payload we use
type binanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// apiError is a non-2xx reply carrying a Binance error body
type apiError struct {
	endpoint string
	status   int
	binanceError
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%v: GET %s: status %d: %s (code %d)", ErrProviderUnavailable, e.endpoint, e.status, e.Msg, e.Code)
}

func (e *apiError) Unwrap() error { return ErrProviderUnavailable }

func isInvalidSymbol(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol
}

// BinanceClient is the primary market data provider, talking to the Binance REST API
type BinanceClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	symbols *symbolCache
	logger  *slog.Logger

	// canonical symbols the exchange rejected; kept out of later batches
	unknownMu sync.RWMutex
	unknown   map[string]struct{}
}

// NewBinanceClient creates a REST client. Retries are left to the caller's fetch cadence.
func NewBinanceClient(cfg config.BinanceConfig, logger *slog.Logger) *BinanceClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	burst := int(math.Max(1, cfg.RequestsPerSec))
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	return &BinanceClient{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		symbols: newSymbolCache(cfg.QuoteAsset),
		logger:  logger.With("provider", models.SourceBinance),
		unknown: make(map[string]struct{}),
	}
}

// Name returns the source name
func (b *BinanceClient) Name() models.SourceName {
	return models.SourceBinance
}

// Ticker returns the 24h ticker of one canonical symbol
func (b *BinanceClient) Ticker(ctx context.Context, symbol string) (models.Ticker, error) {
	body, err := b.get(ctx, tickerEndpoint, map[string]string{
		"symbol": b.symbols.toExchange(symbol),
	})
	if err != nil {
		return models.Ticker{}, err
	}

	var raw binanceTicker
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.Ticker{}, malformed("decode ticker: %v", err)
	}
	return b.normalizeTicker(raw)
}

// TickersMulti returns tickers for all canonical symbols in one request.
// Symbols the exchange does not list are left out of the result and of
// every later batch.
func (b *BinanceClient) TickersMulti(ctx context.Context, symbols []string) ([]models.Ticker, error) {
	symbols = b.listed(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(b.symbols.toExchangeAll(symbols))
	if err != nil {
		return nil, err
	}

	body, err := b.get(ctx, tickerEndpoint, map[string]string{"symbols": string(encoded)})
	if isInvalidSymbol(err) {
		b.logger.DebugContext(ctx, "batch rejected for an unknown symbol, querying one by one", "symbols", len(symbols))
		return b.tickersOneByOne(ctx, symbols)
	}
	if err != nil {
		return nil, err
	}

	var raw []binanceTicker
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed("decode tickers: %v", err)
	}

	tickers := make([]models.Ticker, 0, len(raw))
	for _, r := range raw {
		ticker, err := b.normalizeTicker(r)
		if err != nil {
			return nil, err
		}
		if ticker.Symbol == "" {
			continue
		}
		tickers = append(tickers, ticker)
	}
	return tickers, nil
}

// tickersOneByOne finds the pairs behind an invalid-symbol batch
func (b *BinanceClient) tickersOneByOne(ctx context.Context, symbols []string) ([]models.Ticker, error) {
	tickers := make([]models.Ticker, 0, len(symbols))
	for _, sym := range symbols {
		ticker, err := b.Ticker(ctx, sym)
		if isInvalidSymbol(err) {
			b.markUnknown(sym)
			continue
		}
		if err != nil {
			return nil, err
		}
		if ticker.Symbol != "" {
			tickers = append(tickers, ticker)
		}
	}
	return tickers, nil
}

func (b *BinanceClient) listed(symbols []string) []string {
	b.unknownMu.RLock()
	defer b.unknownMu.RUnlock()
	if len(b.unknown) == 0 {
		return symbols
	}
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := b.unknown[sym]; !ok {
			out = append(out, sym)
		}
	}
	return out
}

func (b *BinanceClient) markUnknown(symbol string) {
	b.unknownMu.Lock()
	b.unknown[symbol] = struct{}{}
	b.unknownMu.Unlock()
	b.logger.Warn("symbol not listed on exchange, dropping it from polls", "symbol", symbol)
}

// Klines returns historical bars. Numeric fields arrive as strings; anything
// unparsable becomes NaN rather than failing the whole response.
func (b *BinanceClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	body, err := b.get(ctx, klinesEndpoint, map[string]string{
		"symbol":   b.symbols.toExchange(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, malformed("decode klines: %v", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 7 {
			return nil, malformed("kline %d has %d fields, want at least 7", i, len(row))
		}
		candles = append(candles, models.Candle{
			OpenTime:  parseMillis(row[0]),
			Open:      parseLenient(row[1]),
			High:      parseLenient(row[2]),
			Low:       parseLenient(row[3]),
			Close:     parseLenient(row[4]),
			Volume:    parseLenient(row[5]),
			CloseTime: parseMillis(row[6]),
		})
	}
	return candles, nil
}

func (b *BinanceClient) get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, unavailable("rate limiter: %v", err)
	}

	start := time.Now()
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(endpoint)
	if err != nil {
		return nil, unavailable("GET %s: %v", endpoint, err)
	}

	b.logger.DebugContext(ctx, "provider request",
		"endpoint", endpoint,
		"status", resp.StatusCode(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.IsError() {
		var apiErr binanceError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Msg != "" {
			return nil, &apiError{endpoint: endpoint, status: resp.StatusCode(), binanceError: apiErr}
		}
		return nil, unavailable("GET %s: status %d", endpoint, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (b *BinanceClient) normalizeTicker(raw binanceTicker) (models.Ticker, error) {
	canonical, err := b.symbols.FromExchangeSymbol(raw.Symbol)
	if err != nil {
		// not something we asked for
		b.logger.Debug("skipping unrequested ticker", "symbol", raw.Symbol)
		return models.Ticker{}, nil
	}

	last, err := strconv.ParseFloat(raw.LastPrice, 64)
	if err != nil {
		return models.Ticker{}, malformed("invalid lastPrice %q for %s", raw.LastPrice, raw.Symbol)
	}
	change, err := strconv.ParseFloat(raw.PriceChange, 64)
	if err != nil {
		return models.Ticker{}, malformed("invalid priceChange %q for %s", raw.PriceChange, raw.Symbol)
	}
	changePct, err := strconv.ParseFloat(raw.PriceChangePercent, 64)
	if err != nil {
		return models.Ticker{}, malformed("invalid priceChangePercent %q for %s", raw.PriceChangePercent, raw.Symbol)
	}

	return models.Ticker{
		Symbol:             canonical,
		LastPrice:          last,
		PriceChange:        change,
		PriceChangePercent: changePct,
	}, nil
}

// parseLenient reads a JSON string or number as float64, NaN when neither parses
func parseLenient(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return math.NaN()
}

func parseMillis(raw json.RawMessage) time.Time {
	ms := parseLenient(raw)
	if math.IsNaN(ms) {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
