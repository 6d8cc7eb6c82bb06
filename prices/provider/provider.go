package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linluma/pricehub/shared/models"
)

// Failure kinds. Every provider error wraps exactly one of these.
var (
	ErrProviderUnavailable = errors.New("market data provider unavailable")
	ErrMalformedResponse   = errors.New("malformed provider response")
)

// TickerSource returns current ticker snapshots for a batch of canonical symbols.
// Symbols the provider does not know are absent from the result, not an error.
type TickerSource interface {
	Name() models.SourceName
	TickersMulti(ctx context.Context, symbols []string) ([]models.Ticker, error)
}

// KlineSource returns historical OHLCV bars ordered by open time
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// RetryConfig holds retry configuration parameters
type RetryConfig struct {
	InitialDelay   time.Duration // e.g., 1 second
	MaxDelay       time.Duration // e.g., 30 seconds
	MaxRetries     int           // e.g., 10 attempts
	StormThreshold int           // e.g., 5 failures per minute
	BackoffFactor  float64       // e.g., 2.0 (exponential)
	Jitter         bool
}

// DefaultRetryConfig is used by streams unless overridden
var DefaultRetryConfig = RetryConfig{
	InitialDelay:   1 * time.Second,
	MaxDelay:       30 * time.Second,
	MaxRetries:     10,
	StormThreshold: 5,
	BackoffFactor:  2.0,
	Jitter:         true,
}

// ConnectionHealth tracks stream connection health
type ConnectionHealth struct {
	FailureCount     int
	LastFailureTime  time.Time
	ConsecutiveFails int
	RetryAttempt     int
	InStormMode      bool
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProviderUnavailable, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// symbolCache converts canonical symbols (BTC) to exchange pairs (BTCUSDT) and back in O(1)
type symbolCache struct {
	mu                  sync.RWMutex
	quote               string
	canonicalToExchange map[string]string // BTC -> BTCUSDT
	exchangeToCanonical map[string]string // BTCUSDT -> BTC
}

func newSymbolCache(quote string) *symbolCache {
	return &symbolCache{
		quote:               strings.ToUpper(quote),
		canonicalToExchange: make(map[string]string),
		exchangeToCanonical: make(map[string]string),
	}
}

func (c *symbolCache) toExchange(canonical string) string {
	canonical = strings.ToUpper(canonical)

	c.mu.RLock()
	exchangeSymbol, ok := c.canonicalToExchange[canonical]
	c.mu.RUnlock()
	if ok {
		return exchangeSymbol
	}

	exchangeSymbol = canonical
	if !strings.HasSuffix(canonical, c.quote) || canonical == c.quote {
		exchangeSymbol = canonical + c.quote
	}

	c.mu.Lock()
	c.canonicalToExchange[canonical] = exchangeSymbol
	c.exchangeToCanonical[exchangeSymbol] = canonical
	c.mu.Unlock()
	return exchangeSymbol
}

func (c *symbolCache) toExchangeAll(canonical []string) []string {
	out := make([]string, len(canonical))
	for i, s := range canonical {
		out[i] = c.toExchange(s)
	}
	return out
}

// FromExchangeSymbol converts an exchange pair back to the canonical symbol it was requested as
func (c *symbolCache) FromExchangeSymbol(exchangeSymbol string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	canonical, exists := c.exchangeToCanonical[strings.ToUpper(exchangeSymbol)]
	if !exists {
		return "", fmt.Errorf("exchange symbol %s not found in cache", exchangeSymbol)
	}
	return canonical, nil
}
