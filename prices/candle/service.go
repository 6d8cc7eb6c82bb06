package candle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/linluma/pricehub/prices/provider"
	"github.com/linluma/pricehub/shared/models"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidInterval = errors.New("invalid interval")
)

// intervals accepted by the kline endpoint
var validIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Service fetches klines and runs them through Process. Nothing is cached
// between calls; concurrent identical requests share one upstream fetch.
type Service struct {
	source provider.KlineSource
	group  singleflight.Group
	logger *slog.Logger
}

// NewService creates a candle service backed by source
func NewService(source provider.KlineSource, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		logger: logger.With("component", "candle"),
	}
}

// Analyze returns processed candles for symbol. A non-positive limit means
// DefaultLimit; larger than MaxLimit is capped.
func (s *Service) Analyze(ctx context.Context, symbol, interval string, limit int) ([]models.ProcessedCandle, error) {
	symbol, ok := models.NormalizeSymbol(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if !validIntervals[interval] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	limit = clampLimit(limit)

	key := symbol + "|" + interval + "|" + strconv.Itoa(limit)
	v, err, shared := s.group.Do(key, func() (any, error) {
		bars, err := s.source.Klines(ctx, symbol, interval, limit)
		if err != nil {
			return nil, err
		}
		return Process(bars), nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "kline fetch failed", "symbol", symbol, "interval", interval, "error", err)
		return nil, err
	}

	s.logger.DebugContext(ctx, "candles analysed", "symbol", symbol, "interval", interval, "shared", shared)
	// callers may share one result
	return slices.Clone(v.([]models.ProcessedCandle)), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
