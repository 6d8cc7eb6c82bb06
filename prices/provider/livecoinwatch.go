package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/linluma/pricehub/shared/config"
	"github.com/linluma/pricehub/shared/models"
)

const coinsMapEndpoint = "/coins/map"

type lcwMapRequest struct {
	Codes    []string `json:"codes"`
	Currency string   `json:"currency"`
	Sort     string   `json:"sort"`
	Order    string   `json:"order"`
	Offset   int      `json:"offset"`
	Limit    int      `json:"limit"`
	Meta     bool     `json:"meta"`
}

type lcwCoin struct {
	Code  string   `json:"code"`
	Rate  *float64 `json:"rate"`
	Delta struct {
		Day *float64 `json:"day"`
	} `json:"delta"`
}

type lcwError struct {
	Error struct {
		Code        int    `json:"code"`
		Status      string `json:"status"`
		Description string `json:"description"`
	} `json:"error"`
}

// LiveCoinWatchClient is a secondary ticker source. Its free tier is rate
// limited hard, so it is polled on a much slower cadence than Binance.
type LiveCoinWatchClient struct {
	client *resty.Client
	logger *slog.Logger
}

// NewLiveCoinWatchClient creates a client authenticated with cfg.APIKey
func NewLiveCoinWatchClient(cfg config.LiveCoinWatchConfig, timeout time.Duration, logger *slog.Logger) *LiveCoinWatchClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", cfg.APIKey)

	return &LiveCoinWatchClient{
		client: client,
		logger: logger.With("provider", models.SourceLiveCoinWatch),
	}
}

// Name returns the source name
func (l *LiveCoinWatchClient) Name() models.SourceName {
	return models.SourceLiveCoinWatch
}

// TickersMulti returns USD tickers for the canonical symbols. Delta.day is a
// ratio (1.02 means +2%), so change is derived from it.
func (l *LiveCoinWatchClient) TickersMulti(ctx context.Context, symbols []string) ([]models.Ticker, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	codes := make([]string, len(symbols))
	for i, s := range symbols {
		codes[i] = strings.ToUpper(s)
	}

	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(lcwMapRequest{
			Codes:    codes,
			Currency: "USD",
			Sort:     "rank",
			Order:    "ascending",
			Meta:     false,
		}).
		Post(coinsMapEndpoint)
	if err != nil {
		return nil, unavailable("POST %s: %v", coinsMapEndpoint, err)
	}

	if resp.IsError() {
		var apiErr lcwError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error.Description != "" {
			return nil, unavailable("POST %s: status %d: %s", coinsMapEndpoint, resp.StatusCode(), apiErr.Error.Description)
		}
		return nil, unavailable("POST %s: status %d", coinsMapEndpoint, resp.StatusCode())
	}

	var coins []lcwCoin
	if err := json.Unmarshal(resp.Body(), &coins); err != nil {
		return nil, malformed("decode coins: %v", err)
	}

	tickers := make([]models.Ticker, 0, len(coins))
	for _, c := range coins {
		if c.Rate == nil {
			// listed but not priced
			l.logger.DebugContext(ctx, "skipping coin without rate", "code", c.Code)
			continue
		}

		ticker := models.Ticker{
			Symbol:    strings.ToUpper(c.Code),
			LastPrice: *c.Rate,
		}
		if day := c.Delta.Day; day != nil && *day > 0 {
			ticker.PriceChangePercent = (*day - 1) * 100
			ticker.PriceChange = *c.Rate - *c.Rate / *day
		}
		tickers = append(tickers, ticker)
	}
	return tickers, nil
}
