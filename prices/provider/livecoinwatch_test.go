package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linluma/pricehub/shared/config"
	"github.com/linluma/pricehub/shared/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveCoinWatchTickersMulti(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/coins/map", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		var req lcwMapRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"BTC", "ETH", "NEW"}, req.Codes)
		assert.Equal(t, "USD", req.Currency)
		assert.False(t, req.Meta)

		w.Write([]byte(`[
			{"code":"BTC","rate":50000,"delta":{"hour":1.001,"day":1.02}},
			{"code":"ETH","rate":2000,"delta":{"day":0.95}},
			{"code":"NEW","rate":null,"delta":{}}
		]`))
	}))
	defer server.Close()

	client := NewLiveCoinWatchClient(config.LiveCoinWatchConfig{
		BaseURL: server.URL,
		APIKey:  "secret",
	}, time.Second, logging.Discard())

	tickers, err := client.TickersMulti(context.Background(), []string{"btc", "ETH", "NEW"})
	require.NoError(t, err)
	require.Len(t, tickers, 2)

	assert.Equal(t, "BTC", tickers[0].Symbol)
	assert.Equal(t, 50000.0, tickers[0].LastPrice)
	assert.InDelta(t, 2.0, tickers[0].PriceChangePercent, 1e-9)
	assert.InDelta(t, 50000-50000/1.02, tickers[0].PriceChange, 1e-6)

	assert.Equal(t, "ETH", tickers[1].Symbol)
	assert.InDelta(t, -5.0, tickers[1].PriceChangePercent, 1e-9)
}

func TestLiveCoinWatchTickersMulti_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"status":"Unauthorized","description":"Invalid API key"}}`))
	}))
	defer server.Close()

	client := NewLiveCoinWatchClient(config.LiveCoinWatchConfig{BaseURL: server.URL}, time.Second, logging.Discard())

	_, err := client.TickersMulti(context.Background(), []string{"BTC"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestLiveCoinWatchTickersMulti_Empty(t *testing.T) {
	client := NewLiveCoinWatchClient(config.LiveCoinWatchConfig{BaseURL: "http://127.0.0.1:0"}, time.Second, logging.Discard())

	tickers, err := client.TickersMulti(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, tickers)
}
