package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/pricehub/prices/candle"
	"github.com/linluma/pricehub/prices/provider"
	"github.com/linluma/pricehub/prices/store"
	"github.com/linluma/pricehub/shared/logging"
	"github.com/linluma/pricehub/shared/models"
	"github.com/linluma/pricehub/shared/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type priceSource struct {
	name   models.SourceName
	prices map[string]float64
}

func (p *priceSource) Name() models.SourceName { return p.name }

func (p *priceSource) TickersMulti(ctx context.Context, symbols []string) ([]models.Ticker, error) {
	var out []models.Ticker
	for _, sym := range symbols {
		if price, ok := p.prices[sym]; ok {
			out = append(out, models.Ticker{Symbol: sym, LastPrice: price, PriceChangePercent: 1.5})
		}
	}
	return out, nil
}

type analyzerFunc func(ctx context.Context, symbol, interval string, limit int) ([]models.ProcessedCandle, error)

func (f analyzerFunc) Analyze(ctx context.Context, symbol, interval string, limit int) ([]models.ProcessedCandle, error) {
	return f(ctx, symbol, interval, limit)
}

type harness struct {
	conn    *grpc.ClientConn
	primary *store.Store
	server  *PriceServer
}

func newHarness(t *testing.T, analyzer CandleAnalyzer) *harness {
	t.Helper()

	newStore := func(name models.SourceName, prices map[string]float64) *store.Store {
		s := store.New(&priceSource{name: name, prices: prices},
			store.WithClock(clock.NewMock()),
			store.WithMinFetchInterval(0),
			store.WithLogger(logging.Discard()),
		)
		t.Cleanup(s.Close)
		return s
	}
	primary := newStore(models.SourceBinance, map[string]float64{"BTC": 100, "ETH": 10})
	secondary := newStore(models.SourceLiveCoinWatch, map[string]float64{"BTC": 101})

	ps := NewPriceServer([]PriceStore{primary, secondary}, analyzer, logging.Discard(), prometheus.NewRegistry())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	ps.Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{conn: conn, primary: primary, server: ps}
}

func (h *harness) invoke(t *testing.T, method string, req wire.Request) (*structpb.Struct, error) {
	t.Helper()
	in, err := wire.EncodeRequest(req)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = h.conn.Invoke(context.Background(), method, in, out)
	return out, err
}

func (h *harness) subscribe(t *testing.T, ctx context.Context, symbols ...string) grpc.ClientStream {
	t.Helper()
	stream, err := h.conn.NewStream(ctx, &ServiceDesc.Streams[0], wire.SubscribeMethod)
	require.NoError(t, err)
	send(t, stream, symbols...)
	return stream
}

func send(t *testing.T, stream grpc.ClientStream, symbols ...string) {
	t.Helper()
	msg, err := wire.EncodeRequest(wire.Request{Symbols: symbols})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(msg))
}

// recvUntil reads frames until one satisfies match
func recvUntil(t *testing.T, stream grpc.ClientStream, match func(models.Snapshot) bool) models.Snapshot {
	t.Helper()
	for {
		msg := new(structpb.Struct)
		require.NoError(t, stream.RecvMsg(msg))
		snap, err := wire.DecodeSnapshot(msg)
		require.NoError(t, err)
		if match(snap) {
			return snap
		}
	}
}

func TestSubscribe_StreamsFilteredFrames(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := h.subscribe(t, ctx, "btc")
	snap := recvUntil(t, stream, func(s models.Snapshot) bool { return s.State == models.StateLive })
	assert.Equal(t, models.SourceBinance, snap.Source)
	require.Len(t, snap.Prices, 1)
	assert.Equal(t, 100.0, snap.Prices["BTC"].PriceUSD)
	assert.Equal(t, 1.5, snap.Prices["BTC"].Change24hPercent)

	send(t, stream, "ETH")
	snap = recvUntil(t, stream, func(s models.Snapshot) bool {
		_, ok := s.Prices["ETH"]
		return ok
	})
	assert.NotContains(t, snap.Prices, "BTC", "the new list replaces the old one")
	assert.Equal(t, []string{"BTC", "ETH"}, h.primary.Symbols())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.server.subscribers))

	cancel()
	require.Eventually(t, func() bool { return h.primary.ObserverCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.primary.Running(), "last subscriber gone stops polling")
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.server.subscribers) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe_SelectsSource(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.conn.NewStream(ctx, &ServiceDesc.Streams[0], wire.SubscribeMethod)
	require.NoError(t, err)
	msg, err := wire.EncodeRequest(wire.Request{Source: models.SourceLiveCoinWatch, Symbols: []string{"BTC"}})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(msg))

	snap := recvUntil(t, stream, func(s models.Snapshot) bool { return s.State == models.StateLive })
	assert.Equal(t, models.SourceLiveCoinWatch, snap.Source)
	assert.Equal(t, 101.0, snap.Prices["BTC"].PriceUSD)
}

func TestSubscribe_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := h.subscribe(t, ctx, "not a symbol", "")
	err := stream.RecvMsg(new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stream, err = h.conn.NewStream(ctx, &ServiceDesc.Streams[0], wire.SubscribeMethod)
	require.NoError(t, err)
	msg, err := wire.EncodeRequest(wire.Request{Source: "nope", Symbols: []string{"BTC"}})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(msg))
	err = stream.RecvMsg(new(structpb.Struct))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSubscribe_KeepsStreamingAfterHalfClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := h.subscribe(t, ctx, "BTC")
	require.NoError(t, stream.CloseSend())
	recvUntil(t, stream, func(s models.Snapshot) bool { return s.State == models.StateLive })

	h.primary.ApplyTickers([]models.Ticker{{Symbol: "BTC", LastPrice: 250}})
	snap := recvUntil(t, stream, func(s models.Snapshot) bool { return s.Prices["BTC"].PriceUSD == 250 })
	assert.Equal(t, 250.0*store.DefaultLocalRate, snap.Prices["BTC"].PriceLocal)
}

func TestGetSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.ApplyTickers([]models.Ticker{{Symbol: "BTC", LastPrice: 1}, {Symbol: "ETH", LastPrice: 2}})

	out, err := h.invoke(t, wire.GetSnapshotMethod, wire.Request{})
	require.NoError(t, err)
	snap, err := wire.DecodeSnapshot(out)
	require.NoError(t, err)
	assert.Len(t, snap.Prices, 2)
	assert.Equal(t, models.StateLive, snap.State)

	out, err = h.invoke(t, wire.GetSnapshotMethod, wire.Request{Symbols: []string{"eth", "DOGE"}})
	require.NoError(t, err)
	snap, err = wire.DecodeSnapshot(out)
	require.NoError(t, err)
	require.Len(t, snap.Prices, 1)
	assert.Equal(t, 2.0, snap.Prices["ETH"].PriceUSD)

	_, err = h.invoke(t, wire.GetSnapshotMethod, wire.Request{Source: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGetCandles(t *testing.T) {
	opened := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, analyzerFunc(func(ctx context.Context, symbol, interval string, limit int) ([]models.ProcessedCandle, error) {
		switch symbol {
		case "BTC":
			assert.Equal(t, "1h", interval)
			assert.Equal(t, 2, limit)
			return []models.ProcessedCandle{{
				Candle:    models.Candle{OpenTime: opened, CloseTime: opened.Add(time.Hour), Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 10},
				Momentum:  42,
				BodySize:  1,
				IsBullish: true,
			}}, nil
		case "BAD":
			return nil, fmt.Errorf("%w: %q", candle.ErrInvalidSymbol, symbol)
		case "DOWN":
			return nil, fmt.Errorf("%w: status 503", provider.ErrProviderUnavailable)
		case "GARBLED":
			return nil, fmt.Errorf("%w: short row", provider.ErrMalformedResponse)
		default:
			return nil, errors.New("boom")
		}
	}))

	out, err := h.invoke(t, wire.GetCandlesMethod, wire.Request{Symbol: "BTC", Interval: "1h", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "BTC", out.GetFields()["symbol"].GetStringValue())
	candles, err := wire.DecodeCandles(out)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 42.0, candles[0].Momentum)
	assert.True(t, candles[0].IsBullish)
	assert.True(t, opened.Equal(candles[0].OpenTime))

	tests := []struct {
		symbol string
		code   codes.Code
	}{
		{"BAD", codes.InvalidArgument},
		{"DOWN", codes.Unavailable},
		{"GARBLED", codes.Internal},
		{"OTHER", codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			_, err := h.invoke(t, wire.GetCandlesMethod, wire.Request{Symbol: tt.symbol, Interval: "1h"})
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestGetCandles_NotServed(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.invoke(t, wire.GetCandlesMethod, wire.Request{Symbol: "BTC"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.ApplyTickers([]models.Ticker{{Symbol: "BTC", LastPrice: 1}})

	out, err := h.invoke(t, wire.ReconnectMethod, wire.Request{})
	require.NoError(t, err)
	snap, err := wire.DecodeSnapshot(out)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnecting, snap.State)
	assert.Empty(t, snap.Error)
	assert.Contains(t, snap.Prices, "BTC", "records survive a reconnect")

	_, err = h.invoke(t, wire.ReconnectMethod, wire.Request{Source: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestLatestFrameKeepsNewest(t *testing.T) {
	f := newLatestFrame()
	_, ok := f.take()
	assert.False(t, ok)

	f.put(models.Snapshot{UpdateCount: 1})
	f.put(models.Snapshot{UpdateCount: 2})
	assert.Len(t, f.ready, 1)

	snap, ok := f.take()
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.UpdateCount)
	_, ok = f.take()
	assert.False(t, ok)
}
