package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/linluma/pricehub/prices/adapter"
	"github.com/linluma/pricehub/prices/candle"
	"github.com/linluma/pricehub/prices/provider"
	"github.com/linluma/pricehub/prices/store"
	"github.com/linluma/pricehub/shared/models"
	"github.com/linluma/pricehub/shared/wire"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// PriceStore is what the server needs from a price store
type PriceStore interface {
	adapter.Store
	Name() models.SourceName
	Reconnect()
}

// CandleAnalyzer produces processed candles on demand
type CandleAnalyzer interface {
	Analyze(ctx context.Context, symbol, interval string, limit int) ([]models.ProcessedCandle, error)
}

// PriceFeedServer is the server API for the PriceFeed service
type PriceFeedServer interface {
	Subscribe(stream grpc.ServerStream) error
	GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetCandles(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes PriceFeed for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*PriceFeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: unaryHandler(wire.GetSnapshotMethod, PriceFeedServer.GetSnapshot)},
		{MethodName: "GetCandles", Handler: unaryHandler(wire.GetCandlesMethod, PriceFeedServer.GetCandles)},
		{MethodName: "Reconnect", Handler: unaryHandler(wire.ReconnectMethod, PriceFeedServer.Reconnect)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(PriceFeedServer).Subscribe(stream) },
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pricehub/v1/price_feed.proto",
}

type unaryMethod func(PriceFeedServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(PriceFeedServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(PriceFeedServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// PriceServer serves prices from one or more stores and candles from an analyzer.
// The first store is the default when a request names no source.
type PriceServer struct {
	stores      []PriceStore
	candles     CandleAnalyzer
	logger      *slog.Logger
	subscribers prometheus.Gauge
}

// NewPriceServer creates the PriceFeed implementation; reg may be nil
func NewPriceServer(stores []PriceStore, candles CandleAnalyzer, logger *slog.Logger, reg prometheus.Registerer) *PriceServer {
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricehub",
		Name:      "grpc_subscribers",
		Help:      "Open PriceFeed.Subscribe streams.",
	})
	if reg != nil {
		reg.MustRegister(subscribers)
	}

	return &PriceServer{
		stores:      stores,
		candles:     candles,
		logger:      logger.With("component", "grpc"),
		subscribers: subscribers,
	}
}

// Register attaches the service to s
func (p *PriceServer) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&ServiceDesc, p)
}

func (p *PriceServer) storeFor(source models.SourceName) (PriceStore, error) {
	if len(p.stores) == 0 {
		return nil, status.Error(codes.Unavailable, "no price stores configured")
	}
	if source == "" {
		return p.stores[0], nil
	}
	for _, st := range p.stores {
		if st.Name() == source {
			return st, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "unknown source %q", source)
}

// Subscribe streams price frames for the requested symbols. The first client
// message attaches; later messages replace the symbol list. A frame is sent
// whenever the subscriber's view changes.
func (p *PriceServer) Subscribe(stream grpc.ServerStream) error {
	ctx := stream.Context()

	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	req := wire.DecodeRequest(first)

	st, err := p.storeFor(req.Source)
	if err != nil {
		return err
	}
	symbols := store.NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return status.Error(codes.InvalidArgument, "no valid symbols requested")
	}

	frames := newLatestFrame()
	a := adapter.New(st, frames.put)
	a.Attach(symbols)
	defer a.Detach()

	p.subscribers.Inc()
	defer p.subscribers.Dec()
	p.logger.InfoContext(ctx, "subscriber attached", "source", st.Name(), "symbols", symbols)
	defer p.logger.InfoContext(ctx, "subscriber detached", "source", st.Name())

	recvErr := make(chan error, 1)
	go func() { recvErr <- p.receiveUpdates(stream, a) }()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case err := <-recvErr:
			if err != nil {
				return err
			}
			// client half-closed; keep streaming until it goes away
			recvErr = nil
		case <-frames.ready:
			snap, ok := frames.take()
			if !ok {
				continue
			}
			if err := stream.SendMsg(wire.EncodeSnapshot(snap)); err != nil {
				return err
			}
		}
	}
}

func (p *PriceServer) receiveUpdates(stream grpc.ServerStream, a *adapter.Adapter) error {
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		symbols := store.NormalizeSymbols(wire.DecodeRequest(msg).Symbols)
		if len(symbols) == 0 {
			p.logger.Debug("ignoring symbol update with no valid symbols")
			continue
		}
		a.SetSymbols(symbols)
	}
}

// GetSnapshot returns the current frame, filtered to symbols when any are given
func (p *PriceServer) GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := wire.DecodeRequest(req)
	st, err := p.storeFor(r.Source)
	if err != nil {
		return nil, err
	}

	snap := st.GetSnapshot()
	if len(r.Symbols) > 0 {
		filtered := make(map[string]models.PriceRecord)
		for _, sym := range store.NormalizeSymbols(r.Symbols) {
			if rec, ok := snap.Prices[sym]; ok {
				filtered[sym] = rec
			}
		}
		snap.Prices = filtered
	}
	return wire.EncodeSnapshot(snap), nil
}

// GetCandles fetches and analyses klines
func (p *PriceServer) GetCandles(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if p.candles == nil {
		return nil, status.Error(codes.Unimplemented, "candles are not served")
	}

	r := wire.DecodeRequest(req)
	candles, err := p.candles.Analyze(ctx, r.Symbol, r.Interval, r.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return wire.EncodeCandles(r.Symbol, r.Interval, candles), nil
}

// Reconnect restarts the selected store's fetch cycle
func (p *PriceServer) Reconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := p.storeFor(wire.DecodeRequest(req).Source)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "reconnect requested", "source", st.Name())
	st.Reconnect()
	return wire.EncodeSnapshot(st.GetSnapshot()), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, candle.ErrInvalidSymbol), errors.Is(err, candle.ErrInvalidInterval):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, provider.ErrProviderUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, provider.ErrMalformedResponse):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// latestFrame hands the newest snapshot to the stream sender. A slow client
// skips intermediate frames instead of blocking store notifications.
type latestFrame struct {
	mu      sync.Mutex
	pending *models.Snapshot
	ready   chan struct{}
}

func newLatestFrame() *latestFrame {
	return &latestFrame{ready: make(chan struct{}, 1)}
}

func (l *latestFrame) put(snap models.Snapshot) {
	l.mu.Lock()
	l.pending = &snap
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestFrame) take() (models.Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return models.Snapshot{}, false
	}
	snap := *l.pending
	l.pending = nil
	return snap, true
}
