package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linluma/pricehub/prices/candle"
	"github.com/linluma/pricehub/prices/provider"
	"github.com/linluma/pricehub/prices/server"
	"github.com/linluma/pricehub/prices/store"
	"github.com/linluma/pricehub/shared/config"
	"github.com/linluma/pricehub/shared/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadPricesConfig()
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("❌ Prices service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("👋 Prices service stopped")
}

func run(ctx context.Context, cfg *config.PricesConfig, logger *slog.Logger) error {
	logger.Info("🚀 Starting Prices Service",
		"listen", cfg.ListenAddress, "ops", cfg.OpsAddress,
		"poll", cfg.PollInterval, "symbols", cfg.DefaultSymbols,
		"local_currency", cfg.LocalCurrency, "local_rate", cfg.LocalCurrencyRate)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := store.NewMetrics(reg)

	storeOpts := func(poll time.Duration) []store.Option {
		return []store.Option{
			store.WithPollInterval(poll),
			store.WithMinFetchInterval(cfg.MinFetchInterval),
			store.WithLocalRate(cfg.LocalCurrencyRate),
			store.WithLogger(logger),
			store.WithMetrics(metrics),
		}
	}

	binance := provider.NewBinanceClient(cfg.Binance, logger)
	primary := store.New(binance, storeOpts(cfg.PollInterval)...)
	defer primary.Close()
	primary.RequestSymbols(cfg.DefaultSymbols)
	stores := []*store.Store{primary}

	if cfg.LiveCoinWatch.APIKey != "" {
		lcw := provider.NewLiveCoinWatchClient(cfg.LiveCoinWatch, cfg.Binance.RequestTimeout, logger)
		secondary := store.New(lcw, storeOpts(cfg.LiveCoinWatch.PollInterval)...)
		defer secondary.Close()
		secondary.RequestSymbols(cfg.DefaultSymbols)
		stores = append(stores, secondary)
		logger.Info("✅ LiveCoinWatch source enabled", "poll", cfg.LiveCoinWatch.PollInterval)
	}

	g, ctx := errgroup.WithContext(ctx)

	var stream *provider.TickerStream
	if cfg.StreamEnabled {
		stream = provider.NewTickerStream(ctx, cfg.Binance.StreamURL, cfg.Binance.QuoteAsset, logger)
		g.Go(func() error {
			if err := stream.Subscribe(cfg.DefaultSymbols); err != nil {
				// polling still serves prices without the stream
				if ctx.Err() == nil {
					logger.Warn("❌ Ticker stream unavailable", "error", err)
				}
				return nil
			}
			logger.Info("✅ Ticker stream connected", "symbols", cfg.DefaultSymbols)
			return store.NewFeed(primary, store.DefaultFeedWindow).Run(ctx, stream.Events())
		})
	}

	// Status log line
	statusJob := cron.New()
	if _, err := statusJob.AddFunc(cfg.StatusSchedule, func() { logStatus(logger, stores, stream) }); err != nil {
		return err
	}
	statusJob.Start()
	defer statusJob.Stop()

	served := make([]server.PriceStore, len(stores))
	for i, st := range stores {
		served[i] = st
	}
	grpcServer := grpc.NewServer()
	server.NewPriceServer(served, candle.NewService(binance, logger), logger, reg).Register(grpcServer)

	grpcLis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	opsLis, err := net.Listen("tcp", cfg.OpsAddress)
	if err != nil {
		grpcLis.Close()
		return err
	}
	ops := server.NewOps(ctx, cfg.OpsAddress, reg, primary)

	g.Go(func() error {
		logger.Info("🌐 gRPC server listening", "address", grpcLis.Addr().String())
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		logger.Info("🩺 Ops server listening", "address", opsLis.Addr().String())
		if err := ops.Serve(opsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("🛑 Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			logger.Warn("⚠️ Shutdown timeout reached, forcing gRPC stop")
			grpcServer.Stop()
		}

		if stream != nil {
			if err := stream.Disconnect(); err != nil {
				logger.Warn("⚠️ Error disconnecting ticker stream", "error", err)
			}
		}
		return ops.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func logStatus(logger *slog.Logger, stores []*store.Store, stream *provider.TickerStream) {
	for _, s := range stores {
		snap := s.GetSnapshot()
		logger.Info("📈 System Status",
			"source", snap.Source,
			"state", snap.State.String(),
			"symbols", len(s.Symbols()),
			"observers", s.ObserverCount(),
			"polling", s.Running(),
			"updates", snap.UpdateCount,
			"error", snap.Error)
	}
	if stream != nil {
		health := stream.GetConnectionHealth()
		logger.Info("📡 Stream Status",
			"connected", stream.IsConnected(),
			"storm_mode", health.InStormMode,
			"consecutive_failures", health.ConsecutiveFails,
			"total_failures", health.FailureCount)
	}
}
