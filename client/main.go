package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/linluma/pricehub/client/subscriber"
	"github.com/linluma/pricehub/shared/config"
	"github.com/linluma/pricehub/shared/logging"
)

func main() {
	cfg := config.ParseClientFlags()
	logger := logging.New(os.Stderr, "info")

	logger.Info("🚀 Starting Prices Client Demo",
		"server", cfg.ServerAddress, "symbols", cfg.Symbols, "duration", cfg.Duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := demoClient(ctx, cfg, logger); err != nil {
		logger.Error("❌ Demo failed", "error", err)
		os.Exit(1)
	}

	logger.Info("✅ Demo completed successfully")
}

// demoClient prints candles for one symbol, or streams prices until the
// duration elapses (0 = until interrupted)
func demoClient(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	client := subscriber.NewClient(cfg.ServerAddress, logger)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	if cfg.Candles != "" {
		candles, err := client.GetCandles(ctx, cfg.Candles, cfg.Interval, cfg.Limit)
		if err != nil {
			return err
		}
		logger.Info("📊 Candles", "symbol", cfg.Candles, "interval", cfg.Interval, "count", len(candles))
		for _, c := range candles {
			DisplayCandle(c)
		}
		return nil
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	logger.Info("📡 Subscribing", "symbols", cfg.Symbols)
	sub, err := client.Subscribe(ctx, "", cfg.Symbols)
	if err != nil {
		return err
	}

	for snap := range sub.C {
		DisplaySnapshot(snap)
	}
	return nil
}
