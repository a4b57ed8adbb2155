package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/config"
	"github.com/mngfx/market-feed/pkg/publisher"
)

func main() {
	cfg, logger, err := config.Load()
	if err != nil {
		config.Fatal("Startup failed", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender, err := channels.OpenSender(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Channel layer is not configured", zap.String("backend", cfg.Channels.Backend), zap.Error(err))
	}

	pub := publisher.NewTickPublisher(logger, sender, publisher.OptionsFromConfig(cfg.Publisher), publisher.NewRealRand(), publisher.RealClock{})

	logger.Info("Channel layer ready", zap.String("backend", cfg.Channels.Backend))
	if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Publisher stopped with error", zap.Error(err))
	}

	// flushes buffered Kafka writes
	if err := sender.Close(); err != nil {
		logger.Error("Error closing channel layer", zap.Error(err))
	}
	logger.Info("Publisher stopped")
}
