package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mngfx/market-feed/cmd/gateway/internal/gateway"
	"github.com/mngfx/market-feed/cmd/gateway/internal/repository"
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

	layer, err := channels.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Channel layer unavailable", zap.String("backend", cfg.Channels.Backend), zap.Error(err))
	}
	defer layer.Close()

	// Snapshots only exist when the processor writes them to Redis
	var store repository.SnapshotStore
	if cfg.Channels.Backend != config.BackendInMemory {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		store = repository.NewRedisSnapshotStore(rdb)
	}

	server := gateway.NewServer(layer, store, logger, gateway.OptionsFromConfig(cfg.Gateway))
	srv := &http.Server{Addr: cfg.App.Port, Handler: server.Handler()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server Started", zap.String("port", cfg.App.Port), zap.String("backend", cfg.Channels.Backend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Gateway.EmbedPublisher {
		pub := publisher.NewTickPublisher(logger, layer, publisher.OptionsFromConfig(cfg.Publisher), publisher.NewRealRand(), publisher.RealClock{})
		g.Go(func() error { return pub.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		server.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
