package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub/hub"
	"github.com/stepherg/fleethub/internal/config"
	httpapi "github.com/stepherg/fleethub/internal/http"
	"github.com/stepherg/fleethub/internal/metrics"
	"github.com/stepherg/fleethub/internal/server"
	"github.com/stepherg/fleethub/internal/ws"
	"github.com/stepherg/fleethub/registry"
)

// fleethub: device registry and real-time broadcast hub. Field devices
// push telemetry over HTTP (JSON or WRP); observers follow along on /ws.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		logger = logger.Level(level)
	}

	opts := cfg.Options()

	subs := hub.NewSubscriptions()
	broadcast := hub.New(subs, opts.Liveness, logger)
	reg := registry.New(opts.Liveness, broadcast, logger)
	sweeper := registry.NewSweeper(reg, opts.Sweep.Interval, logger)
	metrics.RegisterCounts(reg.Len, subs.Len)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Start(ctx)

	api := httpapi.NewAPI(reg, subs, logger)
	_, errCh, err := server.Start(ctx, server.Config{
		ListenAddr: cfg.ListenAddr,
		API:        api,
		Gateway:    ws.NewGateway(reg, subs, logger),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}
	cancel()
}
