package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/docchat/api/internal/app"
	"github.com/docchat/api/internal/config"
	"github.com/docchat/api/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Queue.Backend == "inline" {
		log.Fatal().Msg("inline queue runs jobs inside the API server, there is nothing for a worker to consume")
	}
	cfg.Log.Service += "-worker"
	logger := logging.New(cfg.Log, cfg.Server.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}

	logger.Info().
		Str("queue", cfg.Queue.Backend).
		Str("store", cfg.Store.Backend).
		Int("concurrency", cfg.Queue.Concurrency).
		Bool("sweeper", c.Sweeper != nil).
		Msg("worker starting")

	code := 0
	if err := c.RunWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
		code = 1
	}
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close dependencies")
		code = 1
	}
	logger.Info().Msg("worker stopped")
	os.Exit(code)
}
