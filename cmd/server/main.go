package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docchat/api/docs"
	"github.com/docchat/api/internal/app"
	"github.com/docchat/api/internal/config"
	"github.com/docchat/api/internal/logging"
)

// @title          DocChat API
// @version        1.0
// @description    Asynchronous job API for document chat: submit messages or processing jobs and poll their status.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.Log, cfg.Server.IsDevelopment())

	// Configure Swagger host/scheme based on environment
	if cfg.Server.ApiDomain != "" {
		docs.SwaggerInfo.Host = cfg.Server.ApiDomain
		docs.SwaggerInfo.Schemes = []string{"https"}
	} else {
		docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port
		docs.SwaggerInfo.Schemes = []string{"http"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	c.Start(ctx)

	workerDone := make(chan struct{})
	if cfg.Server.EmbeddedWorker {
		logger.Info().Str("queue", cfg.Queue.Backend).Msg("starting embedded worker")
		go func() {
			defer close(workerDone)
			if err := c.RunWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("embedded worker stopped")
			}
		}()
	} else {
		close(workerDone)
	}

	srv := app.NewHTTPApp(c)

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		if err := srv.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info().Str("addr", addr).Msg("server starting")
	if err := srv.Listen(addr); err != nil {
		logger.Error().Err(err).Msg("server error")
		stop()
	}

	<-workerDone
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close dependencies")
		os.Exit(1)
	}
}
