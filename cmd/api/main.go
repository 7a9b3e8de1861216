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

	api "mediaqueue/internal/api"
	"mediaqueue/internal/config"
	"mediaqueue/internal/logging"
	"mediaqueue/internal/models"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/status"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	brokerOpts, err := cfg.BrokerOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("broker config")
	}
	broker := queue.New(redis.NewClient(brokerOpts), queue.Options{
		Name:              cfg.QueueName,
		DefaultAttempts:   cfg.DefaultAttempts,
		DefaultBackoff:    models.Backoff{Type: models.BackoffExponential, Delay: cfg.DefaultBackoff},
		BackoffMax:        cfg.BackoffMax,
		LeaseDuration:     cfg.LeaseDuration,
		JobRetention:      cfg.JobRetention,
		SessionScanWindow: cfg.SessionScanWindow,
	})
	defer broker.Close()

	cacheOpts, err := cfg.CacheOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("cache config")
	}
	cache := status.New(redis.NewClient(cacheOpts), cfg.QueueName, cfg.StatusTTL)
	defer cache.Close()

	server := api.New(broker, cache, logging.Component(logger, "api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
