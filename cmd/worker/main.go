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
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"

	"mediaqueue/internal/config"
	"mediaqueue/internal/generation"
	"mediaqueue/internal/logging"
	"mediaqueue/internal/models"
	"mediaqueue/internal/persistence"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/ratelimit"
	"mediaqueue/internal/status"
	"mediaqueue/internal/store"
	"mediaqueue/internal/telemetry"
	workerproc "mediaqueue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.ValidateWorker(); err != nil {
		logger.Fatal().Err(err).Msg("invalid worker config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = newWorkerID()
	}
	logger = logger.With().Str("worker_id", workerID).Logger()

	brokerOpts, err := cfg.BrokerOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("broker config")
	}
	brokerClient := redis.NewClient(brokerOpts)
	broker := queue.New(brokerClient, queue.Options{
		Name:              cfg.QueueName,
		DefaultAttempts:   cfg.DefaultAttempts,
		DefaultBackoff:    models.Backoff{Type: models.BackoffExponential, Delay: cfg.DefaultBackoff},
		BackoffMax:        cfg.BackoffMax,
		LeaseDuration:     cfg.LeaseDuration,
		JobRetention:      cfg.JobRetention,
		KeepCompleted:     cfg.KeepCompleted,
		KeepFailed:        cfg.KeepFailed,
		SessionScanWindow: cfg.SessionScanWindow,
	})
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect broker")
	}

	cacheOpts, err := cfg.CacheOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("cache config")
	}
	cache := status.New(redis.NewClient(cacheOpts), cfg.QueueName, cfg.StatusTTL)
	defer cache.Close()

	provider, err := newProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init generation provider")
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init blob store")
	}

	var (
		repo   persistence.AssetRepository
		events workerproc.EventRecorder
	)
	if cfg.AssetRepository == "postgres" {
		st, err := store.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
		repo, events = st, st
	} else {
		logger.Warn().Msg("asset records kept in memory only")
		repo = persistence.NewMemoryRepository()
	}

	pool, err := workerproc.NewPool(workerproc.Options{
		Concurrency:   cfg.WorkerConcurrency,
		Broker:        broker,
		Cache:         cache,
		Limiter:       newLimiter(cfg, brokerClient),
		Logger:        logger,
		PollInterval:  cfg.WorkerPollInterval,
		LeaseDuration: cfg.LeaseDuration,
		WorkerID:      workerID,
		Events:        events,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init worker pool")
	}
	handlers := &workerproc.Handlers{
		Provider:       provider,
		Persister:      persistence.NewAdapter(blobs, repo, logger),
		HTTPClient:     &http.Client{Timeout: cfg.GenerationTimeout},
		SourceMaxBytes: cfg.SourceMaxBytes,
		BatchSize:      cfg.PersistBatchSize,
	}
	handlers.Register(pool)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Int("max_jobs_per_minute", cfg.WorkerMaxJobsPerMin).
		Dur("lease", cfg.LeaseDuration).
		Msg("worker started")
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info().Msg("worker stopped")
}

func newWorkerID() string {
	if id, err := shortid.Generate(); err == nil {
		if host, _ := os.Hostname(); host != "" {
			return host + "-" + id
		}
		return "worker-" + id
	}
	host, _ := os.Hostname()
	return host
}

func newLimiter(cfg config.Config, client *redis.Client) ratelimit.Limiter {
	if cfg.WorkerMaxJobsPerMin <= 0 {
		return ratelimit.Unlimited{}
	}
	if cfg.WorkerLimitScope == "cluster" {
		return ratelimit.ClusterPerMinute(client, "mq:"+cfg.QueueName+":ratelimit", cfg.WorkerMaxJobsPerMin)
	}
	w := ratelimit.PerMinute(cfg.WorkerMaxJobsPerMin)
	w.OnWait(telemetry.RateLimitWaits.Inc)
	return w
}

func newProvider(cfg config.Config, logger zerolog.Logger) (generation.Provider, error) {
	if cfg.GenerationBaseURL == "" {
		logger.Warn().Msg("GENERATION_BASE_URL not set, using synthetic provider")
		return generation.NewSynthetic(logger), nil
	}
	return generation.NewHTTPClient(generation.Options{
		BaseURL: cfg.GenerationBaseURL,
		APIKey:  cfg.GenerationAPIKey,
		Timeout: cfg.GenerationTimeout,
		Logger:  logger,
	})
}

func newBlobStore(ctx context.Context, cfg config.Config) (persistence.BlobStore, error) {
	if cfg.StorageBackend == "s3" {
		return persistence.NewS3Blob(ctx, persistence.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
	}
	return persistence.NewLocalBlob(cfg.StoragePath, cfg.StorageBaseURL)
}
