package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Config holds shared runtime configuration for the API, worker and CLI.
type Config struct {
	Env         string
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	BrokerURL   string
	CacheURL    string
	DatabaseURL string
	QueueName   string

	WorkerID            string
	WorkerConcurrency   int
	WorkerMaxJobsPerMin int
	WorkerLimitScope    string
	WorkerPollInterval  time.Duration
	LeaseDuration       time.Duration
	DefaultAttempts     int
	DefaultBackoff      time.Duration
	BackoffMax          time.Duration
	StatusTTL           time.Duration
	JobRetention        time.Duration
	KeepCompleted       int64
	KeepFailed          int64
	SessionScanWindow   int64
	PollInterval        time.Duration
	PollMaxAttempts     int
	AssetRepository     string
	GenerationBaseURL   string
	GenerationAPIKey    string
	GenerationTimeout   time.Duration
	SourceMaxBytes      int64
	StorageBackend      string
	StoragePath         string
	StorageBaseURL      string
	S3Bucket            string
	S3Region            string
	S3Endpoint          string
	S3PathStyle         bool
	S3PublicURL         string
	PersistBatchSize    int
}

// Load reads configuration from the environment, after merging an optional .env file.
// A missing broker or cache URL is an error; callers treat it as fatal.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:                 getEnv("APP_ENV", "production"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		BrokerURL:           strings.TrimSpace(os.Getenv("BROKER_URL")),
		CacheURL:            strings.TrimSpace(os.Getenv("CACHE_URL")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		QueueName:           getEnv("QUEUE_NAME", "media"),
		WorkerID:            os.Getenv("WORKER_ID"),
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 5),
		WorkerMaxJobsPerMin: getEnvInt("WORKER_MAX_JOBS_PER_MINUTE", 0),
		WorkerLimitScope:    getEnv("WORKER_RATE_LIMIT_SCOPE", "process"),
		WorkerPollInterval:  getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		LeaseDuration:       getEnvDuration("LEASE_DURATION", 30*time.Second),
		DefaultAttempts:     getEnvInt("DEFAULT_ATTEMPTS", 3),
		DefaultBackoff:      getEnvDuration("DEFAULT_BACKOFF", time.Second),
		BackoffMax:          getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		StatusTTL:           getEnvDuration("STATUS_TTL", time.Hour),
		JobRetention:        getEnvDuration("JOB_RETENTION", 24*time.Hour),
		KeepCompleted:       int64(getEnvInt("KEEP_COMPLETED", 1000)),
		KeepFailed:          int64(getEnvInt("KEEP_FAILED", 5000)),
		SessionScanWindow:   int64(getEnvInt("SESSION_SCAN_WINDOW", 200)),
		PollInterval:        getEnvDuration("POLL_INTERVAL", time.Second),
		PollMaxAttempts:     getEnvInt("POLL_MAX_ATTEMPTS", 120),
		AssetRepository:     getEnv("ASSET_REPOSITORY", "postgres"),
		GenerationBaseURL:   os.Getenv("GENERATION_BASE_URL"),
		GenerationAPIKey:    os.Getenv("GENERATION_API_KEY"),
		GenerationTimeout:   getEnvDuration("GENERATION_TIMEOUT", 120*time.Second),
		SourceMaxBytes:      int64(getEnvInt("SOURCE_MAX_BYTES", 25*1024*1024)),
		StorageBackend:      getEnv("STORAGE_BACKEND", "local"),
		StoragePath:         getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:      getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3PathStyle:         getEnvBool("S3_PATH_STYLE", false),
		S3PublicURL:         os.Getenv("S3_PUBLIC_URL"),
		PersistBatchSize:    getEnvInt("PERSIST_BATCH_SIZE", 4),
	}

	if cfg.BrokerURL == "" {
		return cfg, errors.New("BROKER_URL is required")
	}
	if cfg.CacheURL == "" {
		return cfg, errors.New("CACHE_URL is required")
	}
	if cfg.WorkerConcurrency <= 0 {
		return cfg, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", cfg.WorkerConcurrency)
	}
	return cfg, nil
}

// ValidateWorker checks the settings only the worker process needs.
func (c Config) ValidateWorker() error {
	if c.AssetRepository == "postgres" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when ASSET_REPOSITORY=postgres")
	}
	if c.StorageBackend == "s3" && c.S3Bucket == "" {
		return errors.New("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}
	switch c.WorkerLimitScope {
	case "process", "cluster":
	default:
		return fmt.Errorf("WORKER_RATE_LIMIT_SCOPE must be process or cluster, got %q", c.WorkerLimitScope)
	}
	return nil
}

// BrokerOptions parses the broker connection string.
func (c Config) BrokerOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse BROKER_URL: %w", err)
	}
	return opts, nil
}

// CacheOptions parses the status cache connection string.
func (c Config) CacheOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.CacheURL)
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_URL: %w", err)
	}
	return opts, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
