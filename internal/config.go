package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/DukeRupert/fieldsync/internal/autosave"
	"github.com/DukeRupert/fieldsync/internal/breaker"
	"github.com/DukeRupert/fieldsync/internal/connectivity"
	"github.com/DukeRupert/fieldsync/internal/engine"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/syncqueue"
)

// =============================================================================
// Server Configuration
// =============================================================================

type ServerConfig struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for photo blobs
	LocalStorageURL  string // Base URL photo URLs are built from

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string // Optional custom domain URL

	// Optional JSON snapshot loaded into reference data at startup
	ReferenceDataFile string

	// Sync API rate limit per client address
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewServerConfig() (*ServerConfig, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &ServerConfig{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		ReferenceDataFile: getEnv("REFERENCE_DATA_FILE", ""),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Validate storage configuration
	if cfg.StorageProvider == "r2" {
		if cfg.R2AccountID == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return nil, fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return nil, fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return nil, fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != "local" {
		return nil, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	if cfg.RateLimitRequests <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got: %d", cfg.RateLimitRequests)
	}

	return cfg, nil
}

// =============================================================================
// Client Configuration
// =============================================================================

// ClientConfig configures the device-side engine and CLI.
type ClientConfig struct {
	Env      string
	LogLevel string

	// Local durable store
	DBPath  string
	BlobDir string

	ServerURL string

	// Autosave timing
	AutosaveDebounce time.Duration
	AutosaveMaxWait  time.Duration

	// Connectivity detection
	QuietWindow   time.Duration
	ProbeInterval time.Duration

	// Sync queue
	SyncMaxAttempts    int
	SyncBackoffBase    time.Duration
	SyncBackoffMax     time.Duration
	SyncRequestTimeout time.Duration
	SyncPollInterval   time.Duration
	SyncConcurrency    int

	// Circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Address for the Prometheus endpoint; empty disables it
	MetricsAddr string
}

// NewClientConfig reads the client configuration from the environment.
func NewClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBPath:    getEnv("FIELDSYNC_DB_PATH", defaultDBPath()),
		BlobDir:   getEnv("FIELDSYNC_BLOB_DIR", ""),
		ServerURL: getEnv("FIELDSYNC_SERVER_URL", "http://localhost:8080"),

		AutosaveDebounce: getEnvDuration("AUTOSAVE_DEBOUNCE", 400*time.Millisecond),
		AutosaveMaxWait:  getEnvDuration("AUTOSAVE_MAX_WAIT", 5*time.Second),

		QuietWindow:   getEnvDuration("CONNECTIVITY_QUIET_WINDOW", 3*time.Second),
		ProbeInterval: getEnvDuration("CONNECTIVITY_PROBE_INTERVAL", 5*time.Second),

		SyncMaxAttempts:    getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		SyncBackoffBase:    getEnvDuration("SYNC_BACKOFF_BASE", 2*time.Second),
		SyncBackoffMax:     getEnvDuration("SYNC_BACKOFF_MAX", 2*time.Minute),
		SyncRequestTimeout: getEnvDuration("SYNC_REQUEST_TIMEOUT", 20*time.Second),
		SyncPollInterval:   getEnvDuration("SYNC_POLL_INTERVAL", 10*time.Second),
		SyncConcurrency:    getEnvInt("SYNC_CONCURRENCY", 2),

		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("FIELDSYNC_SERVER_URL is required")
	}
	if cfg.BreakerThreshold <= 0 {
		return nil, fmt.Errorf("BREAKER_THRESHOLD must be positive, got: %d", cfg.BreakerThreshold)
	}
	if err := cfg.EngineConfig().Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EngineConfig builds the engine configuration. Settings not exposed
// through the environment keep their component defaults.
func (c *ClientConfig) EngineConfig() engine.Config {
	ec := engine.DefaultConfig(c.DBPath)
	ec.Store = localstore.Config{Path: c.DBPath, BlobDir: c.BlobDir}

	ec.Autosave = autosave.DefaultConfig()
	ec.Autosave.Debounce = c.AutosaveDebounce
	ec.Autosave.MaxWait = c.AutosaveMaxWait
	ec.Autosave.SaveTimeout = c.SyncRequestTimeout

	ec.Connectivity = connectivity.DefaultConfig()
	ec.Connectivity.QuietWindow = c.QuietWindow
	ec.Connectivity.ProbeInterval = c.ProbeInterval

	ec.Queue = syncqueue.DefaultConfig()
	ec.Queue.MaxAttempts = c.SyncMaxAttempts
	ec.Queue.BackoffBase = c.SyncBackoffBase
	ec.Queue.BackoffMax = c.SyncBackoffMax
	ec.Queue.RequestTimeout = c.SyncRequestTimeout
	ec.Queue.PollInterval = c.SyncPollInterval
	ec.Queue.Concurrency = c.SyncConcurrency

	ec.Breaker = breaker.Config{Threshold: c.BreakerThreshold, Cooldown: c.BreakerCooldown}
	return ec
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "fieldsync.db"
	}
	return filepath.Join(dir, "fieldsync", "fieldsync.db")
}

// =============================================================================
// Environment Helpers
// =============================================================================

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
