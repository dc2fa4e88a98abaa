package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Local store
	DBPath            string
	ReadyPollAttempts int
	ReadyPollInterval time.Duration

	// Remote replica (CouchDB-compatible)
	RemoteURL      string
	RemoteDBName   string
	RemoteUsername string
	RemotePassword string

	// Replication
	SyncEnabled          bool
	SyncInterval         time.Duration
	SyncBatchSize        int
	SyncHandshakeTimeout time.Duration
	SyncMaxBackoff       time.Duration

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience (remote calls)
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Write path
	ConflictRetries int
	ConflictBackoff time.Duration

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// JWT / Auth
	JWTSecret    string
	JWTAccessTTL time.Duration
	GatewayToken string // shared secret of the identity gateway
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBPath:            getEnv("DB_PATH", "data/walletsync.db"),
		ReadyPollAttempts: getEnvInt("READY_POLL_ATTEMPTS", 10),
		ReadyPollInterval: getEnvDuration("READY_POLL_INTERVAL", 100*time.Millisecond),

		RemoteURL:      getEnv("REMOTE_URL", ""),
		RemoteDBName:   getEnv("REMOTE_DB_NAME", "walletsync"),
		RemoteUsername: getEnv("REMOTE_USERNAME", ""),
		RemotePassword: getEnv("REMOTE_PASSWORD", ""),

		SyncEnabled:          getEnvBool("SYNC_ENABLED", true),
		SyncInterval:         getEnvDuration("SYNC_INTERVAL", 10*time.Second),
		SyncBatchSize:        getEnvInt("SYNC_BATCH_SIZE", 100),
		SyncHandshakeTimeout: getEnvDuration("SYNC_HANDSHAKE_TIMEOUT", 3*time.Second),
		SyncMaxBackoff:       getEnvDuration("SYNC_MAX_BACKOFF", 2*time.Minute),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),

		ConflictRetries: getEnvInt("CONFLICT_RETRIES", 3),
		ConflictBackoff: getEnvDuration("CONFLICT_BACKOFF", 100*time.Millisecond),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		JWTSecret:    getEnv("JWT_SECRET", "walletsync-default-dev-secret-change-me"),
		JWTAccessTTL: getEnvDuration("JWT_ACCESS_TTL", 24*time.Hour),
		GatewayToken: getEnv("GATEWAY_TOKEN", ""),
	}
}

// SyncConfigured reports whether replication has somewhere to go.
func (c *Config) SyncConfigured() bool {
	return c.SyncEnabled && c.RemoteURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
