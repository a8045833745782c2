package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Empty DatabaseURL enables lite mode on an embedded SQLite file.
	DatabaseURL string
	LiteDBPath  string
	RedisURL    string

	SigningKeyPath string
	AuthJWTSecret  string
	OTLPEndpoint   string

	// ProfileCode selects a tenant policy overlay from ProfilesDir; empty
	// means no overlay.
	ProfilesDir string
	ProfileCode string

	SchedulerEnabled        bool
	LifecycleInterval       time.Duration
	LifecycleInitialDelay   time.Duration
	LifecycleRunImmediately bool
	LifecyclePerTenantDelay time.Duration

	TypingThrottle       time.Duration
	DisbursementTimeout  time.Duration
	IdempotencyRetention time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		LiteDBPath:  getenv("LITE_DB_PATH", "casegov.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		SigningKeyPath: getenv("LEDGER_KEY_PATH", "data/ledger.key"),
		AuthJWTSecret:  getenv("AUTH_JWT_SECRET", "dev-secret-change-me"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ProfilesDir: getenv("PROFILES_DIR", "profiles"),
		ProfileCode: os.Getenv("TENANT_PROFILE"),

		SchedulerEnabled:        getenvBool("ENABLE_LIFECYCLE_SCHEDULER", true),
		LifecycleInterval:       getenvMs("LIFECYCLE_INTERVAL_MS", 86400000),
		LifecycleInitialDelay:   getenvMs("LIFECYCLE_INITIAL_DELAY_MS", 0),
		LifecycleRunImmediately: getenvBool("LIFECYCLE_RUN_IMMEDIATELY", false),
		LifecyclePerTenantDelay: getenvMs("LIFECYCLE_PER_TENANT_DELAY_MS", 100),

		TypingThrottle:       getenvMs("TYPING_THROTTLE_MS", 300),
		DisbursementTimeout:  getenvMs("DISBURSEMENT_EXECUTION_TIMEOUT_MS", 86400000),
		IdempotencyRetention: getenvMs("IDEMPOTENCY_RETENTION_MS", 86400000),
	}
}

// LiteMode reports whether the server runs on the embedded database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func getenvMs(key string, fallbackMs int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(fallbackMs) * time.Millisecond
}
