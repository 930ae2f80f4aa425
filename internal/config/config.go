package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds engine configuration. Values come from environment
// variables so the embedding service controls deployment without a
// config file.
type Config struct {
	Env      string
	LogLevel string

	// Downstream calendar records system (OpenEMR-style FHIR + REST).
	CalendarBaseURL      string
	CalendarClientID     string
	CalendarClientSecret string
	CalendarTimeout      time.Duration

	// Availability cache.
	CacheTTL           time.Duration
	CacheMaxAge        time.Duration
	CacheSweepInterval time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool

	// Booking committer retry budget.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryBackoff      float64
	RetryMaxDelay     time.Duration

	// Circuit breaker guarding the create call.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMaxCalls int

	// Suggestion search.
	SuggestMaxResults int
	SuggestSearchDays int

	// Audit sink (Postgres DSN; empty means no-op recorder).
	AuditDatabaseURL string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CalendarBaseURL:      getEnv("CALENDAR_BASE_URL", ""),
		CalendarClientID:     getEnv("CALENDAR_CLIENT_ID", ""),
		CalendarClientSecret: getEnv("CALENDAR_CLIENT_SECRET", ""),
		CalendarTimeout:      getEnvAsDuration("CALENDAR_TIMEOUT", 30*time.Second),

		CacheTTL:           getEnvAsDuration("SCHEDULE_CACHE_TTL", 5*time.Minute),
		CacheMaxAge:        getEnvAsDuration("SCHEDULE_CACHE_MAX_AGE", time.Hour),
		CacheSweepInterval: getEnvAsDuration("SCHEDULE_CACHE_SWEEP_INTERVAL", 10*time.Minute),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),

		RetryMaxAttempts:  getEnvAsInt("BOOKING_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: getEnvAsDuration("BOOKING_RETRY_INITIAL_DELAY", time.Second),
		RetryBackoff:      getEnvAsFloat("BOOKING_RETRY_BACKOFF", 2.0),
		RetryMaxDelay:     getEnvAsDuration("BOOKING_RETRY_MAX_DELAY", 30*time.Second),

		BreakerFailureThreshold: getEnvAsInt("BOOKING_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  getEnvAsDuration("BOOKING_BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		BreakerHalfOpenMaxCalls: getEnvAsInt("BOOKING_BREAKER_HALF_OPEN_MAX_CALLS", 3),

		SuggestMaxResults: getEnvAsInt("SUGGEST_MAX_RESULTS", 5),
		SuggestSearchDays: getEnvAsInt("SUGGEST_SEARCH_DAYS", 14),

		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
