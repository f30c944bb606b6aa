package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Voice Provider API access.
	ProviderAPIKey     string
	ProviderBaseURL    string
	ProviderAPITimeout time.Duration

	// Concurrency admission limits.
	SystemConcurrentCallsLimit      int
	DefaultUserConcurrentCallsLimit int

	// Queue processor and retry policy.
	QueueProcessorInterval time.Duration
	QueueRetryMaxAttempts  int
	QueueRetryBaseDelay    time.Duration

	// Stale slot reaper.
	MaxCallDuration time.Duration
	ReaperInterval  time.Duration

	// Admission store deadline; timeouts surface as transient rejections.
	AdmissionTimeout time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ProviderAPIKey:     getEnv("VOICE_PROVIDER_API_KEY", ""),
		ProviderBaseURL:    strings.TrimRight(getEnv("VOICE_PROVIDER_BASE_URL", ""), "/"),
		ProviderAPITimeout: getEnvAsMillis("PROVIDER_API_TIMEOUT_MS", 30*time.Second),

		SystemConcurrentCallsLimit:      getEnvAsInt("SYSTEM_CONCURRENT_CALLS_LIMIT", 10),
		DefaultUserConcurrentCallsLimit: getEnvAsInt("DEFAULT_USER_CONCURRENT_CALLS_LIMIT", 2),

		QueueProcessorInterval: getEnvAsMillis("QUEUE_PROCESSOR_INTERVAL_MS", 10*time.Second),
		QueueRetryMaxAttempts:  getEnvAsInt("QUEUE_RETRY_MAX_ATTEMPTS", 3),
		QueueRetryBaseDelay:    getEnvAsDuration("QUEUE_RETRY_BASE_DELAY", 30*time.Second),

		MaxCallDuration: getEnvAsSeconds("MAX_CALL_DURATION_SECONDS", 2*time.Hour),
		ReaperInterval:  getEnvAsDuration("SLOT_REAPER_INTERVAL", 5*time.Minute),

		AdmissionTimeout: getEnvAsMillis("ADMISSION_TIMEOUT_MS", 2*time.Second),
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

// getEnvAsMillis reads an integer millisecond value, matching the wire-level
// convention of the provider configuration.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil && value > 0 {
		return time.Duration(value) * time.Millisecond
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil && value > 0 {
		return time.Duration(value) * time.Second
	}
	return defaultValue
}
