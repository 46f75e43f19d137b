// Package config resolves the mirror's runtime configuration from the
// environment at startup. No other package reads environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvAPIURL          = "NVD_API_URL"
	EnvAPIKey          = "NVD_API_KEY"
	EnvMongoURI        = "MONGO_URI"
	EnvMongoDB         = "MONGO_DB"
	EnvMongoCollection = "MONGO_COLLECTION"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvPageSize        = "MIRROR_PAGE_SIZE"
	EnvLogLevel        = "LOG_LEVEL"
)

// Rate budgets follow the upstream published limits: 5 requests per
// rolling 30 seconds without an API key, 50 with one.
const (
	anonRateBudget  = 5
	keyedRateBudget = 50
)

// Config is the fully resolved mirror configuration.
type Config struct {
	// Upstream API.
	APIBaseURL string
	APIKey     string
	PageSize   int

	// Rate limiter.
	RateBudget  int
	RateWindow  time.Duration
	RateMaxWait time.Duration

	// Fetch retry.
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration

	// Document store.
	MongoURI        string
	MongoDB         string
	MongoCollection string
	LoadRetries     int
	LoadBackoff     time.Duration

	// Watermark store. Empty addr disables incremental sync.
	RedisAddr string

	LogLevel string
}

// FromEnv resolves the configuration from environment variables,
// applying defaults for everything optional.
func FromEnv() (*Config, error) {
	cfg := &Config{
		APIBaseURL:       getEnv(EnvAPIURL, "https://services.nvd.nist.gov/rest/json/cves/2.0"),
		APIKey:           os.Getenv(EnvAPIKey),
		RateWindow:       30 * time.Second,
		RateMaxWait:      2 * time.Minute,
		RetryMaxAttempts: 3,
		RetryBackoff:     1 * time.Second,
		RetryBackoffMax:  30 * time.Second,
		MongoURI:         getEnv(EnvMongoURI, "mongodb://localhost:27017"),
		MongoDB:          getEnv(EnvMongoDB, "cve_mirror"),
		MongoCollection:  getEnv(EnvMongoCollection, "cves"),
		LoadRetries:      3,
		LoadBackoff:      500 * time.Millisecond,
		RedisAddr:        os.Getenv(EnvRedisAddr),
		LogLevel:         getEnv(EnvLogLevel, "info"),
	}

	pageSize, err := getEnvInt(EnvPageSize, 1000)
	if err != nil {
		return nil, err
	}
	cfg.PageSize = pageSize

	// A keyed client gets the larger budget.
	if cfg.APIKey != "" {
		cfg.RateBudget = keyedRateBudget
	} else {
		cfg.RateBudget = anonRateBudget
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration for values the pipeline
// cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("%s cannot be empty", EnvAPIURL)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.PageSize > 2000 {
		return fmt.Errorf("page size must not exceed 2000, got %d", c.PageSize)
	}
	if c.MongoURI == "" {
		return fmt.Errorf("%s cannot be empty", EnvMongoURI)
	}
	if c.RateBudget <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("rate budget and window must be positive")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return n, nil
}
