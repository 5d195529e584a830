// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Prediction endpoint settings
	PredictEndpoint string        // Inference endpoint URL (empty = rule-based fallback only)
	PredictTimeout  time.Duration // Per-call timeout for the inference endpoint
	PredictCacheTTL time.Duration // How long prediction results are cached

	// Circuit breaker
	BreakerThreshold int           // Consecutive failures before the circuit opens
	BreakerCooldown  time.Duration // How long the circuit stays open before probing

	// Struggle signal accumulator
	StruggleWindow        time.Duration // Sliding window for struggle counting
	StruggleSweepInterval time.Duration // Periodic sweep of abandoned windows

	// Risk classification thresholds (0-100 scale)
	RiskLowMax  float64 // Scores below this are LOW
	RiskHighMin float64 // Scores at or above this are HIGH

	// Downstream event relay
	RelayURL    string // Downstream collector URL (empty = relay disabled)
	RelaySecret string // HMAC secret for signing relayed events

	// Observability
	OTLPEndpoint string // OTLP trace collector (empty = tracing disabled)

	// Security
	RateLimitRPM int // Per-client requests per minute on ingest routes
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultPredictTimeout   = 3 * time.Second
	DefaultPredictCacheTTL  = 5 * time.Minute
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultStruggleWindow   = 7 * 24 * time.Hour
	DefaultSweepInterval    = 10 * time.Minute
	DefaultRiskLowMax       = 33.0
	DefaultRiskHighMin      = 66.0
	DefaultRateLimit        = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PredictEndpoint:       os.Getenv("PREDICT_ENDPOINT"),
		PredictTimeout:        getEnvDuration("PREDICT_TIMEOUT", DefaultPredictTimeout),
		PredictCacheTTL:       getEnvDuration("PREDICT_CACHE_TTL", DefaultPredictCacheTTL),
		BreakerThreshold:      int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:       getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		StruggleWindow:        getEnvDuration("STRUGGLE_WINDOW", DefaultStruggleWindow),
		StruggleSweepInterval: getEnvDuration("STRUGGLE_SWEEP_INTERVAL", DefaultSweepInterval),
		RiskLowMax:            getEnvFloat("RISK_LOW_MAX", DefaultRiskLowMax),
		RiskHighMin:           getEnvFloat("RISK_HIGH_MIN", DefaultRiskHighMin),
		RelayURL:              os.Getenv("RELAY_URL"),
		RelaySecret:           os.Getenv("RELAY_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.PredictTimeout <= 0 {
		return fmt.Errorf("PREDICT_TIMEOUT must be positive")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}
	if c.StruggleWindow <= 0 {
		return fmt.Errorf("STRUGGLE_WINDOW must be positive")
	}

	// Risk thresholds must partition [0,100] without gaps or overlap
	if c.RiskLowMax <= 0 || c.RiskLowMax >= 100 {
		return fmt.Errorf("RISK_LOW_MAX must be in (0,100)")
	}
	if c.RiskHighMin <= c.RiskLowMax || c.RiskHighMin > 100 {
		return fmt.Errorf("RISK_HIGH_MIN must be greater than RISK_LOW_MAX and at most 100")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
