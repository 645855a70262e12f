// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	AllowedOrigins []string // CORS origins; "*" allows any

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	Currency      string        // ISO 4217 code for all wallets
	DisputeWindow time.Duration // refund window after paid_at during which payouts are held

	// Fee split, in basis points. Must sum to 10000.
	SystemFeeBps         int
	CourseCreationFeeBps int
	GradingFeeBps        int

	// Background jobs
	PayoutInterval    time.Duration
	ReconcileInterval time.Duration

	// Messaging (transactional outbox relay; disabled when AMQPURL is empty)
	AMQPURL      string
	AMQPExchange string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCurrency          = "VND"
	DefaultDisputeWindow     = 72 * time.Hour
	DefaultPayoutInterval    = 10 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultAMQPExchange      = "coursepay.events"

	DefaultSystemFeeBps         = 1000
	DefaultCourseCreationFeeBps = 5500
	DefaultGradingFeeBps        = 3500
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		AllowedOrigins:       splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		DisputeWindow:        getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		SystemFeeBps:         getEnvInt("SYSTEM_FEE_BPS", DefaultSystemFeeBps),
		CourseCreationFeeBps: getEnvInt("COURSE_CREATION_FEE_BPS", DefaultCourseCreationFeeBps),
		GradingFeeBps:        getEnvInt("GRADING_FEE_BPS", DefaultGradingFeeBps),
		PayoutInterval:       getEnvDuration("PAYOUT_INTERVAL", DefaultPayoutInterval),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPExchange:         getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.Currency == "" || len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO 4217 code, got %q", c.Currency)
	}

	if sum := c.SystemFeeBps + c.CourseCreationFeeBps + c.GradingFeeBps; sum != 10000 {
		return fmt.Errorf("fee split must sum to 10000 basis points, got %d", sum)
	}
	if c.SystemFeeBps < 0 || c.CourseCreationFeeBps < 0 || c.GradingFeeBps < 0 {
		return fmt.Errorf("fee shares must be non-negative")
	}

	if c.DisputeWindow <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW must be positive")
	}
	if c.PayoutInterval <= 0 {
		return fmt.Errorf("PAYOUT_INTERVAL must be positive")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
