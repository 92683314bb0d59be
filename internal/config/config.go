// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL   string
	TursoURL      string // optional embedded-replica sync target
	TursoAuthToken string

	// Clerk Authentication
	ClerkIssuerURL     string // e.g., "https://xxx.clerk.accounts.dev"
	ClerkWebhookSecret string // Svix signing secret for Clerk webhooks

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// PayPal
	PayPalWebhookID string
	PayPalMode      string // "live" or "sandbox"

	// CORS
	CORSOrigins []string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Refresh scheduler
	RefreshEnabled  bool
	RefreshInterval time.Duration // how often the scheduler wakes up
	RefreshWindow   time.Duration // min gap between grants per account
	RefreshBatch    int           // accounts per sweep

	// Activity log
	ActivityRetention     time.Duration
	ActivityQueueSize     int
	ActivityFlushInterval time.Duration

	// Object Storage (Tigris/S3-compatible), optional tier-settings overrides
	StorageEnabled   bool
	StorageEndpoint  string // AWS_ENDPOINT_URL_S3 for Tigris
	StorageAccessKey string // AWS_ACCESS_KEY_ID
	StorageSecretKey string // AWS_SECRET_ACCESS_KEY
	StorageBucket    string
	StorageRegion    string
	TierSettingsKey  string // object key for tier settings JSON
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:plotsense.db?_journal=WAL&_timeout=5000"),
		TursoURL:       getEnv("TURSO_DATABASE_URL", ""),
		TursoAuthToken: getEnv("TURSO_AUTH_TOKEN", ""),

		ClerkIssuerURL:     getEnv("CLERK_ISSUER_URL", ""),
		ClerkWebhookSecret: getEnv("CLERK_WEBHOOK_SECRET", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		PayPalWebhookID: getEnv("PAYPAL_WEBHOOK_ID", ""),
		PayPalMode:      getEnv("PAYPAL_MODE", "sandbox"),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		RefreshEnabled:  getEnvBool("REFRESH_ENABLED", true),
		RefreshInterval: getEnvDuration("REFRESH_INTERVAL", 15*time.Minute),
		RefreshWindow:   getEnvDuration("REFRESH_WINDOW", 6*time.Hour),
		RefreshBatch:    getEnvInt("REFRESH_BATCH", 200),

		ActivityRetention:     getEnvDuration("ACTIVITY_RETENTION", 30*24*time.Hour),
		ActivityQueueSize:     getEnvInt("ACTIVITY_QUEUE_SIZE", 1024),
		ActivityFlushInterval: getEnvDuration("ACTIVITY_FLUSH_INTERVAL", 5*time.Second),

		// Object Storage (Tigris/S3-compatible) - uses Fly's standard env vars
		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),
		TierSettingsKey:  getEnv("TIER_SETTINGS_KEY", "config/tier-settings.json"),
	}

	// Enable storage if bucket is configured
	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageEndpoint != ""

	if cfg.ClerkIssuerURL == "" {
		return nil, fmt.Errorf("CLERK_ISSUER_URL is required")
	}
	if cfg.PayPalMode != "live" && cfg.PayPalMode != "sandbox" {
		return nil, fmt.Errorf("PAYPAL_MODE must be \"live\" or \"sandbox\", got %q", cfg.PayPalMode)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}
