package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Identity provider names accepted in IDENTITY_PROVIDER.
const (
	IdentityMock     = "mock"
	IdentitySupabase = "supabase"
)

// Email provider names accepted in EMAIL_PROVIDER.
const (
	EmailLog  = "log"
	EmailSMTP = "smtp"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Application base URL (for reset links)
	BaseURL string

	// Backing services. Empty values select in-process fallbacks.
	DatabaseURL string // Empty: sessions kept in memory
	RedisURL    string // Empty: reset pages and rate limits kept in memory
	AMQPURL     string // Empty: events written to the log

	// Identity provider
	IdentityProvider       string // "mock" or "supabase"
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseJWTSecret      string
	IdentityMaxRetries     int
	IdentityRequestTimeout time.Duration

	// Password reset
	ResetVerifyToken bool          // Verify links with the provider before showing the form
	ResetPageTTL     time.Duration // How long an open reset page is remembered
	ResetBusyTTL     time.Duration // Upper bound on a page's busy lock

	// Email (used by the mock identity provider)
	EmailProvider string // "log" or "smtp"
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMTPFromName  string

	// Sweeper
	SweepInterval time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		BaseURL: strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		AMQPURL:     getEnv("AMQP_URL", ""),

		IdentityProvider:       strings.ToLower(getEnv("IDENTITY_PROVIDER", IdentityMock)),
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:        getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseJWTSecret:      getEnv("SUPABASE_JWT_SECRET", ""),
		IdentityMaxRetries:     getEnvInt("IDENTITY_MAX_RETRIES", 3),
		IdentityRequestTimeout: getEnvDuration("IDENTITY_REQUEST_TIMEOUT", 10*time.Second),

		ResetVerifyToken: getEnvBool("RESET_VERIFY_TOKEN", false),
		ResetPageTTL:     getEnvDuration("RESET_PAGE_TTL", time.Hour),
		ResetBusyTTL:     getEnvDuration("RESET_BUSY_TTL", 30*time.Second),

		// SMTP defaults for Mailhog (development)
		EmailProvider: strings.ToLower(getEnv("EMAIL_PROVIDER", EmailLog)),
		SMTPHost:      getEnv("SMTP_HOST", "localhost"),
		SMTPPort:      getEnvInt("SMTP_PORT", 1025),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:      getEnv("SMTP_FROM", "noreply@stockpile.local"),
		SMTPFromName:  getEnv("SMTP_FROM_NAME", "Stockpile"),

		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Hour),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.IdentityProvider {
	case IdentitySupabase:
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required when IDENTITY_PROVIDER is 'supabase'")
		}
		if c.SupabaseAnonKey == "" {
			return fmt.Errorf("SUPABASE_ANON_KEY is required when IDENTITY_PROVIDER is 'supabase'")
		}
	case IdentityMock:
		if c.IsProduction() {
			return fmt.Errorf("IDENTITY_PROVIDER 'mock' is not allowed in production")
		}
	default:
		return fmt.Errorf("IDENTITY_PROVIDER must be either 'mock' or 'supabase', got: %s", c.IdentityProvider)
	}

	if c.EmailProvider != EmailLog && c.EmailProvider != EmailSMTP {
		return fmt.Errorf("EMAIL_PROVIDER must be either 'log' or 'smtp', got: %s", c.EmailProvider)
	}
	if c.ResetPageTTL < time.Minute {
		return fmt.Errorf("RESET_PAGE_TTL must be at least 1m, got %v", c.ResetPageTTL)
	}
	if c.ResetBusyTTL < time.Second {
		return fmt.Errorf("RESET_BUSY_TTL must be at least 1s, got %v", c.ResetBusyTTL)
	}
	if c.IdentityMaxRetries < 0 {
		return fmt.Errorf("IDENTITY_MAX_RETRIES must not be negative, got %d", c.IdentityMaxRetries)
	}
	return nil
}

// IsProduction reports whether the app runs with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResetRedirectURL is where emailed reset links point.
func (c *Config) ResetRedirectURL() string {
	return c.BaseURL + "/reset-password"
}

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

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
