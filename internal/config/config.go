package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/backend-caisse/internal/pending"
	"github.com/noah-isme/backend-caisse/internal/pricing"
	"github.com/noah-isme/backend-caisse/internal/settlement"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	CurrencyCode       string
	CartTTL            time.Duration
	IdempotencyTTL     time.Duration

	CategoryDiscounts pricing.DiscountTable
	InstallmentTiers  settlement.InstallmentTiers
	CheckIndicators   []string

	InvoicingBaseURL  string
	InvoicingAPIToken string
	OutboundTimeout   time.Duration
	RetryBase         time.Duration
	RetryMaxAttempts  int
	RetryJitter       float64
	CircuitMinReqs    int
	CircuitFailRatio  float64
	CircuitOpenFor    time.Duration

	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	QueuePrefix            string
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueMaxAttempts       int

	CollectConcurrency      int
	CollectRateLimit        int
	CollectRateWindow       time.Duration
	TolerateExternalFailure bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		CurrencyCode:       strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "EUR")),
		CartTTL:            parseDuration(k.String("CART_TTL"), "72h"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		CheckIndicators: splitAndTrim(valueOrDefault(k.String("PENDING_CHECK_INDICATORS"), strings.Join(pending.DefaultIndicators, ","))),

		InvoicingBaseURL:  strings.TrimSpace(k.String("INVOICING_BASE_URL")),
		InvoicingAPIToken: strings.TrimSpace(k.String("INVOICING_API_TOKEN")),
		OutboundTimeout:   parseDuration(k.String("OUTBOUND_TIMEOUT"), "5s"),
		RetryBase:         parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:  parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitter:       parseFloat(k.String("RETRY_JITTER"), 0.2),
		CircuitMinReqs:    parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailRatio:  parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:    parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_PREFIX"), "caisse"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 2),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),

		CollectConcurrency:      parseInt(k.String("COLLECT_CONCURRENCY"), 1),
		CollectRateLimit:        parseInt(k.String("COLLECT_RATE_LIMIT"), 30),
		CollectRateWindow:       parseDuration(k.String("COLLECT_RATE_WINDOW"), "1m"),
		TolerateExternalFailure: parseBool(k.String("PENDING_TOLERATE_EXTERNAL_FAILURE")),
	}

	discounts, err := pricing.ParseDiscountTable(valueOrDefault(k.String("PRICING_CATEGORY_DISCOUNTS"), "Matelas:0.20"))
	if err != nil {
		return nil, fmt.Errorf("PRICING_CATEGORY_DISCOUNTS: %w", err)
	}
	cfg.CategoryDiscounts = discounts

	tiers, err := settlement.ParseInstallmentTiers(valueOrDefault(k.String("INSTALLMENT_TIERS"), "alma:2|3|4;oney:3|4"))
	if err != nil {
		return nil, fmt.Errorf("INSTALLMENT_TIERS: %w", err)
	}
	cfg.InstallmentTiers = tiers

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.InvoicingBaseURL != "" && cfg.InvoicingAPIToken == "" {
		return nil, errors.New("INVOICING_API_TOKEN is required when INVOICING_BASE_URL is set")
	}
	if cfg.CircuitFailRatio <= 0 || cfg.CircuitFailRatio > 1 {
		return nil, fmt.Errorf("CIRCUIT_FAILURE_RATIO must be in (0,1], got %v", cfg.CircuitFailRatio)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// UsePostgresLedger reports whether the ledger lives in PostgreSQL.
func (c *Config) UsePostgresLedger() bool {
	return c.DatabaseURL != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
