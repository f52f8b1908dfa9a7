package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Billing (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePricePlus     string
	StripePriceSuper    string
	StripePriceFamily   string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Usage metering
	Meter MeterLimits
}

// MeterLimits holds the entitlement ceilings applied by the usage
// checker. Everything is env-tunable so tests and deployments can vary
// limits without touching code.
type MeterLimits struct {
	FreeTrialCap int // free-plan request allowance, default: 25

	// Plan-tiered daily token ceilings.
	DailyTokensFree   int64 // default: 100000
	DailyTokensPlus   int64 // default: 1500000
	DailyTokensSuper  int64 // default: 3000000
	DailyTokensFamily int64 // default: 3000000

	// Fallback caps stored on new usage summaries.
	DefaultDailyTokenLimit     int64   // default: 100000
	DefaultMonthlyCostLimitUSD float64 // default: 10
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePricePlus:      os.Getenv("STRIPE_PRICE_PLUS"),
		StripePriceSuper:     os.Getenv("STRIPE_PRICE_SUPER"),
		StripePriceFamily:    os.Getenv("STRIPE_PRICE_FAMILY"),
		CheckoutSuccessURL:   getEnv("STRIPE_SUCCESS_URL", "http://localhost:3000/subscribe/return?session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:    getEnv("STRIPE_CANCEL_URL", "http://localhost:3000/subscribe?canceled=1"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	// Rate Limiting Default
	tpm, err := getEnvInt64("DEFAULT_RATE_LIMIT_TPM", 100000)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitTPM = tpm

	meter, err := loadMeterLimits()
	if err != nil {
		return nil, err
	}
	cfg.Meter = meter

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func loadMeterLimits() (MeterLimits, error) {
	m := DefaultMeterLimits()

	trialCap, err := getEnvInt64("FREE_TRIAL_REQUEST_CAP", int64(m.FreeTrialCap))
	if err != nil {
		return m, err
	}
	m.FreeTrialCap = int(trialCap)

	if m.DailyTokensFree, err = getEnvInt64("DAILY_TOKENS_FREE", m.DailyTokensFree); err != nil {
		return m, err
	}
	if m.DailyTokensPlus, err = getEnvInt64("DAILY_TOKENS_PLUS", m.DailyTokensPlus); err != nil {
		return m, err
	}
	if m.DailyTokensSuper, err = getEnvInt64("DAILY_TOKENS_SUPER", m.DailyTokensSuper); err != nil {
		return m, err
	}
	if m.DailyTokensFamily, err = getEnvInt64("DAILY_TOKENS_FAMILY", m.DailyTokensFamily); err != nil {
		return m, err
	}
	if m.DefaultDailyTokenLimit, err = getEnvInt64("DEFAULT_DAILY_TOKEN_LIMIT", m.DefaultDailyTokenLimit); err != nil {
		return m, err
	}

	if costStr := getEnv("DEFAULT_MONTHLY_COST_LIMIT_USD", ""); costStr != "" {
		cost, err := strconv.ParseFloat(costStr, 64)
		if err != nil {
			return m, fmt.Errorf("invalid DEFAULT_MONTHLY_COST_LIMIT_USD: %w", err)
		}
		m.DefaultMonthlyCostLimitUSD = cost
	}

	return m, nil
}

// DefaultMeterLimits returns the ceilings used when no overrides are
// set. Paid daily ceilings sit at least an order of magnitude above the
// free tier.
func DefaultMeterLimits() MeterLimits {
	return MeterLimits{
		FreeTrialCap:               25,
		DailyTokensFree:            100000,
		DailyTokensPlus:            1500000,
		DailyTokensSuper:           3000000,
		DailyTokensFamily:          3000000,
		DefaultDailyTokenLimit:     100000,
		DefaultMonthlyCostLimitUSD: 10,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
