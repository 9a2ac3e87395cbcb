package config

import (
	"fmt"
	"os"

	"github.com/sheetscrub/backend/internal/models"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18200".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// AppURL is the public base URL of the frontend, used to build the
	// checkout success/cancel redirect targets.
	AppURL string

	// StripeSecretKey authenticates calls to the Stripe REST API.
	StripeSecretKey string

	// StripeWebhookSecret is the signing secret used to verify webhook
	// payload signatures.
	StripeWebhookSecret string

	// StripePriceIDs is the server-held mapping from paid plan to Stripe
	// price identifier. Client-supplied price ids are never trusted.
	StripePriceIDs map[models.Plan]string

	// SupabaseURL is the base URL of the identity provider.
	SupabaseURL string

	// SupabaseAnonKey is the public API key sent alongside identity lookups.
	SupabaseAnonKey string

	// CleanerURL is the base URL of the remote spreadsheet-cleaning engine.
	CleanerURL string
}

const (
	defaultServerAddress   = ":18200"
	defaultAppURL          = "http://localhost:3000"
	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envAppURL              = "APP_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envStripePricePro      = "STRIPE_PRICE_PRO"
	envStripePriceBusiness = "STRIPE_PRICE_BUSINESS"
	envSupabaseURL         = "SUPABASE_URL"
	envSupabaseAnonKey     = "SUPABASE_ANON_KEY"
	envCleanerURL          = "CLEANER_URL"
)

// Load reads configuration from environment variables, applies defaults, and
// returns a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         os.Getenv(envDatabaseURL),
		AppURL:              firstNonEmpty(os.Getenv(envAppURL), defaultAppURL),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		SupabaseURL:         os.Getenv(envSupabaseURL),
		SupabaseAnonKey:     os.Getenv(envSupabaseAnonKey),
		CleanerURL:          os.Getenv(envCleanerURL),
		StripePriceIDs: map[models.Plan]string{
			models.PlanPro:      os.Getenv(envStripePricePro),
			models.PlanBusiness: os.Getenv(envStripePriceBusiness),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if cfg.StripeWebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeWebhookSecret)
	}
	if cfg.StripePriceIDs[models.PlanPro] == "" {
		return Config{}, fmt.Errorf("%s is required", envStripePricePro)
	}
	if cfg.StripePriceIDs[models.PlanBusiness] == "" {
		return Config{}, fmt.Errorf("%s is required", envStripePriceBusiness)
	}

	return cfg, nil
}

// PriceIDForPlan resolves a paid plan to its Stripe price identifier.
func (c Config) PriceIDForPlan(plan models.Plan) (string, bool) {
	id, ok := c.StripePriceIDs[plan]
	return id, ok && id != ""
}

// PlanForPriceID resolves a purchased Stripe price identifier back to a
// plan through the same fixed mapping used at checkout creation.
func (c Config) PlanForPriceID(priceID string) (models.Plan, bool) {
	if priceID == "" {
		return "", false
	}
	for plan, id := range c.StripePriceIDs {
		if id == priceID {
			return plan, true
		}
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
