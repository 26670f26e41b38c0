// Package config содержит логику чтения конфигурации административного сервиса Sleep+.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	DirectusURL   string `env:"DIRECTUS_URL"`
	DirectusToken string `env:"DIRECTUS_TOKEN"`

	StripeWebhookSecret  string `env:"STRIPE_WEBHOOK_SECRET"`
	ShopifyWebhookSecret string `env:"SHOPIFY_WEBHOOK_SECRET"`

	CouponRetryAttempts int           `env:"COUPON_RETRY_ATTEMPTS" envDefault:"3"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	WebhookRateLimit    float64       `env:"WEBHOOK_RATE_LIMIT" envDefault:"20"`
	WebhookRateBurst    int           `env:"WEBHOOK_RATE_BURST" envDefault:"40"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envDirectusURL := cfg.DirectusURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.DirectusURL, "c", "", "Directus CMS address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envDirectusURL != "" {
		cfg.DirectusURL = envDirectusURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.CouponRetryAttempts < 1 {
		return nil, fmt.Errorf("invalid COUPON_RETRY_ATTEMPTS %d: must be at least 1", cfg.CouponRetryAttempts)
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL %s: must be positive", cfg.ReconcileInterval)
	}

	return cfg, nil
}

// Backend возвращает имя хранилища элементов, выбранного конфигурацией.
func (c *Config) Backend() string {
	switch {
	case c.DirectusURL != "":
		return "directus"
	case c.DatabaseURI != "":
		return "postgres"
	default:
		return "memory"
	}
}
