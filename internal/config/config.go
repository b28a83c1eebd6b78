package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime option recognised by the service.
type Config struct {
	AppEnv           string `env:"APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"text"`
	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"cryptopay"`

	// Storage
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"cryptopay.db"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`
	RedisPrefix   string `env:"REDIS_KEY_PREFIX" envDefault:"cryptopay:"`

	// BTCPay Server
	BTCPayURL            string        `env:"BTCPAY_URL,required,notEmpty"`
	BTCPayAPIKey         string        `env:"BTCPAY_API_KEY,required,notEmpty"`
	BTCPayStoreID        string        `env:"BTCPAY_STORE_ID"`
	BTCPayWebhookSecret  string        `env:"BTCPAY_WEBHOOK_SECRET"`
	BTCPayWebhookURL     string        `env:"BTCPAY_WEBHOOK_URL"`
	BTCPayPublicURL      string        `env:"BTCPAY_PUBLIC_URL"`
	BTCPayTimeout        time.Duration `env:"BTCPAY_TIMEOUT" envDefault:"30s"`
	BTCPayPaymentMethod  string        `env:"BTCPAY_PAYMENT_METHOD" envDefault:"BTC-CHAIN"`
	BTCPayNativeCurrency string        `env:"BTCPAY_NATIVE_CURRENCY" envDefault:"BTC"`

	// Keys
	BitcoinNetwork string `env:"BITCOIN_NETWORK" envDefault:"mainnet"`
	MasterKey      string `env:"MASTER_KEY,required,notEmpty"`

	RateCacheTTL         time.Duration `env:"RATE_CACHE_TTL" envDefault:"1m"`
	WebhookDeliveryLease time.Duration `env:"WEBHOOK_DELIVERY_LEASE" envDefault:"2m"`
}

// Load parses the environment into a Config and validates cross-field rules.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.DatabaseDriver) {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.WebhookDeliveryLease <= 0 {
		return fmt.Errorf("WEBHOOK_DELIVERY_LEASE must be positive")
	}
	return nil
}

// UseSQLite reports whether the local SQLite store is selected.
func (c *Config) UseSQLite() bool {
	return strings.EqualFold(c.DatabaseDriver, "sqlite")
}
