package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/cache"
	"cryptopay/internal/config"
	"cryptopay/internal/httpserver"
	"cryptopay/internal/keys"
	"cryptopay/internal/logging"
	"cryptopay/internal/metrics"
	"cryptopay/internal/payment"
	"cryptopay/internal/repo"
	"cryptopay/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting cryptopay", "env", cfg.AppEnv, "network", cfg.BitcoinNetwork)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)

	var (
		redisClient *cache.Redis
		rates       payment.RateCache
	)
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			UseTLS:    cfg.RedisTLS,
			KeyPrefix: cfg.RedisPrefix,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		rates = redisClient
	} else {
		logger.Info("redis not configured, rate caching disabled")
	}

	keyManager, err := keys.NewManager(cfg.MasterKey, cfg.BitcoinNetwork)
	if err != nil {
		return fmt.Errorf("init key manager: %w", err)
	}

	btcpayClient := btcpay.New(btcpay.Config{
		BaseURL: cfg.BTCPayURL,
		APIKey:  cfg.BTCPayAPIKey,
		Timeout: cfg.BTCPayTimeout,
	}, logger, metricRegistry)

	if cfg.BTCPayWebhookURL == "" {
		logger.Warn("BTCPAY_WEBHOOK_URL not set, invoices cannot be created until it is configured")
	}

	payments := payment.NewService(payment.Config{
		NativeCurrency:      cfg.BTCPayNativeCurrency,
		PaymentMethodID:     cfg.BTCPayPaymentMethod,
		DefaultStoreID:      cfg.BTCPayStoreID,
		GlobalWebhookSecret: cfg.BTCPayWebhookSecret,
		WebhookURL:          cfg.BTCPayWebhookURL,
		GatewayURL:          cfg.BTCPayURL,
		PublicGatewayURL:    cfg.BTCPayPublicURL,
		RateCacheTTL:        cfg.RateCacheTTL,
		DeliveryLease:       cfg.WebhookDeliveryLease,
	}, btcpayClient, repository, keyManager, logger, metricRegistry, rates)

	webhookHandler := httpserver.NewWebhookHandler(logger, metricRegistry, payments)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		BTCPayWebhook: webhookHandler,
		API:           httpserver.NewAPI(payments, logger),
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Redis:      redisClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	if cfg.UseSQLite() {
		logger.Info("using sqlite storage", "path", cfg.SQLitePath)
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}
