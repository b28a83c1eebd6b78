package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/keys"
	"cryptopay/internal/metrics"
	"cryptopay/internal/repo"
)

// Gateway is the subset of the BTCPay client used by the service.
type Gateway interface {
	CreateStore(ctx context.Context, req btcpay.StoreRequest) (*btcpay.Store, error)
	UpdateStore(ctx context.Context, storeID string, req btcpay.StoreRequest) (*btcpay.Store, error)
	DeleteStore(ctx context.Context, storeID string) error
	CreateInvoice(ctx context.Context, storeID string, req btcpay.CreateInvoiceRequest) (*btcpay.Invoice, error)
	GetInvoice(ctx context.Context, storeID, invoiceID string) (*btcpay.Invoice, error)
	GetInvoicePaymentMethods(ctx context.Context, storeID, invoiceID string) ([]btcpay.InvoicePaymentMethod, error)
	CreateWebhook(ctx context.Context, storeID string, req btcpay.WebhookRequest) (*btcpay.Webhook, error)
	GenerateWallet(ctx context.Context, storeID, paymentMethodID string, req btcpay.GenerateWalletRequest) (json.RawMessage, error)
	SetOnChainPaymentMethod(ctx context.Context, storeID, paymentMethodID string, req btcpay.OnChainPaymentMethodRequest) error
	DeletePaymentMethod(ctx context.Context, storeID, paymentMethodID string) error
	GetWalletOverview(ctx context.Context, storeID, paymentMethodID string) (*btcpay.WalletOverview, error)
	CreateOnChainTransaction(ctx context.Context, storeID, paymentMethodID string, req btcpay.CreateTransactionRequest) (*btcpay.Transaction, error)
	CreatePullPayment(ctx context.Context, storeID string, req btcpay.CreatePullPaymentRequest) (*btcpay.PullPayment, error)
	GetPullPayments(ctx context.Context, storeID string) ([]btcpay.PullPayment, error)
	GetPayouts(ctx context.Context, storeID, pullPaymentID string) ([]btcpay.Payout, error)
	CreatePayout(ctx context.Context, pullPaymentID string, req btcpay.CreatePayoutRequest) (*btcpay.Payout, error)
	ApprovePayout(ctx context.Context, storeID, payoutID string, req btcpay.ApprovePayoutRequest) (*btcpay.Payout, error)
	CancelPayout(ctx context.Context, storeID, payoutID string) error
	GetRate(ctx context.Context, storeID, currencyPair string) (decimal.Decimal, error)
}

// RateCache stores exchange rates between invoice creations.
type RateCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Config tunes the payment service.
type Config struct {
	NativeCurrency       string
	PaymentMethodID      string
	DefaultStoreID       string
	DefaultStoreCurrency string
	GlobalWebhookSecret  string
	WebhookURL           string
	GatewayURL           string
	PublicGatewayURL     string
	RateCacheTTL         time.Duration
	DeliveryLease        time.Duration
	SpeedPolicy          string
	ExpirationMinutes    int
	MonitoringMinutes    int
}

func (c Config) withDefaults() Config {
	if c.NativeCurrency == "" {
		c.NativeCurrency = "BTC"
	}
	c.NativeCurrency = strings.ToUpper(c.NativeCurrency)
	if c.PaymentMethodID == "" {
		c.PaymentMethodID = "BTC-CHAIN"
	}
	if c.DefaultStoreCurrency == "" {
		c.DefaultStoreCurrency = "USD"
	}
	if c.RateCacheTTL <= 0 {
		c.RateCacheTTL = time.Minute
	}
	if c.DeliveryLease <= 0 {
		c.DeliveryLease = 2 * time.Minute
	}
	if c.SpeedPolicy == "" {
		c.SpeedPolicy = "MediumSpeed"
	}
	if c.ExpirationMinutes <= 0 {
		c.ExpirationMinutes = 15
	}
	if c.MonitoringMinutes <= 0 {
		c.MonitoringMinutes = 24
	}
	return c
}

// Service coordinates the gateway, key manager and repository.
type Service struct {
	cfg     Config
	gateway Gateway
	repo    repo.Repository
	keys    *keys.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
	rates   RateCache
	now     func() time.Time
}

// NewService wires a payment service. metrics and rates may be nil.
func NewService(cfg Config, gateway Gateway, repository repo.Repository, km *keys.Manager, logger *slog.Logger, m *metrics.Metrics, rates RateCache) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		gateway: gateway,
		repo:    repository,
		keys:    km,
		logger:  logger.With("component", "payment"),
		metrics: m,
		rates:   rates,
		now:     time.Now,
	}
}

func (s *Service) countError(component string) {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func (s *Service) countDelivery(kind EventKind, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookDeliveries.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (s *Service) countOrder(path string) {
	if s.metrics != nil {
		s.metrics.OrdersMaterialized.WithLabelValues(path).Inc()
	}
}

func (s *Service) countInvoice(converted bool) {
	if s.metrics != nil {
		label := "false"
		if converted {
			label = "true"
		}
		s.metrics.InvoicesCreated.WithLabelValues(label).Inc()
	}
}
