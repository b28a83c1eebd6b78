package btcpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptopay/internal/metrics"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrMissingAPIKey is returned by every call when the client has no API token.
	ErrMissingAPIKey = errors.New("btcpay api key is not configured")
	// ErrRateUnavailable indicates the server returned no usable rate for a pair.
	ErrRateUnavailable = errors.New("btcpay rate unavailable")
)

// APIError is returned for any non-2xx response from BTCPay Server.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("btcpay error: status=%d body=%s", e.Status, e.Body)
}

// Message extracts the human readable rejection from the response body.
// Greenfield returns either {"message": "..."} or a list of field errors.
func (e *APIError) Message() string {
	var single struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(e.Body), &single); err == nil && single.Message != "" {
		return single.Message
	}
	var list []struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(e.Body), &list); err == nil && len(list) > 0 {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, item.Message)
		}
		return strings.Join(parts, ", ")
	}
	return e.Body
}

// Client provides typed access to the BTCPay Server Greenfield API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds BTCPay client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new BTCPay client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:  logger.With("component", "btcpay"),
		baseURL: normalizeBaseURL(cfg.BaseURL),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// BaseURL returns the normalised server URL used for API calls.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func normalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

// -- Stores --

// CreateStore creates a new store.
func (c *Client) CreateStore(ctx context.Context, req StoreRequest) (*Store, error) {
	var store Store
	if err := c.do(ctx, "create_store", http.MethodPost, "/api/v1/stores", req, &store); err != nil {
		return nil, err
	}
	return &store, nil
}

// GetStore fetches a store by id.
func (c *Client) GetStore(ctx context.Context, storeID string) (*Store, error) {
	var store Store
	if err := c.do(ctx, "get_store", http.MethodGet, storePath(storeID), nil, &store); err != nil {
		return nil, err
	}
	return &store, nil
}

// UpdateStore replaces store settings.
func (c *Client) UpdateStore(ctx context.Context, storeID string, req StoreRequest) (*Store, error) {
	var store Store
	if err := c.do(ctx, "update_store", http.MethodPut, storePath(storeID), req, &store); err != nil {
		return nil, err
	}
	return &store, nil
}

// DeleteStore removes a store.
func (c *Client) DeleteStore(ctx context.Context, storeID string) error {
	return c.do(ctx, "delete_store", http.MethodDelete, storePath(storeID), nil, nil)
}

// -- Invoices --

// CreateInvoice creates an invoice in the given store.
func (c *Client) CreateInvoice(ctx context.Context, storeID string, req CreateInvoiceRequest) (*Invoice, error) {
	var inv Invoice
	if err := c.do(ctx, "create_invoice", http.MethodPost, storePath(storeID, "invoices"), req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoice fetches an invoice.
func (c *Client) GetInvoice(ctx context.Context, storeID, invoiceID string) (*Invoice, error) {
	var inv Invoice
	if err := c.do(ctx, "get_invoice", http.MethodGet, storePath(storeID, "invoices", invoiceID), nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoicePaymentMethods lists per-method payment details (address, payment link, due amount).
func (c *Client) GetInvoicePaymentMethods(ctx context.Context, storeID, invoiceID string) ([]InvoicePaymentMethod, error) {
	var methods []InvoicePaymentMethod
	path := storePath(storeID, "invoices", invoiceID, "payment-methods")
	if err := c.do(ctx, "get_invoice_payment_methods", http.MethodGet, path, nil, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// -- Webhooks --

// CreateWebhook registers a webhook on the store.
func (c *Client) CreateWebhook(ctx context.Context, storeID string, req WebhookRequest) (*Webhook, error) {
	var hook Webhook
	if err := c.do(ctx, "create_webhook", http.MethodPost, storePath(storeID, "webhooks"), req, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// GetWebhooks lists registered webhooks.
func (c *Client) GetWebhooks(ctx context.Context, storeID string) ([]Webhook, error) {
	var hooks []Webhook
	if err := c.do(ctx, "get_webhooks", http.MethodGet, storePath(storeID, "webhooks"), nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

// -- Wallet --

// GenerateWallet asks the server to generate a wallet. The response shape differs between
// server versions, so the raw JSON object is returned.
func (c *Client) GenerateWallet(ctx context.Context, storeID, paymentMethodID string, req GenerateWalletRequest) (json.RawMessage, error) {
	var raw json.RawMessage
	path := storePath(storeID, "payment-methods", paymentMethodID, "wallet", "generate")
	if err := c.do(ctx, "generate_wallet", http.MethodPost, path, req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SetOnChainPaymentMethod points the store's on-chain payment method at a derivation scheme.
func (c *Client) SetOnChainPaymentMethod(ctx context.Context, storeID, paymentMethodID string, req OnChainPaymentMethodRequest) error {
	path := storePath(storeID, "payment-methods", paymentMethodID)
	return c.do(ctx, "set_payment_method", http.MethodPut, path, req, nil)
}

// DeletePaymentMethod removes a payment method configuration from the store.
func (c *Client) DeletePaymentMethod(ctx context.Context, storeID, paymentMethodID string) error {
	path := storePath(storeID, "payment-methods", paymentMethodID)
	return c.do(ctx, "delete_payment_method", http.MethodDelete, path, nil, nil)
}

// GetWalletOverview returns the wallet balance.
func (c *Client) GetWalletOverview(ctx context.Context, storeID, paymentMethodID string) (*WalletOverview, error) {
	var overview WalletOverview
	path := storePath(storeID, "payment-methods", paymentMethodID, "wallet")
	if err := c.do(ctx, "get_wallet_overview", http.MethodGet, path, nil, &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

// CreateOnChainTransaction builds, signs and broadcasts a transaction from the store wallet.
func (c *Client) CreateOnChainTransaction(ctx context.Context, storeID, paymentMethodID string, req CreateTransactionRequest) (*Transaction, error) {
	var tx Transaction
	path := storePath(storeID, "payment-methods", paymentMethodID, "wallet", "transactions")
	if err := c.do(ctx, "create_transaction", http.MethodPost, path, req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// -- Pull payments --

// CreatePullPayment creates a pull payment.
func (c *Client) CreatePullPayment(ctx context.Context, storeID string, req CreatePullPaymentRequest) (*PullPayment, error) {
	var pp PullPayment
	if err := c.do(ctx, "create_pull_payment", http.MethodPost, storePath(storeID, "pull-payments"), req, &pp); err != nil {
		return nil, err
	}
	return &pp, nil
}

// GetPullPayments lists the store's pull payments.
func (c *Client) GetPullPayments(ctx context.Context, storeID string) ([]PullPayment, error) {
	var pps []PullPayment
	if err := c.do(ctx, "get_pull_payments", http.MethodGet, storePath(storeID, "pull-payments"), nil, &pps); err != nil {
		return nil, err
	}
	return pps, nil
}

// GetPayouts lists payouts of a pull payment.
func (c *Client) GetPayouts(ctx context.Context, storeID, pullPaymentID string) ([]Payout, error) {
	var payouts []Payout
	path := storePath(storeID, "pull-payments", pullPaymentID, "payouts")
	if err := c.do(ctx, "get_payouts", http.MethodGet, path, nil, &payouts); err != nil {
		return nil, err
	}
	return payouts, nil
}

// CreatePayout claims a payout from a pull payment. This endpoint is public and not store scoped.
func (c *Client) CreatePayout(ctx context.Context, pullPaymentID string, req CreatePayoutRequest) (*Payout, error) {
	var payout Payout
	path := "/api/v1/pull-payments/" + url.PathEscape(pullPaymentID) + "/payouts"
	if err := c.do(ctx, "create_payout", http.MethodPost, path, req, &payout); err != nil {
		return nil, err
	}
	return &payout, nil
}

// ApprovePayout approves a pending payout.
func (c *Client) ApprovePayout(ctx context.Context, storeID, payoutID string, req ApprovePayoutRequest) (*Payout, error) {
	var payout Payout
	path := storePath(storeID, "payouts", payoutID, "approve")
	if err := c.do(ctx, "approve_payout", http.MethodPost, path, req, &payout); err != nil {
		return nil, err
	}
	return &payout, nil
}

// CancelPayout cancels a payout.
func (c *Client) CancelPayout(ctx context.Context, storeID, payoutID string) error {
	return c.do(ctx, "cancel_payout", http.MethodDelete, storePath(storeID, "payouts", payoutID), nil, nil)
}

// -- Rates --

// GetRate returns the store's current rate for a pair such as "BTC_USD".
func (c *Client) GetRate(ctx context.Context, storeID, currencyPair string) (decimal.Decimal, error) {
	var rates []Rate
	path := storePath(storeID, "rates") + "?currencyPair=" + url.QueryEscape(currencyPair)
	if err := c.do(ctx, "get_rate", http.MethodGet, path, nil, &rates); err != nil {
		return decimal.Zero, err
	}
	for _, r := range rates {
		if !strings.EqualFold(r.CurrencyPair, currencyPair) {
			continue
		}
		if len(r.Errors) > 0 || !r.Rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s %s", ErrRateUnavailable, currencyPair, strings.Join(r.Errors, "; "))
		}
		return r.Rate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, currencyPair)
}

func storePath(storeID string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/api/v1/stores/")
	b.WriteString(url.PathEscape(storeID))
	for _, seg := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, operation, method, endpoint string, payload any, dest any) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", operation, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "cryptopay/btcpay-client")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GatewayRequests.WithLabelValues(operation, "error").Inc()
		}
		return fmt.Errorf("btcpay request %s: %w", operation, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.GatewayRequests.WithLabelValues(operation, statusLabel).Inc()
		c.metrics.GatewayLatency.WithLabelValues(operation, statusLabel).Observe(time.Since(start).Seconds())
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Debug("btcpay call rejected", "operation", operation, "status", res.StatusCode)
		return &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
