package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/repo"
)

// Warning codes attached to a created invoice when an optional step failed.
const (
	WarningRateUnavailable           = "rate_unavailable"
	WarningPaymentDetailsUnavailable = "payment_details_unavailable"
)

const nativeScale = 8

// Warning reports a degraded but successful invoice creation.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvoiceRequest describes an invoice to create for a merchant.
type InvoiceRequest struct {
	Amount      decimal.Decimal
	Currency    string
	OrderID     string
	Items       []repo.LineItem
	Metadata    map[string]json.RawMessage
	RedirectURL string
	Checkout    *btcpay.CheckoutOptions
}

// InvoiceResult is the stored invoice plus any warnings raised while creating it.
type InvoiceResult struct {
	Invoice  *repo.Invoice
	Warnings []Warning
}

// CreateInvoice creates a gateway invoice in the native currency, converting fiat amounts at the
// current store rate when one is available, and records it locally.
func (s *Service) CreateInvoice(ctx context.Context, merchantID string, req InvoiceRequest) (*InvoiceResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line items need a product id and a positive quantity", ErrInvalidRequest)
		}
	}

	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ensureWebhook(ctx, store); err != nil {
		return nil, err
	}

	result := &InvoiceResult{}
	amount, invoiceCurrency := req.Amount, currency
	var conversion *repo.Conversion
	if currency != s.cfg.NativeCurrency {
		rate, err := s.rate(ctx, store.GatewayStoreID, s.cfg.NativeCurrency+"_"+currency)
		if err != nil {
			s.logger.Warn("rate lookup failed, invoicing in original currency", "merchant_id", merchantID, "currency", currency, "error", err)
			result.Warnings = append(result.Warnings, Warning{
				Code:    WarningRateUnavailable,
				Message: fmt.Sprintf("no %s rate for %s, invoice kept in %s", s.cfg.NativeCurrency, currency, currency),
			})
		} else {
			amount = req.Amount.Div(rate).Round(nativeScale)
			invoiceCurrency = s.cfg.NativeCurrency
			conversion = &repo.Conversion{
				OriginalAmount:    req.Amount,
				OriginalCurrency:  currency,
				Rate:              rate,
				ConvertedAmount:   amount,
				ConvertedCurrency: s.cfg.NativeCurrency,
			}
		}
	}

	meta := repo.InvoiceMetadata{
		MerchantID: merchantID,
		Timestamp:  s.now().UnixMilli(),
		OrderID:    req.OrderID,
		Items:      req.Items,
		Conversion: conversion,
		Extra:      req.Metadata,
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode invoice metadata: %w", err)
	}

	remote, err := s.gateway.CreateInvoice(ctx, store.GatewayStoreID, btcpay.CreateInvoiceRequest{
		Amount:   amount,
		Currency: invoiceCurrency,
		Metadata: rawMeta,
		Checkout: s.checkoutOptions(req),
	})
	if err != nil {
		s.countError("create_invoice")
		return nil, fmt.Errorf("create gateway invoice: %w", err)
	}

	var details []repo.PaymentDetail
	methods, err := s.gateway.GetInvoicePaymentMethods(ctx, store.GatewayStoreID, remote.ID)
	if err != nil {
		s.logger.Warn("payment details unavailable", "invoice_id", remote.ID, "error", err)
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarningPaymentDetailsUnavailable,
			Message: "payment details could not be fetched",
		})
	} else {
		details = paymentDetails(methods)
	}

	status := repo.InvoiceStatus(remote.Status)
	if !status.Valid() {
		status = repo.InvoiceStatusNew
	}
	if !remote.Amount.IsZero() {
		amount = remote.Amount
	}
	if remote.Currency != "" {
		invoiceCurrency = remote.Currency
	}

	saved, err := s.repo.SaveInvoice(ctx, repo.Invoice{
		ID:              remote.ID,
		MerchantStoreID: store.GatewayStoreID,
		MerchantID:      merchantID,
		Amount:          amount,
		Currency:        invoiceCurrency,
		Status:          status,
		CheckoutLink:    s.publicCheckoutLink(remote.CheckoutLink),
		Metadata:        meta,
		PaymentDetails:  details,
	})
	if err != nil {
		return nil, err
	}

	s.countInvoice(conversion != nil)
	s.logger.Info("invoice created", "merchant_id", merchantID, "invoice_id", saved.ID, "amount", saved.Amount.String(), "currency", saved.Currency)
	result.Invoice = saved
	return result, nil
}

// GetInvoiceStatus returns the merchant's invoice, refreshing non-terminal ones from the gateway.
func (s *Service) GetInvoiceStatus(ctx context.Context, merchantID, invoiceID string) (*repo.Invoice, error) {
	inv, err := s.merchantInvoice(ctx, merchantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status.IsTerminal() {
		return inv, nil
	}

	remote, err := s.gateway.GetInvoice(ctx, inv.MerchantStoreID, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch gateway invoice: %w", err)
	}
	status := repo.InvoiceStatus(remote.Status)
	if !status.Valid() || status == inv.Status {
		return inv, nil
	}

	advanced, err := s.repo.AdvanceInvoiceStatus(ctx, inv.ID, status)
	if err != nil {
		return nil, err
	}
	if !advanced {
		return inv, nil
	}
	s.logger.Info("invoice status refreshed", "invoice_id", inv.ID, "from", inv.Status, "to", status)
	return s.repo.GetInvoice(ctx, inv.ID)
}

// ListInvoices returns the merchant's most recent invoices.
func (s *Service) ListInvoices(ctx context.Context, merchantID string, limit int) ([]repo.Invoice, error) {
	return s.repo.ListInvoicesByMerchant(ctx, merchantID, limit)
}

func (s *Service) merchantInvoice(ctx context.Context, merchantID, invoiceID string) (*repo.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.MerchantID != merchantID {
		return nil, ErrInvoiceNotFound
	}
	return inv, nil
}

// rate returns the store rate for pair, served from the cache when possible.
func (s *Service) rate(ctx context.Context, storeID, pair string) (decimal.Decimal, error) {
	if s.cfg.DefaultStoreID != "" {
		storeID = s.cfg.DefaultStoreID
	}
	key := fmt.Sprintf("btcpay:rate:%s:%s", storeID, pair)
	if s.rates != nil {
		var cached decimal.Decimal
		ok, err := s.rates.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("read rate cache failed", "error", err)
		} else if ok && cached.IsPositive() {
			return cached, nil
		}
	}

	rate, err := s.gateway.GetRate(ctx, storeID, pair)
	if err != nil {
		return decimal.Zero, err
	}
	if !rate.IsPositive() {
		return decimal.Zero, btcpay.ErrRateUnavailable
	}

	if s.rates != nil {
		if err := s.rates.SetJSON(ctx, key, rate, s.cfg.RateCacheTTL); err != nil {
			s.logger.Warn("set rate cache failed", "error", err)
		}
	}
	return rate, nil
}

func (s *Service) checkoutOptions(req InvoiceRequest) *btcpay.CheckoutOptions {
	opts := btcpay.CheckoutOptions{
		SpeedPolicy:       s.cfg.SpeedPolicy,
		PaymentMethods:    []string{s.cfg.PaymentMethodID},
		ExpirationMinutes: s.cfg.ExpirationMinutes,
		MonitoringMinutes: s.cfg.MonitoringMinutes,
		RedirectURL:       req.RedirectURL,
	}
	if o := req.Checkout; o != nil {
		if o.SpeedPolicy != "" {
			opts.SpeedPolicy = o.SpeedPolicy
		}
		if len(o.PaymentMethods) > 0 {
			opts.PaymentMethods = o.PaymentMethods
		}
		if o.DefaultPaymentMethod != "" {
			opts.DefaultPaymentMethod = o.DefaultPaymentMethod
		}
		if o.ExpirationMinutes > 0 {
			opts.ExpirationMinutes = o.ExpirationMinutes
		}
		if o.MonitoringMinutes > 0 {
			opts.MonitoringMinutes = o.MonitoringMinutes
		}
		if o.PaymentTolerance > 0 {
			opts.PaymentTolerance = o.PaymentTolerance
		}
		if o.RedirectURL != "" {
			opts.RedirectURL = o.RedirectURL
		}
		opts.RedirectAutomatically = o.RedirectAutomatically
		opts.DefaultLanguage = o.DefaultLanguage
	}
	return &opts
}

// publicCheckoutLink swaps the gateway's internal origin for the public one.
func (s *Service) publicCheckoutLink(link string) string {
	public := strings.TrimRight(s.cfg.PublicGatewayURL, "/")
	if link == "" || public == "" || public == strings.TrimRight(s.cfg.GatewayURL, "/") {
		return link
	}
	target, err := url.Parse(link)
	if err != nil {
		return link
	}
	base, err := url.Parse(public)
	if err != nil || base.Host == "" {
		return link
	}
	target.Scheme = base.Scheme
	target.Host = base.Host
	if base.Path != "" && !strings.HasPrefix(target.Path, base.Path+"/") {
		target.Path = base.Path + target.Path
	}
	return target.String()
}

func paymentDetails(methods []btcpay.InvoicePaymentMethod) []repo.PaymentDetail {
	out := make([]repo.PaymentDetail, 0, len(methods))
	for _, m := range methods {
		out = append(out, repo.PaymentDetail{
			PaymentMethodID: m.PaymentMethodID,
			Destination:     m.Destination,
			PaymentLink:     m.PaymentLink,
			Rate:            m.Rate,
			Amount:          m.Amount,
			Due:             m.Due,
		})
	}
	return out
}
