package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/metrics"
	"cryptopay/internal/payment"
)

// WebhookProcessor applies a signed BTCPay delivery.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, signature string, body []byte) error
}

// WebhookHandler reads BTCPay deliveries and forwards them with their signature header.
// Any non-2xx reply makes BTCPay redeliver.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor WebhookProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "btcpay_webhook"),
		metrics:   metrics,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	signature := strings.TrimSpace(r.Header.Get(btcpay.SignatureHeader))
	if signature == "" {
		h.countError("btcpay_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.countError("btcpay_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.processor.HandleWebhook(r.Context(), signature, body); err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidWebhookSignature):
			h.countError("btcpay_webhook_auth")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, payment.ErrInvalidRequest):
			h.logger.Warn("malformed webhook delivery", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
		case errors.Is(err, payment.ErrDeliveryInProgress):
			h.logger.Info("delivery already being processed", "error", err)
			http.Error(w, "delivery in progress", http.StatusConflict)
		default:
			h.logger.Error("failed processing webhook", "error", err)
			h.countError("btcpay_webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}
