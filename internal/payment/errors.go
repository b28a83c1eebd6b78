package payment

import (
	"errors"
	"net/http"
	"net/url"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/keys"
	"cryptopay/internal/repo"
)

var (
	ErrInvalidExtendedKey      = keys.ErrInvalidExtendedKey
	ErrKeyDecryptionFailed     = keys.ErrKeyDecryptionFailed
	ErrXpubExtractionFailed    = errors.New("could not extract xpub from generated wallet")
	ErrStoreNotConfigured      = errors.New("merchant store is not configured")
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrNoItemsInInvoice        = errors.New("invoice has no line items")
	ErrInvoiceNotFound         = errors.New("invoice not found")
	ErrUserStoreNotFound       = errors.New("user store not found")
	ErrWebhookURLNotConfigured = errors.New("webhook callback url is not configured")
	ErrStoreInUse              = repo.ErrStoreInUse
	// ErrDeliveryInProgress means another worker holds the lease on the same delivery id.
	// Callers should answer with a non-2xx status so the gateway redelivers later.
	ErrDeliveryInProgress = errors.New("webhook delivery is being processed")
	ErrInvalidRequest     = errors.New("invalid request")
)

// ErrorKind groups errors by what a caller can do about them.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindNotFound
	KindUpstream
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Classify maps an error returned by the service to its kind.
// Gateway rejections of caller data (400, 422) count as invalid input; every other gateway
// status and any transport failure is an upstream failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}

	var apiErr *btcpay.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return KindInvalidInput
		default:
			return KindUpstream
		}
	}

	switch {
	case errors.Is(err, ErrInvalidExtendedKey),
		errors.Is(err, ErrInvalidWebhookSignature),
		errors.Is(err, ErrNoItemsInInvoice),
		errors.Is(err, ErrInvalidRequest):
		return KindInvalidInput
	case errors.Is(err, ErrStoreNotConfigured),
		errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrUserStoreNotFound),
		errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStoreInUse),
		errors.Is(err, ErrDeliveryInProgress):
		return KindConflict
	case errors.Is(err, ErrXpubExtractionFailed),
		errors.Is(err, btcpay.ErrRateUnavailable):
		return KindUpstream
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindUpstream
	}
	return KindInternal
}
