package payment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind is the business meaning of a webhook event type.
type EventKind string

const (
	EventPaymentReceived EventKind = "payment_received"
	EventPaymentSettled  EventKind = "payment_settled"
	EventExpired         EventKind = "expired"
	EventInvalid         EventKind = "invalid"
	EventOther           EventKind = "other"
)

// WebhookEvent is a decoded gateway delivery. Fields without a typed home are kept in Extra.
type WebhookEvent struct {
	Kind               EventKind
	DeliveryID         string
	WebhookID          string
	OriginalDeliveryID string
	IsRedelivery       bool
	Type               string
	Timestamp          int64
	StoreID            string
	InvoiceID          string
	PaymentMethod      string
	OverPaid           bool
	AfterExpiration    bool
	ManuallyMarked     bool
	Extra              map[string]json.RawMessage
}

type webhookEnvelope struct {
	DeliveryID         string `json:"deliveryId"`
	WebhookID          string `json:"webhookId"`
	OriginalDeliveryID string `json:"originalDeliveryId"`
	IsRedelivery       bool   `json:"isRedelivery"`
	Type               string `json:"type"`
	Timestamp          int64  `json:"timestamp"`
	StoreID            string `json:"storeId"`
	InvoiceID          string `json:"invoiceId"`
	PaymentMethod      string `json:"paymentMethod"`
	PaymentMethodID    string `json:"paymentMethodId"`
	OverPaid           bool   `json:"overPaid"`
	AfterExpiration    bool   `json:"afterExpiration"`
	ManuallyMarked     bool   `json:"manuallyMarked"`
}

var envelopeKeys = []string{
	"deliveryId", "webhookId", "originalDeliveryId", "isRedelivery", "type", "timestamp",
	"storeId", "invoiceId", "paymentMethod", "paymentMethodId", "overPaid", "afterExpiration", "manuallyMarked",
}

// ParseWebhookEvent decodes a delivery body. The body must carry a delivery id and an event type.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode webhook body: %v", ErrInvalidRequest, err)
	}
	if env.DeliveryID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: webhook body lacks deliveryId or type", ErrInvalidRequest)
	}

	var rest map[string]json.RawMessage
	if err := json.Unmarshal(body, &rest); err != nil {
		return nil, fmt.Errorf("%w: decode webhook body: %v", ErrInvalidRequest, err)
	}
	for _, k := range envelopeKeys {
		delete(rest, k)
	}
	if len(rest) == 0 {
		rest = nil
	}

	method := env.PaymentMethod
	if method == "" {
		method = env.PaymentMethodID
	}
	return &WebhookEvent{
		Kind:               kindOf(env.Type),
		DeliveryID:         env.DeliveryID,
		WebhookID:          env.WebhookID,
		OriginalDeliveryID: env.OriginalDeliveryID,
		IsRedelivery:       env.IsRedelivery,
		Type:               env.Type,
		Timestamp:          env.Timestamp,
		StoreID:            env.StoreID,
		InvoiceID:          env.InvoiceID,
		PaymentMethod:      method,
		OverPaid:           env.OverPaid,
		AfterExpiration:    env.AfterExpiration,
		ManuallyMarked:     env.ManuallyMarked,
		Extra:              rest,
	}, nil
}

func kindOf(eventType string) EventKind {
	switch {
	case strings.HasPrefix(eventType, "InvoiceReceivedPayment"), eventType == "InvoiceProcessing":
		return EventPaymentReceived
	case eventType == "InvoicePaymentSettled", eventType == "InvoiceSettled":
		return EventPaymentSettled
	case eventType == "InvoiceExpired":
		return EventExpired
	case eventType == "InvoiceInvalid":
		return EventInvalid
	default:
		return EventOther
	}
}

// peekStoreID reads the storeId of an unverified body so the matching secret can be chosen.
func peekStoreID(body []byte) string {
	var env struct {
		StoreID string `json:"storeId"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.StoreID
}
