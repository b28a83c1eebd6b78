package repo

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrStoreInUse is returned when deleting a merchant store that invoices still reference.
	ErrStoreInUse = errors.New("merchant store is referenced by invoices")
)

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusNew        InvoiceStatus = "New"
	InvoiceStatusProcessing InvoiceStatus = "Processing"
	InvoiceStatusSettled    InvoiceStatus = "Settled"
	InvoiceStatusExpired    InvoiceStatus = "Expired"
	InvoiceStatusInvalid    InvoiceStatus = "Invalid"
)

// Rank orders statuses along the state graph. Terminal states share the top rank so none can
// replace another.
func (s InvoiceStatus) Rank() int {
	switch s {
	case InvoiceStatusNew:
		return 0
	case InvoiceStatusProcessing:
		return 1
	case InvoiceStatusSettled, InvoiceStatusExpired, InvoiceStatusInvalid:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible.
func (s InvoiceStatus) IsTerminal() bool {
	return s.Rank() == 2
}

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	return s.Rank() >= 0
}

// MerchantStore represents the merchant_stores table row.
type MerchantStore struct {
	ID             string
	MerchantID     string
	GatewayStoreID string
	StoreName      string
	EncryptedXpub  *string
	WebhookID      *string
	WebhookSecret  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MerchantStoreUpdate carries the columns to change; nil fields are left untouched.
type MerchantStoreUpdate struct {
	StoreName     *string
	EncryptedXpub *string
	WebhookID     *string
	WebhookSecret *string
}

// PaymentDetail is the per-method payment information embedded in a stored invoice.
type PaymentDetail struct {
	PaymentMethodID string          `json:"paymentMethodId"`
	Destination     string          `json:"destination"`
	PaymentLink     string          `json:"paymentLink,omitempty"`
	Rate            decimal.Decimal `json:"rate"`
	Amount          decimal.Decimal `json:"amount"`
	Due             decimal.Decimal `json:"due"`
}

// Invoice represents the invoices table row. ID is the gateway invoice id.
type Invoice struct {
	ID              string
	MerchantStoreID string
	MerchantID      string
	Amount          decimal.Decimal
	Currency        string
	Status          InvoiceStatus
	CheckoutLink    string
	Metadata        InvoiceMetadata
	PaymentDetails  []PaymentDetail
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WebhookDelivery represents the webhook_deliveries table row. DeliveryID is the idempotency key.
type WebhookDelivery struct {
	DeliveryID  string
	WebhookID   string
	EventType   string
	InvoiceID   string
	StoreID     string
	RawPayload  []byte
	Processed   bool
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// Order statuses.
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusReturned  = "returned"
)

// PaymentMethodCrypto marks orders paid through the crypto gateway.
const PaymentMethodCrypto = "crypto"

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
	Image       string          `json:"image,omitempty"`
}

// Order represents the orders table row. InvoiceID is unique across orders.
type Order struct {
	ID            string
	MerchantID    string
	InvoiceID     string
	Items         []OrderItem
	TotalAmount   decimal.Decimal
	Currency      string
	PaymentMethod string
	Status        string
	StockDeducted bool
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Product represents the products table row consumed for stock deduction.
type Product struct {
	ID         string
	MerchantID string
	Name       string
	Price      decimal.Decimal
	Stock      int64
	Image      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
