package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the interface for payment state persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Merchant stores
	GetMerchantStore(ctx context.Context, merchantID string) (*MerchantStore, error)
	GetMerchantStoreByGatewayID(ctx context.Context, gatewayStoreID string) (*MerchantStore, error)
	CreateMerchantStore(ctx context.Context, store MerchantStore) (*MerchantStore, error)
	UpdateMerchantStore(ctx context.Context, merchantID string, update MerchantStoreUpdate) (*MerchantStore, error)
	DeleteMerchantStore(ctx context.Context, merchantID string) error

	// Invoices
	SaveInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	ListInvoicesByMerchant(ctx context.Context, merchantID string, limit int) ([]Invoice, error)
	CountInvoicesByStore(ctx context.Context, gatewayStoreID string) (int, error)
	// AdvanceInvoiceStatus moves the invoice to status only when status ranks above the stored
	// one. It reports whether the row changed.
	AdvanceInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) (bool, error)
	MergeInvoiceMetadata(ctx context.Context, invoiceID string, patch map[string]any) error

	// Webhook deliveries
	RecordWebhookDelivery(ctx context.Context, delivery WebhookDelivery) (*WebhookDelivery, error)
	ClaimWebhookDelivery(ctx context.Context, deliveryID string, lease time.Duration) (bool, error)
	ReleaseWebhookDelivery(ctx context.Context, deliveryID string) error
	MarkWebhookProcessed(ctx context.Context, deliveryID string) error

	// Orders
	// InsertPendingOrder creates a pending order unless one exists for the invoice. The returned
	// flag is true when this call created the row.
	InsertPendingOrder(ctx context.Context, order Order) (*Order, bool, error)
	// InsertFulfilledOrder creates a completed order and deducts stock for every line with enough
	// stock, in one transaction. Product ids of skipped lines are returned.
	InsertFulfilledOrder(ctx context.Context, order Order) (*Order, bool, []string, error)
	// CompleteOrder moves a pending order to completed and deducts its stock once.
	CompleteOrder(ctx context.Context, orderID string) (*Order, bool, error)
	// CancelPendingOrder cancels the invoice's order if it is still pending.
	CancelPendingOrder(ctx context.Context, invoiceID string) (bool, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderByInvoice(ctx context.Context, invoiceID string) (*Order, error)

	// Products
	SaveProduct(ctx context.Context, product Product) (*Product, error)
	GetProduct(ctx context.Context, id string) (*Product, error)
}
