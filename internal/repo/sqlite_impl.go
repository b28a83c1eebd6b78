package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// -- Merchant stores --

func (r *SQLiteRepository) GetMerchantStore(ctx context.Context, merchantID string) (*MerchantStore, error) {
	const q = `SELECT ` + merchantStoreColumns + ` FROM merchant_stores WHERE merchant_id = ? LIMIT 1;`
	store, err := scanMerchantStore(r.db.QueryRowContext(ctx, q, merchantID), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("get merchant store: %w", sqliteNotFound(err))
	}
	return store, nil
}

func (r *SQLiteRepository) GetMerchantStoreByGatewayID(ctx context.Context, gatewayStoreID string) (*MerchantStore, error) {
	const q = `SELECT ` + merchantStoreColumns + ` FROM merchant_stores WHERE gateway_store_id = ? LIMIT 1;`
	store, err := scanMerchantStore(r.db.QueryRowContext(ctx, q, gatewayStoreID), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("get merchant store by gateway id: %w", sqliteNotFound(err))
	}
	return store, nil
}

func (r *SQLiteRepository) CreateMerchantStore(ctx context.Context, store MerchantStore) (*MerchantStore, error) {
	if store.ID == "" {
		store.ID = uuid.NewString()
	}
	now := sqliteNow()
	const q = `
INSERT INTO merchant_stores (id, merchant_id, gateway_store_id, store_name, encrypted_xpub, webhook_id, webhook_secret, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (merchant_id) DO NOTHING
RETURNING ` + merchantStoreColumns + `;
`
	created, err := scanMerchantStore(r.db.QueryRowContext(ctx, q,
		store.ID,
		store.MerchantID,
		store.GatewayStoreID,
		store.StoreName,
		store.EncryptedXpub,
		store.WebhookID,
		store.WebhookSecret,
		now,
		now,
	), sqliteTimes)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("create merchant store: %w", err)
	}
	return r.GetMerchantStore(ctx, store.MerchantID)
}

func (r *SQLiteRepository) UpdateMerchantStore(ctx context.Context, merchantID string, update MerchantStoreUpdate) (*MerchantStore, error) {
	const q = `
UPDATE merchant_stores
SET store_name = COALESCE(?, store_name),
    encrypted_xpub = COALESCE(?, encrypted_xpub),
    webhook_id = COALESCE(?, webhook_id),
    webhook_secret = COALESCE(?, webhook_secret),
    updated_at = ?
WHERE merchant_id = ?
RETURNING ` + merchantStoreColumns + `;
`
	store, err := scanMerchantStore(r.db.QueryRowContext(ctx, q,
		update.StoreName,
		update.EncryptedXpub,
		update.WebhookID,
		update.WebhookSecret,
		sqliteNow(),
		merchantID,
	), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("update merchant store: %w", sqliteNotFound(err))
	}
	return store, nil
}

func (r *SQLiteRepository) DeleteMerchantStore(ctx context.Context, merchantID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM merchant_stores WHERE merchant_id = ?`, merchantID)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrStoreInUse
		}
		return fmt.Errorf("delete merchant store: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete merchant store: %w", ErrNotFound)
	}
	return nil
}

// -- Invoices --

func (r *SQLiteRepository) SaveInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if !inv.Status.Valid() {
		return nil, fmt.Errorf("save invoice: unknown status %q", inv.Status)
	}
	meta, details, err := encodeInvoiceJSON(inv)
	if err != nil {
		return nil, err
	}
	now := sqliteNow()
	const q = `
INSERT INTO invoices (id, merchant_store_id, merchant_id, amount, currency, status, status_rank, checkout_link, metadata, payment_details, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    amount = excluded.amount,
    currency = excluded.currency,
    checkout_link = excluded.checkout_link,
    metadata = json_patch(invoices.metadata, excluded.metadata),
    payment_details = excluded.payment_details,
    status = CASE WHEN excluded.status_rank > invoices.status_rank THEN excluded.status ELSE invoices.status END,
    status_rank = MAX(invoices.status_rank, excluded.status_rank),
    updated_at = excluded.updated_at
RETURNING ` + invoiceColumns + `;
`
	saved, err := scanInvoice(r.db.QueryRowContext(ctx, q,
		inv.ID,
		inv.MerchantStoreID,
		inv.MerchantID,
		inv.Amount,
		inv.Currency,
		string(inv.Status),
		inv.Status.Rank(),
		inv.CheckoutLink,
		meta,
		details,
		now,
		now,
	), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}
	return saved, nil
}

func (r *SQLiteRepository) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	const q = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = ? LIMIT 1;`
	inv, err := scanInvoice(r.db.QueryRowContext(ctx, q, invoiceID), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", sqliteNotFound(err))
	}
	return inv, nil
}

func (r *SQLiteRepository) ListInvoicesByMerchant(ctx context.Context, merchantID string, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = defaultInvoiceListLimit
	}
	const q = `
SELECT ` + invoiceColumns + `
FROM invoices
WHERE merchant_id = ?
ORDER BY created_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows, sqliteTimes)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return invoices, nil
}

func (r *SQLiteRepository) CountInvoicesByStore(ctx context.Context, gatewayStoreID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE merchant_store_id = ?`, gatewayStoreID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) AdvanceInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("advance invoice status: unknown status %q", status)
	}
	const q = `
UPDATE invoices
SET status = ?, status_rank = ?, updated_at = ?
WHERE id = ? AND status_rank < ?;
`
	res, err := r.db.ExecContext(ctx, q, string(status), status.Rank(), sqliteNow(), invoiceID, status.Rank())
	if err != nil {
		return false, fmt.Errorf("advance invoice status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLiteRepository) MergeInvoiceMetadata(ctx context.Context, invoiceID string, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	const q = `UPDATE invoices SET metadata = json_patch(metadata, ?), updated_at = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, string(data), sqliteNow(), invoiceID)
	if err != nil {
		return fmt.Errorf("merge invoice metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge invoice metadata: %w", ErrNotFound)
	}
	return nil
}

// -- Webhook deliveries --

func (r *SQLiteRepository) RecordWebhookDelivery(ctx context.Context, d WebhookDelivery) (*WebhookDelivery, error) {
	const insertQ = `
INSERT INTO webhook_deliveries (delivery_id, webhook_id, event_type, invoice_id, store_id, raw_payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (delivery_id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, insertQ, d.DeliveryID, d.WebhookID, d.EventType, d.InvoiceID, d.StoreID, string(d.RawPayload), sqliteNow()); err != nil {
		return nil, fmt.Errorf("record webhook delivery: %w", err)
	}

	const q = `SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries WHERE delivery_id = ?;`
	rec, err := scanWebhookDelivery(r.db.QueryRowContext(ctx, q, d.DeliveryID), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("load webhook delivery: %w", sqliteNotFound(err))
	}
	return rec, nil
}

func (r *SQLiteRepository) ClaimWebhookDelivery(ctx context.Context, deliveryID string, lease time.Duration) (bool, error) {
	now := time.Now()
	const q = `
UPDATE webhook_deliveries
SET claim_expires_at = ?
WHERE delivery_id = ?
  AND processed = 0
  AND (claim_expires_at IS NULL OR claim_expires_at < ?);
`
	res, err := r.db.ExecContext(ctx, q, now.Add(lease).UnixMilli(), deliveryID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepository) ReleaseWebhookDelivery(ctx context.Context, deliveryID string) error {
	const q = `UPDATE webhook_deliveries SET claim_expires_at = NULL WHERE delivery_id = ? AND processed = 0`
	if _, err := r.db.ExecContext(ctx, q, deliveryID); err != nil {
		return fmt.Errorf("release webhook delivery: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkWebhookProcessed(ctx context.Context, deliveryID string) error {
	const q = `
UPDATE webhook_deliveries
SET processed = 1, processed_at = ?, claim_expires_at = NULL
WHERE delivery_id = ?;
`
	res, err := r.db.ExecContext(ctx, q, sqliteNow(), deliveryID)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark webhook processed: %w", ErrNotFound)
	}
	return nil
}

// -- Orders --

func (r *SQLiteRepository) InsertPendingOrder(ctx context.Context, order Order) (*Order, bool, error) {
	order.Status = OrderStatusPending
	order.StockDeducted = false
	return r.insertOrder(ctx, r.db, order)
}

func (r *SQLiteRepository) InsertFulfilledOrder(ctx context.Context, order Order) (*Order, bool, []string, error) {
	order.Status = OrderStatusCompleted
	order.StockDeducted = true

	var (
		result  *Order
		created bool
		skipped []string
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, created, err = r.insertOrder(ctx, tx, order)
		if err != nil || !created {
			return err
		}
		const q = `UPDATE products SET stock = stock - ?, updated_at = ? WHERE id = ? AND merchant_id = ? AND stock >= ?;`
		now := sqliteNow()
		for _, item := range order.Items {
			if item.Quantity <= 0 {
				continue
			}
			res, err := tx.ExecContext(ctx, q, item.Quantity, now, item.ProductID, order.MerchantID, item.Quantity)
			if err != nil {
				return fmt.Errorf("deduct stock for %s: %w", item.ProductID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				skipped = append(skipped, item.ProductID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, nil, fmt.Errorf("insert fulfilled order: %w", err)
	}
	return result, created, skipped, nil
}

func (r *SQLiteRepository) CompleteOrder(ctx context.Context, orderID string) (*Order, bool, error) {
	var (
		result    *Order
		completed bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const selectQ = `SELECT ` + orderColumns + ` FROM orders WHERE id = ?;`
		order, err := scanOrder(tx.QueryRowContext(ctx, selectQ, orderID), sqliteTimes)
		if err != nil {
			return sqliteNotFound(err)
		}
		if order.Status != OrderStatusPending {
			result = order
			return nil
		}

		now := sqliteNow()
		if !order.StockDeducted {
			const deductQ = `UPDATE products SET stock = MAX(0, stock - ?), updated_at = ? WHERE id = ? AND merchant_id = ?;`
			for _, item := range order.Items {
				if item.Quantity <= 0 {
					continue
				}
				if _, err := tx.ExecContext(ctx, deductQ, item.Quantity, now, item.ProductID, order.MerchantID); err != nil {
					return fmt.Errorf("deduct stock for %s: %w", item.ProductID, err)
				}
			}
		}

		const completeQ = `
UPDATE orders
SET status = ?, stock_deducted = 1, updated_at = ?
WHERE id = ?
RETURNING ` + orderColumns + `;
`
		result, err = scanOrder(tx.QueryRowContext(ctx, completeQ, OrderStatusCompleted, now, orderID), sqliteTimes)
		if err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("complete order: %w", err)
	}
	return result, completed, nil
}

func (r *SQLiteRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE id = ? LIMIT 1;`
	order, err := scanOrder(r.db.QueryRowContext(ctx, q, orderID), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", sqliteNotFound(err))
	}
	return order, nil
}

func (r *SQLiteRepository) CancelPendingOrder(ctx context.Context, invoiceID string) (bool, error) {
	const q = `UPDATE orders SET status = ?, updated_at = ? WHERE invoice_id = ? AND status = ?;`
	res, err := r.db.ExecContext(ctx, q, OrderStatusCancelled, sqliteNow(), invoiceID, OrderStatusPending)
	if err != nil {
		return false, fmt.Errorf("cancel pending order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel pending order: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) GetOrderByInvoice(ctx context.Context, invoiceID string) (*Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE invoice_id = ? LIMIT 1;`
	order, err := scanOrder(r.db.QueryRowContext(ctx, q, invoiceID), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("get order by invoice: %w", sqliteNotFound(err))
	}
	return order, nil
}

func (r *SQLiteRepository) insertOrder(ctx context.Context, q sqliteQuerier, order Order) (*Order, bool, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.PaymentMethod == "" {
		order.PaymentMethod = PaymentMethodCrypto
	}
	items, err := encodeItems(order.Items)
	if err != nil {
		return nil, false, err
	}
	meta, err := toJSON(order.Metadata)
	if err != nil {
		return nil, false, err
	}
	now := sqliteNow()

	const insertQ = `
INSERT INTO orders (id, merchant_id, invoice_id, items, total_amount, currency, payment_method, status, stock_deducted, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (invoice_id) DO NOTHING
RETURNING ` + orderColumns + `;
`
	created, err := scanOrder(q.QueryRowContext(ctx, insertQ,
		order.ID,
		order.MerchantID,
		order.InvoiceID,
		items,
		order.TotalAmount,
		order.Currency,
		order.PaymentMethod,
		order.Status,
		order.StockDeducted,
		jsonParam(meta),
		now,
		now,
	), sqliteTimes)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	const existingQ = `SELECT ` + orderColumns + ` FROM orders WHERE invoice_id = ?;`
	existing, err := scanOrder(q.QueryRowContext(ctx, existingQ, order.InvoiceID), sqliteTimes)
	if err != nil {
		return nil, false, fmt.Errorf("load existing order: %w", sqliteNotFound(err))
	}
	return existing, false, nil
}

// -- Products --

func (r *SQLiteRepository) SaveProduct(ctx context.Context, p Product) (*Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := sqliteNow()
	const q = `
INSERT INTO products (id, merchant_id, name, price, stock, image, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    merchant_id = excluded.merchant_id,
    name = excluded.name,
    price = excluded.price,
    stock = excluded.stock,
    image = excluded.image,
    updated_at = excluded.updated_at
RETURNING ` + productColumns + `;
`
	saved, err := scanProduct(r.db.QueryRowContext(ctx, q, p.ID, p.MerchantID, p.Name, p.Price, p.Stock, p.Image, now, now), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("save product: %w", err)
	}
	return saved, nil
}

func (r *SQLiteRepository) GetProduct(ctx context.Context, id string) (*Product, error) {
	const q = `SELECT ` + productColumns + ` FROM products WHERE id = ? LIMIT 1;`
	p, err := scanProduct(r.db.QueryRowContext(ctx, q, id), sqliteTimes)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", sqliteNotFound(err))
	}
	return p, nil
}
