package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertPendingOrder stores a pending order for an invoice, or returns the order already linked to it.
func (r *PostgresRepository) InsertPendingOrder(ctx context.Context, order Order) (*Order, bool, error) {
	order.Status = OrderStatusPending
	order.StockDeducted = false
	return r.insertOrder(ctx, r.pool, order)
}

// InsertFulfilledOrder stores a completed order and deducts stock line by line where enough is on hand.
// Only products owned by the order's merchant are touched; other lines are reported as skipped.
func (r *PostgresRepository) InsertFulfilledOrder(ctx context.Context, order Order) (*Order, bool, []string, error) {
	order.Status = OrderStatusCompleted
	order.StockDeducted = true

	var (
		result  *Order
		created bool
		skipped []string
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, created, err = r.insertOrder(ctx, tx, order)
		if err != nil || !created {
			return err
		}
		const q = `
UPDATE products
SET stock = stock - $2, updated_at = NOW()
WHERE id = $1 AND merchant_id = $3 AND stock >= $2;
`
		for _, item := range order.Items {
			if item.Quantity <= 0 {
				continue
			}
			ct, err := tx.Exec(ctx, q, item.ProductID, item.Quantity, order.MerchantID)
			if err != nil {
				return fmt.Errorf("deduct stock for %s: %w", item.ProductID, err)
			}
			if ct.RowsAffected() == 0 {
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

// CompleteOrder moves a pending order to completed, deducting stock floored at zero unless it was
// already deducted. Orders in any other status are returned unchanged.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID string) (*Order, bool, error) {
	var (
		result    *Order
		completed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const lockQ = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE;`
		order, err := scanOrder(tx.QueryRow(ctx, lockQ, orderID), pgTimes)
		if err != nil {
			return notFound(err)
		}
		if order.Status != OrderStatusPending {
			result = order
			return nil
		}

		if !order.StockDeducted {
			const deductQ = `
UPDATE products
SET stock = GREATEST(0, stock - $2), updated_at = NOW()
WHERE id = $1 AND merchant_id = $3;
`
			for _, item := range order.Items {
				if item.Quantity <= 0 {
					continue
				}
				if _, err := tx.Exec(ctx, deductQ, item.ProductID, item.Quantity, order.MerchantID); err != nil {
					return fmt.Errorf("deduct stock for %s: %w", item.ProductID, err)
				}
			}
		}

		const completeQ = `
UPDATE orders
SET status = $2, stock_deducted = TRUE, updated_at = NOW()
WHERE id = $1
RETURNING ` + orderColumns + `;
`
		result, err = scanOrder(tx.QueryRow(ctx, completeQ, orderID, OrderStatusCompleted), pgTimes)
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

// CancelPendingOrder marks the invoice's order cancelled when it has not been completed.
func (r *PostgresRepository) CancelPendingOrder(ctx context.Context, invoiceID string) (bool, error) {
	const q = `
UPDATE orders
SET status = $2, updated_at = NOW()
WHERE invoice_id = $1 AND status = $3;
`
	ct, err := r.pool.Exec(ctx, q, invoiceID, OrderStatusCancelled, OrderStatusPending)
	if err != nil {
		return false, fmt.Errorf("cancel pending order: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// GetOrder retrieves an order by id.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 LIMIT 1;`
	order, err := scanOrder(r.pool.QueryRow(ctx, q, orderID), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", notFound(err))
	}
	return order, nil
}

// GetOrderByInvoice retrieves the order materialised for an invoice.
func (r *PostgresRepository) GetOrderByInvoice(ctx context.Context, invoiceID string) (*Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE invoice_id = $1 LIMIT 1;`
	order, err := scanOrder(r.pool.QueryRow(ctx, q, invoiceID), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("get order by invoice: %w", notFound(err))
	}
	return order, nil
}

func (r *PostgresRepository) insertOrder(ctx context.Context, q pgQuerier, order Order) (*Order, bool, error) {
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

	const insertQ = `
INSERT INTO orders (id, merchant_id, invoice_id, items, total_amount, currency, payment_method, status, stock_deducted, metadata)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10::jsonb)
ON CONFLICT (invoice_id) DO NOTHING
RETURNING ` + orderColumns + `;
`
	created, err := scanOrder(q.QueryRow(ctx, insertQ,
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
	), pgTimes)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	const existingQ = `SELECT ` + orderColumns + ` FROM orders WHERE invoice_id = $1;`
	existing, err := scanOrder(q.QueryRow(ctx, existingQ, order.InvoiceID), pgTimes)
	if err != nil {
		return nil, false, fmt.Errorf("load existing order: %w", notFound(err))
	}
	return existing, false, nil
}

// SaveProduct inserts or replaces a product row.
func (r *PostgresRepository) SaveProduct(ctx context.Context, p Product) (*Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	const q = `
INSERT INTO products (id, merchant_id, name, price, stock, image)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    merchant_id = EXCLUDED.merchant_id,
    name = EXCLUDED.name,
    price = EXCLUDED.price,
    stock = EXCLUDED.stock,
    image = EXCLUDED.image,
    updated_at = NOW()
RETURNING ` + productColumns + `;
`
	saved, err := scanProduct(r.pool.QueryRow(ctx, q, p.ID, p.MerchantID, p.Name, p.Price, p.Stock, p.Image), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("save product: %w", err)
	}
	return saved, nil
}

// GetProduct retrieves a product by id.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*Product, error) {
	const q = `SELECT ` + productColumns + ` FROM products WHERE id = $1 LIMIT 1;`
	p, err := scanProduct(r.pool.QueryRow(ctx, q, id), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", notFound(err))
	}
	return p, nil
}
