package repo

import (
	"context"
	"encoding/json"
	"fmt"
)

const defaultInvoiceListLimit = 50

// SaveInvoice inserts the invoice or refreshes an existing row. The stored status never moves backwards.
func (r *PostgresRepository) SaveInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if !inv.Status.Valid() {
		return nil, fmt.Errorf("save invoice: unknown status %q", inv.Status)
	}
	meta, details, err := encodeInvoiceJSON(inv)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO invoices (id, merchant_store_id, merchant_id, amount, currency, status, status_rank, checkout_link, metadata, payment_details)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb)
ON CONFLICT (id) DO UPDATE SET
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    checkout_link = EXCLUDED.checkout_link,
    metadata = invoices.metadata || EXCLUDED.metadata,
    payment_details = EXCLUDED.payment_details,
    status = CASE WHEN EXCLUDED.status_rank > invoices.status_rank THEN EXCLUDED.status ELSE invoices.status END,
    status_rank = GREATEST(invoices.status_rank, EXCLUDED.status_rank),
    updated_at = NOW()
RETURNING ` + invoiceColumns + `;
`
	saved, err := scanInvoice(r.pool.QueryRow(ctx, q,
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
	), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}
	return saved, nil
}

// GetInvoice retrieves an invoice by gateway invoice id.
func (r *PostgresRepository) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	const q = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 LIMIT 1;`
	inv, err := scanInvoice(r.pool.QueryRow(ctx, q, invoiceID), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", notFound(err))
	}
	return inv, nil
}

// ListInvoicesByMerchant returns the merchant's newest invoices first.
func (r *PostgresRepository) ListInvoicesByMerchant(ctx context.Context, merchantID string, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = defaultInvoiceListLimit
	}
	const q = `
SELECT ` + invoiceColumns + `
FROM invoices
WHERE merchant_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows, pgTimes)
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

// CountInvoicesByStore counts invoices recorded against a gateway store.
func (r *PostgresRepository) CountInvoicesByStore(ctx context.Context, gatewayStoreID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE merchant_store_id = $1`, gatewayStoreID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return n, nil
}

// AdvanceInvoiceStatus moves an invoice forward. Concurrent writers converge on the highest rank.
func (r *PostgresRepository) AdvanceInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("advance invoice status: unknown status %q", status)
	}
	const q = `
UPDATE invoices
SET status = $2, status_rank = $3, updated_at = NOW()
WHERE id = $1 AND status_rank < $3;
`
	ct, err := r.pool.Exec(ctx, q, invoiceID, string(status), status.Rank())
	if err != nil {
		return false, fmt.Errorf("advance invoice status: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MergeInvoiceMetadata shallow-merges patch into the stored metadata document.
func (r *PostgresRepository) MergeInvoiceMetadata(ctx context.Context, invoiceID string, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	const q = `
UPDATE invoices
SET metadata = metadata || $2::jsonb, updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, invoiceID, string(data))
	if err != nil {
		return fmt.Errorf("merge invoice metadata: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("merge invoice metadata: %w", ErrNotFound)
	}
	return nil
}
