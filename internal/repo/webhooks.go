package repo

import (
	"context"
	"fmt"
	"time"
)

// RecordWebhookDelivery stores a delivery before any side effect runs. A repeated delivery id
// returns the existing record untouched.
func (r *PostgresRepository) RecordWebhookDelivery(ctx context.Context, d WebhookDelivery) (*WebhookDelivery, error) {
	const insertQ = `
INSERT INTO webhook_deliveries (delivery_id, webhook_id, event_type, invoice_id, store_id, raw_payload)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (delivery_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, insertQ, d.DeliveryID, d.WebhookID, d.EventType, d.InvoiceID, d.StoreID, string(d.RawPayload)); err != nil {
		return nil, fmt.Errorf("record webhook delivery: %w", err)
	}

	const q = `SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries WHERE delivery_id = $1;`
	rec, err := scanWebhookDelivery(r.pool.QueryRow(ctx, q, d.DeliveryID), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("load webhook delivery: %w", notFound(err))
	}
	return rec, nil
}

// ClaimWebhookDelivery takes an exclusive, expiring lease on an unprocessed delivery.
// It reports false when the delivery is processed or another worker holds a live lease.
func (r *PostgresRepository) ClaimWebhookDelivery(ctx context.Context, deliveryID string, lease time.Duration) (bool, error) {
	const q = `
UPDATE webhook_deliveries
SET claim_expires_at = NOW() + make_interval(secs => $2)
WHERE delivery_id = $1
  AND processed = FALSE
  AND (claim_expires_at IS NULL OR claim_expires_at < NOW());
`
	ct, err := r.pool.Exec(ctx, q, deliveryID, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ReleaseWebhookDelivery drops the lease so a redelivery can retry immediately.
func (r *PostgresRepository) ReleaseWebhookDelivery(ctx context.Context, deliveryID string) error {
	const q = `UPDATE webhook_deliveries SET claim_expires_at = NULL WHERE delivery_id = $1 AND processed = FALSE`
	if _, err := r.pool.Exec(ctx, q, deliveryID); err != nil {
		return fmt.Errorf("release webhook delivery: %w", err)
	}
	return nil
}

// MarkWebhookProcessed flags the delivery as handled.
func (r *PostgresRepository) MarkWebhookProcessed(ctx context.Context, deliveryID string) error {
	const q = `
UPDATE webhook_deliveries
SET processed = TRUE, processed_at = NOW(), claim_expires_at = NULL
WHERE delivery_id = $1;
`
	ct, err := r.pool.Exec(ctx, q, deliveryID)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark webhook processed: %w", ErrNotFound)
	}
	return nil
}
