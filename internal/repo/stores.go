package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetMerchantStore returns the store owned by merchantID.
func (r *PostgresRepository) GetMerchantStore(ctx context.Context, merchantID string) (*MerchantStore, error) {
	const q = `SELECT ` + merchantStoreColumns + ` FROM merchant_stores WHERE merchant_id = $1 LIMIT 1;`
	store, err := scanMerchantStore(r.pool.QueryRow(ctx, q, merchantID), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("get merchant store: %w", notFound(err))
	}
	return store, nil
}

// GetMerchantStoreByGatewayID returns the store registered under a gateway store id.
func (r *PostgresRepository) GetMerchantStoreByGatewayID(ctx context.Context, gatewayStoreID string) (*MerchantStore, error) {
	const q = `SELECT ` + merchantStoreColumns + ` FROM merchant_stores WHERE gateway_store_id = $1 LIMIT 1;`
	store, err := scanMerchantStore(r.pool.QueryRow(ctx, q, gatewayStoreID), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("get merchant store by gateway id: %w", notFound(err))
	}
	return store, nil
}

// CreateMerchantStore inserts a store. When the merchant already owns one, that row is returned.
func (r *PostgresRepository) CreateMerchantStore(ctx context.Context, store MerchantStore) (*MerchantStore, error) {
	if store.ID == "" {
		store.ID = uuid.NewString()
	}
	const q = `
INSERT INTO merchant_stores (id, merchant_id, gateway_store_id, store_name, encrypted_xpub, webhook_id, webhook_secret)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (merchant_id) DO NOTHING
RETURNING ` + merchantStoreColumns + `;
`
	created, err := scanMerchantStore(r.pool.QueryRow(ctx, q,
		store.ID,
		store.MerchantID,
		store.GatewayStoreID,
		store.StoreName,
		store.EncryptedXpub,
		store.WebhookID,
		store.WebhookSecret,
	), pgTimes)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("create merchant store: %w", err)
	}
	return r.GetMerchantStore(ctx, store.MerchantID)
}

// UpdateMerchantStore applies the non-nil fields of update.
func (r *PostgresRepository) UpdateMerchantStore(ctx context.Context, merchantID string, update MerchantStoreUpdate) (*MerchantStore, error) {
	const q = `
UPDATE merchant_stores
SET store_name = COALESCE($2, store_name),
    encrypted_xpub = COALESCE($3, encrypted_xpub),
    webhook_id = COALESCE($4, webhook_id),
    webhook_secret = COALESCE($5, webhook_secret),
    updated_at = NOW()
WHERE merchant_id = $1
RETURNING ` + merchantStoreColumns + `;
`
	store, err := scanMerchantStore(r.pool.QueryRow(ctx, q,
		merchantID,
		update.StoreName,
		update.EncryptedXpub,
		update.WebhookID,
		update.WebhookSecret,
	), pgTimes)
	if err != nil {
		return nil, fmt.Errorf("update merchant store: %w", notFound(err))
	}
	return store, nil
}

// DeleteMerchantStore removes the merchant's store row. Invoices referencing the store block the delete.
func (r *PostgresRepository) DeleteMerchantStore(ctx context.Context, merchantID string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM merchant_stores WHERE merchant_id = $1`, merchantID)
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return ErrStoreInUse
		}
		return fmt.Errorf("delete merchant store: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("delete merchant store: %w", ErrNotFound)
	}
	return nil
}
