package repo

import (
	"encoding/json"
	"fmt"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// timeCodec adapts timestamp scan targets to the driver's storage format.
type timeCodec struct {
	at  func(*time.Time) any
	opt func(**time.Time) any
}

var pgTimes = timeCodec{
	at:  func(t *time.Time) any { return t },
	opt: func(t **time.Time) any { return t },
}

const merchantStoreColumns = `id, merchant_id, gateway_store_id, store_name, encrypted_xpub, webhook_id, webhook_secret, created_at, updated_at`

func scanMerchantStore(row rowScanner, tc timeCodec) (*MerchantStore, error) {
	var s MerchantStore
	if err := row.Scan(&s.ID, &s.MerchantID, &s.GatewayStoreID, &s.StoreName, &s.EncryptedXpub, &s.WebhookID, &s.WebhookSecret, tc.at(&s.CreatedAt), tc.at(&s.UpdatedAt)); err != nil {
		return nil, err
	}
	return &s, nil
}

const invoiceColumns = `id, merchant_store_id, merchant_id, amount, currency, status, checkout_link, metadata, payment_details, created_at, updated_at`

func scanInvoice(row rowScanner, tc timeCodec) (*Invoice, error) {
	var inv Invoice
	var status string
	var metaJSON, detailsJSON []byte
	if err := row.Scan(&inv.ID, &inv.MerchantStoreID, &inv.MerchantID, &inv.Amount, &inv.Currency, &status, &inv.CheckoutLink, &metaJSON, &detailsJSON, tc.at(&inv.CreatedAt), tc.at(&inv.UpdatedAt)); err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &inv.Metadata); err != nil {
			return nil, fmt.Errorf("decode invoice metadata: %w", err)
		}
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &inv.PaymentDetails); err != nil {
			return nil, fmt.Errorf("decode payment details: %w", err)
		}
	}
	return &inv, nil
}

const webhookDeliveryColumns = `delivery_id, webhook_id, event_type, invoice_id, store_id, raw_payload, processed, processed_at, created_at`

func scanWebhookDelivery(row rowScanner, tc timeCodec) (*WebhookDelivery, error) {
	var d WebhookDelivery
	if err := row.Scan(&d.DeliveryID, &d.WebhookID, &d.EventType, &d.InvoiceID, &d.StoreID, &d.RawPayload, &d.Processed, tc.opt(&d.ProcessedAt), tc.at(&d.CreatedAt)); err != nil {
		return nil, err
	}
	return &d, nil
}

const orderColumns = `id, merchant_id, invoice_id, items, total_amount, currency, payment_method, status, stock_deducted, metadata, created_at, updated_at`

func scanOrder(row rowScanner, tc timeCodec) (*Order, error) {
	var o Order
	var itemsJSON, metaJSON []byte
	if err := row.Scan(&o.ID, &o.MerchantID, &o.InvoiceID, &itemsJSON, &o.TotalAmount, &o.Currency, &o.PaymentMethod, &o.Status, &o.StockDeducted, &metaJSON, tc.at(&o.CreatedAt), tc.at(&o.UpdatedAt)); err != nil {
		return nil, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return nil, fmt.Errorf("decode order items: %w", err)
		}
	}
	o.Metadata = fromJSON(metaJSON)
	return &o, nil
}

const productColumns = `id, merchant_id, name, price, stock, image, created_at, updated_at`

func scanProduct(row rowScanner, tc timeCodec) (*Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.MerchantID, &p.Name, &p.Price, &p.Stock, &p.Image, tc.at(&p.CreatedAt), tc.at(&p.UpdatedAt)); err != nil {
		return nil, err
	}
	return &p, nil
}

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	return m
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func encodeInvoiceJSON(inv Invoice) (meta, details string, err error) {
	metaJSON, err := json.Marshal(inv.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("marshal invoice metadata: %w", err)
	}
	details = "[]"
	if len(inv.PaymentDetails) > 0 {
		detailsJSON, err := json.Marshal(inv.PaymentDetails)
		if err != nil {
			return "", "", fmt.Errorf("marshal payment details: %w", err)
		}
		details = string(detailsJSON)
	}
	return string(metaJSON), details, nil
}

func encodeItems(items []OrderItem) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal order items: %w", err)
	}
	return string(data), nil
}
