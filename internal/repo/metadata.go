package repo

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Invoice metadata keys with a typed home. Anything else is kept in InvoiceMetadata.Extra.
const (
	MetaMerchantID = "merchantId"
	MetaTimestamp  = "timestamp"
	MetaOrderID    = "orderId"
	MetaItems      = "items"
	MetaConversion = "conversion"
)

// LineItem is a product line carried in invoice metadata.
type LineItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName,omitempty"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image,omitempty"`
}

// Conversion records a fiat to native currency conversion applied at invoice creation.
type Conversion struct {
	OriginalAmount    decimal.Decimal `json:"originalAmount"`
	OriginalCurrency  string          `json:"originalCurrency"`
	Rate              decimal.Decimal `json:"rate"`
	ConvertedAmount   decimal.Decimal `json:"convertedAmount"`
	ConvertedCurrency string          `json:"convertedCurrency"`
}

// InvoiceMetadata is the metadata document attached to an invoice. Unknown keys survive a
// decode/encode cycle through Extra.
type InvoiceMetadata struct {
	MerchantID string
	Timestamp  int64
	OrderID    string
	Items      []LineItem
	Conversion *Conversion
	Extra      map[string]json.RawMessage
}

// MarshalJSON flattens the typed fields and Extra into one object.
func (m InvoiceMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.MerchantID != "" {
		out[MetaMerchantID] = m.MerchantID
	}
	if m.Timestamp != 0 {
		out[MetaTimestamp] = m.Timestamp
	}
	if m.OrderID != "" {
		out[MetaOrderID] = m.OrderID
	}
	if len(m.Items) > 0 {
		out[MetaItems] = m.Items
	}
	if m.Conversion != nil {
		out[MetaConversion] = m.Conversion
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a metadata object into typed fields and Extra.
func (m *InvoiceMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = InvoiceMetadata{}
	if raw == nil {
		return nil
	}

	take := func(key string, dest any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dest); err != nil {
			return fmt.Errorf("metadata %s: %w", key, err)
		}
		return nil
	}

	if err := take(MetaMerchantID, &m.MerchantID); err != nil {
		return err
	}
	if err := take(MetaTimestamp, &m.Timestamp); err != nil {
		return err
	}
	if err := take(MetaOrderID, &m.OrderID); err != nil {
		return err
	}
	if err := take(MetaItems, &m.Items); err != nil {
		return err
	}
	if err := take(MetaConversion, &m.Conversion); err != nil {
		return err
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// HasItems reports whether the metadata carries at least one product line.
func (m InvoiceMetadata) HasItems() bool {
	return len(m.Items) > 0
}
