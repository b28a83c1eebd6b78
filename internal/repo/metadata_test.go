package repo

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceMetadataKeepsUnknownKeys(t *testing.T) {
	raw := `{
		"merchantId": "m-1",
		"orderId": "o-1",
		"items": [{"productId": "p-1", "quantity": 2, "price": "10.50"}],
		"posTerminal": {"id": 7},
		"buyerEmail": "a@example.com"
	}`

	var meta InvoiceMetadata
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	assert.Equal(t, "m-1", meta.MerchantID)
	assert.Equal(t, "o-1", meta.OrderID)
	require.Len(t, meta.Items, 1)
	assert.True(t, meta.Items[0].Price.Equal(decimal.RequireFromString("10.5")))
	assert.Len(t, meta.Extra, 2)
	assert.NotContains(t, meta.Extra, MetaItems)

	out, err := json.Marshal(meta)
	require.NoError(t, err)

	var roundTrip map[string]any
	require.NoError(t, json.Unmarshal(out, &roundTrip))
	assert.Equal(t, map[string]any{"id": float64(7)}, roundTrip["posTerminal"])
	assert.Equal(t, "a@example.com", roundTrip["buyerEmail"])
	assert.Equal(t, "o-1", roundTrip[MetaOrderID])
}

func TestInvoiceMetadataEmpty(t *testing.T) {
	var meta InvoiceMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"items": null}`), &meta))
	assert.False(t, meta.HasItems())
	assert.Nil(t, meta.Extra)

	out, err := json.Marshal(InvoiceMetadata{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestInvoiceStatusRank(t *testing.T) {
	assert.Less(t, InvoiceStatusNew.Rank(), InvoiceStatusProcessing.Rank())
	assert.Less(t, InvoiceStatusProcessing.Rank(), InvoiceStatusSettled.Rank())
	assert.True(t, InvoiceStatusExpired.IsTerminal())
	assert.True(t, InvoiceStatusInvalid.IsTerminal())
	assert.False(t, InvoiceStatusProcessing.IsTerminal())
	assert.False(t, InvoiceStatus("Unknown").Valid())
}
