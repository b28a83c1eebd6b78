package payment

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/repo"
)

func TestConfirmCryptoOrderSkipsShortStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.seedProduct(t, "p-1", 5)
	f.seedProduct(t, "p-2", 0)
	inv := f.itemInvoice(t, "merchant-1")

	res, err := f.svc.ConfirmCryptoOrder(ctx, "merchant-1", inv.ID)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, []string{"p-2"}, res.SkippedProducts)
	assert.Equal(t, repo.OrderStatusCompleted, res.Order.Status)
	assert.True(t, res.Order.TotalAmount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, int64(3), f.stock(t, "p-1"))
	assert.Equal(t, int64(0), f.stock(t, "p-2"))

	linked, err := f.repo.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, linked.Metadata.OrderID)

	again, err := f.svc.ConfirmCryptoOrder(ctx, "merchant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Order.ID, again.Order.ID)
	assert.Equal(t, int64(3), f.stock(t, "p-1"))

	// A later settlement webhook must not deduct a second time.
	require.NoError(t, f.deliver(t, "d-1", "InvoiceSettled", inv))
	assert.Equal(t, int64(3), f.stock(t, "p-1"))

	order, err := f.svc.GetOrderByInvoice(ctx, "merchant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, order.ID)
}

func TestConfirmCryptoOrderErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")

	plain, err := f.svc.CreateInvoice(ctx, "merchant-1", InvoiceRequest{Amount: decimal.NewFromInt(1), Currency: "BTC"})
	require.NoError(t, err)

	_, err = f.svc.ConfirmCryptoOrder(ctx, "merchant-1", plain.Invoice.ID)
	require.ErrorIs(t, err, ErrNoItemsInInvoice)
	assert.Equal(t, KindInvalidInput, Classify(err))

	_, err = f.svc.ConfirmCryptoOrder(ctx, "merchant-1", "missing")
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	inv := f.itemInvoice(t, "merchant-1")
	_, err = f.svc.ConfirmCryptoOrder(ctx, "merchant-2", inv.ID)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestBuildOrderUsesQuotedCurrency(t *testing.T) {
	s := newFixture(t).svc
	inv := &repo.Invoice{
		ID:              "inv-1",
		MerchantStoreID: "store-1",
		MerchantID:      "merchant-1",
		Currency:        "BTC",
		Metadata: repo.InvoiceMetadata{
			Items: []repo.LineItem{
				{ProductID: "p-1", Quantity: 3, Price: decimal.RequireFromString("1.5")},
				{ProductID: "", Quantity: 1, Price: decimal.NewFromInt(99)},
			},
			Conversion: &repo.Conversion{OriginalCurrency: "EUR"},
		},
	}

	order := s.buildOrder(inv)
	assert.Equal(t, "EUR", order.Currency)
	require.Len(t, order.Items, 1)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("4.5")))
	assert.Equal(t, "inv-1", order.Metadata["invoiceId"])
}

func TestProductsAreScopedToMerchant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saved, err := f.svc.SaveProduct(ctx, "merchant-1", repo.Product{Name: "Beans", Price: decimal.NewFromInt(12), Stock: 4})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	assert.Equal(t, "merchant-1", saved.MerchantID)

	got, err := f.svc.GetProduct(ctx, "merchant-1", saved.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Stock)

	_, err = f.svc.GetProduct(ctx, "merchant-2", saved.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = f.svc.SaveProduct(ctx, "merchant-2", repo.Product{ID: saved.ID, Name: "Stolen", Stock: 1})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.SaveProduct(ctx, "merchant-1", repo.Product{Name: "Beans", Stock: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOrdersLeaveOtherMerchantsStockAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.configuredMerchant(t, "merchant-2")
	f.seedProduct(t, "p-1", 5)
	f.seedProduct(t, "p-2", 5)

	confirmed := f.itemInvoice(t, "merchant-2")
	res, err := f.svc.ConfirmCryptoOrder(ctx, "merchant-2", confirmed.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, res.SkippedProducts)
	assert.Equal(t, int64(5), f.stock(t, "p-1"))
	assert.Equal(t, int64(5), f.stock(t, "p-2"))

	settled := f.itemInvoice(t, "merchant-2")
	require.NoError(t, f.deliver(t, "d-1", "InvoiceReceivedPayment", settled))
	require.NoError(t, f.deliver(t, "d-2", "InvoiceSettled", settled))
	order, err := f.svc.GetOrderByInvoice(ctx, "merchant-2", settled.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.OrderStatusCompleted, order.Status)
	assert.Equal(t, int64(5), f.stock(t, "p-1"))
	assert.Equal(t, int64(5), f.stock(t, "p-2"))
}
