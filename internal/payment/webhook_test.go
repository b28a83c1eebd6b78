package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/logging"
	"cryptopay/internal/repo"
)

type delivery struct {
	body      []byte
	signature string
}

func (f *fixture) signedDelivery(t *testing.T, deliveryID, eventType, storeID, invoiceID string) delivery {
	t.Helper()
	body := webhookBody(t, map[string]any{
		"deliveryId": deliveryID,
		"webhookId":  "wh-1",
		"type":       eventType,
		"timestamp":  1700000000,
		"storeId":    storeID,
		"invoiceId":  invoiceID,
	})
	secret, err := f.svc.WebhookSecret(context.Background(), storeID)
	require.NoError(t, err)
	return delivery{body: body, signature: btcpay.Sign(body, secret)}
}

func (f *fixture) deliver(t *testing.T, deliveryID, eventType string, inv *repo.Invoice) error {
	t.Helper()
	d := f.signedDelivery(t, deliveryID, eventType, inv.MerchantStoreID, inv.ID)
	return f.svc.HandleWebhook(context.Background(), d.signature, d.body)
}

// itemInvoice creates a converted USD invoice for 2 x p-1 at 10 and 1 x p-2 at 30.
func (f *fixture) itemInvoice(t *testing.T, merchantID string) *repo.Invoice {
	t.Helper()
	res, err := f.svc.CreateInvoice(context.Background(), merchantID, InvoiceRequest{
		Amount:   decimal.NewFromInt(50),
		Currency: "USD",
		Items: []repo.LineItem{
			{ProductID: "p-1", ProductName: "Coffee", Quantity: 2, Price: decimal.NewFromInt(10)},
			{ProductID: "p-2", Quantity: 1, Price: decimal.NewFromInt(30), Image: "https://img.example.com/p-2.png"},
		},
	})
	require.NoError(t, err)
	return res.Invoice
}

func (f *fixture) invoiceStatus(t *testing.T, id string) repo.InvoiceStatus {
	t.Helper()
	inv, err := f.repo.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv.Status
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	inv := f.itemInvoice(t, "merchant-1")

	d := f.signedDelivery(t, "d-1", "InvoiceSettled", inv.MerchantStoreID, inv.ID)
	err := f.svc.HandleWebhook(context.Background(), btcpay.Sign(d.body, "wrong"), d.body)
	require.ErrorIs(t, err, ErrInvalidWebhookSignature)

	err = f.svc.HandleWebhook(context.Background(), "", d.body)
	require.ErrorIs(t, err, ErrInvalidWebhookSignature)

	assert.Equal(t, repo.InvoiceStatusNew, f.invoiceStatus(t, inv.ID))
}

func TestWebhookUnknownStoreWithoutGlobalSecret(t *testing.T) {
	f := newFixture(t)
	body := webhookBody(t, map[string]any{"deliveryId": "d-1", "type": "InvoiceSettled", "storeId": "nope"})

	err := f.svc.HandleWebhook(context.Background(), btcpay.Sign(body, "anything"), body)
	require.ErrorIs(t, err, ErrInvalidWebhookSignature)
}

func TestWebhookPaymentFlowMaterializesOrderOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.seedProduct(t, "p-1", 5)
	f.seedProduct(t, "p-2", 1)
	inv := f.itemInvoice(t, "merchant-1")

	require.NoError(t, f.deliver(t, "d-1", "InvoiceReceivedPayment", inv))
	require.NoError(t, f.deliver(t, "d-1", "InvoiceReceivedPayment", inv))
	assert.Equal(t, repo.InvoiceStatusProcessing, f.invoiceStatus(t, inv.ID))

	order, err := f.repo.GetOrderByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.OrderStatusPending, order.Status)
	assert.Equal(t, "USD", order.Currency)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(50)))
	require.Len(t, order.Items, 2)
	assert.Equal(t, "Coffee", order.Items[0].ProductName)
	assert.Equal(t, unknownProductName, order.Items[1].ProductName)
	assert.True(t, order.Items[0].LineTotal.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, repo.PaymentMethodCrypto, order.Metadata["paymentType"])

	linked, err := f.repo.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, linked.Metadata.OrderID)
	assert.NotNil(t, linked.Metadata.Conversion)

	require.NoError(t, f.deliver(t, "d-2", "InvoiceSettled", inv))
	require.NoError(t, f.deliver(t, "d-2", "InvoiceSettled", inv))
	require.NoError(t, f.deliver(t, "d-3", "InvoicePaymentSettled", inv))
	assert.Equal(t, repo.InvoiceStatusSettled, f.invoiceStatus(t, inv.ID))

	order, err = f.repo.GetOrderByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.OrderStatusCompleted, order.Status)
	assert.True(t, order.StockDeducted)
	assert.Equal(t, int64(3), f.stock(t, "p-1"))
	assert.Equal(t, int64(0), f.stock(t, "p-2"))
}

func TestWebhookConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.seedProduct(t, "p-1", 10)
	f.seedProduct(t, "p-2", 10)
	inv := f.itemInvoice(t, "merchant-1")
	d := f.signedDelivery(t, "d-dup", "InvoiceSettled", inv.MerchantStoreID, inv.ID)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		unknown atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.HandleWebhook(context.Background(), d.signature, d.body)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrDeliveryInProgress):
			default:
				unknown.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, ok.Load(), int32(1))
	assert.Zero(t, unknown.Load())
	assert.Equal(t, int64(8), f.stock(t, "p-1"))
	assert.Equal(t, int64(9), f.stock(t, "p-2"))

	require.NoError(t, f.svc.HandleWebhook(context.Background(), d.signature, d.body))
	assert.Equal(t, int64(8), f.stock(t, "p-1"))
}

func TestWebhookSettledBeforeReceived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.seedProduct(t, "p-1", 5)
	f.seedProduct(t, "p-2", 5)
	inv := f.itemInvoice(t, "merchant-1")

	require.NoError(t, f.deliver(t, "d-settled", "InvoiceSettled", inv))
	require.NoError(t, f.deliver(t, "d-received", "InvoiceReceivedPayment", inv))
	require.NoError(t, f.deliver(t, "d-expired", "InvoiceExpired", inv))

	assert.Equal(t, repo.InvoiceStatusSettled, f.invoiceStatus(t, inv.ID))
	order, err := f.repo.GetOrderByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.OrderStatusCompleted, order.Status)
	assert.Equal(t, int64(3), f.stock(t, "p-1"))
	assert.Equal(t, int64(4), f.stock(t, "p-2"))
}

func TestWebhookExpiryCancelsPendingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.seedProduct(t, "p-1", 5)
	inv := f.itemInvoice(t, "merchant-1")

	require.NoError(t, f.deliver(t, "d-1", "InvoiceReceivedPaymentAfterExpiration", inv))
	require.NoError(t, f.deliver(t, "d-2", "InvoiceExpired", inv))
	require.NoError(t, f.deliver(t, "d-3", "InvoiceSettled", inv))

	assert.Equal(t, repo.InvoiceStatusExpired, f.invoiceStatus(t, inv.ID))
	order, err := f.repo.GetOrderByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.OrderStatusCancelled, order.Status)
	assert.Equal(t, int64(5), f.stock(t, "p-1"))
}

func TestWebhookInvoiceWithoutItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	res, err := f.svc.CreateInvoice(ctx, "merchant-1", InvoiceRequest{Amount: decimal.NewFromInt(1), Currency: "BTC"})
	require.NoError(t, err)

	require.NoError(t, f.deliver(t, "d-1", "InvoiceReceivedPayment", res.Invoice))
	require.NoError(t, f.deliver(t, "d-2", "InvoiceSettled", res.Invoice))

	assert.Equal(t, repo.InvoiceStatusSettled, f.invoiceStatus(t, res.Invoice.ID))
	_, err = f.repo.GetOrderByInvoice(ctx, res.Invoice.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWebhookIgnoresForeignStoreAndUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	other := f.configuredMerchant(t, "merchant-2")
	inv := f.itemInvoice(t, "merchant-1")

	d := f.signedDelivery(t, "d-1", "InvoiceSettled", other.GatewayStoreID, inv.ID)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), d.signature, d.body))
	assert.Equal(t, repo.InvoiceStatusNew, f.invoiceStatus(t, inv.ID))

	d = f.signedDelivery(t, "d-2", "InvoiceSettled", other.GatewayStoreID, "inv-unknown")
	require.NoError(t, f.svc.HandleWebhook(context.Background(), d.signature, d.body))

	d = f.signedDelivery(t, "d-3", "InvoiceCreated", inv.MerchantStoreID, inv.ID)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), d.signature, d.body))
	assert.Equal(t, repo.InvoiceStatusNew, f.invoiceStatus(t, inv.ID))
}

type flakyRepo struct {
	repo.Repository
	failures atomic.Int32
}

func (r *flakyRepo) CompleteOrder(ctx context.Context, orderID string) (*repo.Order, bool, error) {
	if r.failures.Add(-1) >= 0 {
		return nil, false, errors.New("database unavailable")
	}
	return r.Repository.CompleteOrder(ctx, orderID)
}

func TestWebhookFailureAllowsRedelivery(t *testing.T) {
	f := newFixture(t)
	f.configuredMerchant(t, "merchant-1")
	f.seedProduct(t, "p-1", 5)
	f.seedProduct(t, "p-2", 5)
	inv := f.itemInvoice(t, "merchant-1")

	flaky := &flakyRepo{Repository: f.repo}
	flaky.failures.Store(1)
	f.svc = NewService(f.svc.cfg, f.gw, flaky, f.keys, logging.Discard(), nil, nil)

	d := f.signedDelivery(t, "d-1", "InvoiceSettled", inv.MerchantStoreID, inv.ID)
	err := f.svc.HandleWebhook(context.Background(), d.signature, d.body)
	require.Error(t, err)
	assert.Equal(t, int64(5), f.stock(t, "p-1"))

	require.NoError(t, f.svc.HandleWebhook(context.Background(), d.signature, d.body))
	require.NoError(t, f.svc.HandleWebhook(context.Background(), d.signature, d.body))
	assert.Equal(t, int64(3), f.stock(t, "p-1"))
	assert.Equal(t, int64(4), f.stock(t, "p-2"))
}
