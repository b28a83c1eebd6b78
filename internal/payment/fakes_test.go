package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/keys"
	"cryptopay/internal/logging"
	"cryptopay/internal/repo"
	"cryptopay/migrations"
)

type fakeGateway struct {
	mu sync.Mutex

	nextID   int
	stores   map[string]btcpay.StoreRequest
	deleted  []string
	invoices map[string]*btcpay.Invoice

	invoiceReqs []btcpay.CreateInvoiceRequest
	invoiceErr  error
	methods     []btcpay.InvoicePaymentMethod
	methodsErr  error

	rate      decimal.Decimal
	rateErr   error
	rateCalls int

	webhooks []btcpay.WebhookRequest

	wallet       json.RawMessage
	walletErr    error
	setPMErrs    []error
	setPMReqs    []btcpay.OnChainPaymentMethodRequest
	deletePMHits int

	txReqs []btcpay.CreateTransactionRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		stores:   map[string]btcpay.StoreRequest{},
		invoices: map[string]*btcpay.Invoice{},
		rate:     decimal.NewFromInt(50000),
	}
}

func (f *fakeGateway) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeGateway) CreateStore(_ context.Context, req btcpay.StoreRequest) (*btcpay.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("store")
	f.stores[id] = req
	return &btcpay.Store{ID: id, Name: req.Name, DefaultCurrency: req.DefaultCurrency}, nil
}

func (f *fakeGateway) UpdateStore(_ context.Context, storeID string, req btcpay.StoreRequest) (*btcpay.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores[storeID] = req
	return &btcpay.Store{ID: storeID, Name: req.Name}, nil
}

func (f *fakeGateway) DeleteStore(_ context.Context, storeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stores, storeID)
	f.deleted = append(f.deleted, storeID)
	return nil
}

func (f *fakeGateway) CreateInvoice(_ context.Context, storeID string, req btcpay.CreateInvoiceRequest) (*btcpay.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoiceReqs = append(f.invoiceReqs, req)
	if f.invoiceErr != nil {
		return nil, f.invoiceErr
	}
	id := f.id("inv")
	inv := &btcpay.Invoice{
		ID:           id,
		StoreID:      storeID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       btcpay.StatusNew,
		CheckoutLink: "http://btcpay:49392/i/" + id,
		Metadata:     req.Metadata,
	}
	f.invoices[id] = inv
	return inv, nil
}

func (f *fakeGateway) GetInvoice(_ context.Context, _, invoiceID string) (*btcpay.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, &btcpay.APIError{Status: 404, Body: `{"message":"invoice not found"}`}
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeGateway) setInvoiceStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[id].Status = status
}

func (f *fakeGateway) GetInvoicePaymentMethods(context.Context, string, string) ([]btcpay.InvoicePaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methods, f.methodsErr
}

func (f *fakeGateway) CreateWebhook(_ context.Context, _ string, req btcpay.WebhookRequest) (*btcpay.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, req)
	return &btcpay.Webhook{ID: f.id("wh"), URL: req.URL, Enabled: req.Enabled}, nil
}

func (f *fakeGateway) GenerateWallet(context.Context, string, string, btcpay.GenerateWalletRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallet, f.walletErr
}

func (f *fakeGateway) SetOnChainPaymentMethod(_ context.Context, _, _ string, req btcpay.OnChainPaymentMethodRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPMReqs = append(f.setPMReqs, req)
	if len(f.setPMErrs) > 0 {
		err := f.setPMErrs[0]
		f.setPMErrs = f.setPMErrs[1:]
		return err
	}
	return nil
}

func (f *fakeGateway) DeletePaymentMethod(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletePMHits++
	return nil
}

func (f *fakeGateway) GetWalletOverview(context.Context, string, string) (*btcpay.WalletOverview, error) {
	return &btcpay.WalletOverview{Balance: decimal.RequireFromString("0.5"), ConfirmedBalance: decimal.RequireFromString("0.5")}, nil
}

func (f *fakeGateway) CreateOnChainTransaction(_ context.Context, _, _ string, req btcpay.CreateTransactionRequest) (*btcpay.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txReqs = append(f.txReqs, req)
	return &btcpay.Transaction{TransactionHash: "txid-1"}, nil
}

func (f *fakeGateway) CreatePullPayment(_ context.Context, _ string, req btcpay.CreatePullPaymentRequest) (*btcpay.PullPayment, error) {
	return &btcpay.PullPayment{ID: "pp-1", Name: req.Name, Amount: req.Amount, Currency: req.Currency}, nil
}

func (f *fakeGateway) GetPullPayments(context.Context, string) ([]btcpay.PullPayment, error) {
	return []btcpay.PullPayment{{ID: "pp-1"}}, nil
}

func (f *fakeGateway) GetPayouts(context.Context, string, string) ([]btcpay.Payout, error) {
	return []btcpay.Payout{{ID: "po-1", State: btcpay.PayoutAwaitingApproval}}, nil
}

func (f *fakeGateway) CreatePayout(_ context.Context, pullPaymentID string, req btcpay.CreatePayoutRequest) (*btcpay.Payout, error) {
	return &btcpay.Payout{ID: "po-2", PullPaymentID: pullPaymentID, Destination: req.Destination, PaymentMethod: req.PaymentMethod}, nil
}

func (f *fakeGateway) ApprovePayout(_ context.Context, _, payoutID string, _ btcpay.ApprovePayoutRequest) (*btcpay.Payout, error) {
	return &btcpay.Payout{ID: payoutID, State: btcpay.PayoutAwaitingPayment}, nil
}

func (f *fakeGateway) CancelPayout(context.Context, string, string) error { return nil }

func (f *fakeGateway) GetRate(context.Context, string, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateCalls++
	return f.rate, f.rateErr
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = raw
	return nil
}

type fixture struct {
	svc  *Service
	gw   *fakeGateway
	repo *repo.SQLiteRepository
	keys *keys.Manager
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "payments.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))

	km, err := keys.NewManager("test master key", "mainnet")
	require.NoError(t, err)

	cfg := Config{
		WebhookURL:       "https://shop.example.com/webhooks/btcpay",
		GatewayURL:       "http://btcpay:49392",
		PublicGatewayURL: "https://pay.example.com",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	gw := newFakeGateway()
	return &fixture{
		svc:  NewService(cfg, gw, r, km, logging.Discard(), nil, &memCache{}),
		gw:   gw,
		repo: r,
		keys: km,
	}
}

func testXpub(t *testing.T, seedByte byte) string {
	t.Helper()
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen), &chaincfg.MainNetParams)
	require.NoError(t, err)
	pub, err := master.Neuter()
	require.NoError(t, err)
	return pub.String()
}

// configuredMerchant links a wallet for merchantID and returns its store.
func (f *fixture) configuredMerchant(t *testing.T, merchantID string) *repo.MerchantStore {
	t.Helper()
	res, err := f.svc.ConfigureUserStore(context.Background(), merchantID, testXpub(t, 0x42), "")
	require.NoError(t, err)
	return res.Store
}

func (f *fixture) seedProduct(t *testing.T, id string, stock int64) {
	t.Helper()
	_, err := f.repo.SaveProduct(context.Background(), repo.Product{ID: id, MerchantID: "merchant-1", Name: id, Price: decimal.NewFromInt(10), Stock: stock})
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, id string) int64 {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func webhookBody(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}
