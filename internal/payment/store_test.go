package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/repo"
)

var hexSecret = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestConfigureUserStoreCreatesStoreAndWebhook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	xpub := testXpub(t, 0x01)

	res, err := f.svc.ConfigureUserStore(ctx, "merchant-1", xpub+"-[p2sh]", "")
	require.NoError(t, err)

	assert.True(t, res.XpubChanged)
	assert.True(t, res.WebhookCreated)
	assert.Equal(t, xpub, res.Xpub)
	assert.Len(t, res.Fingerprint, 8)
	assert.Equal(t, "User Store merchant", res.Store.StoreName)
	assert.Len(t, f.gw.stores, 1)

	require.Len(t, f.gw.setPMReqs, 1)
	assert.Equal(t, xpub, f.gw.setPMReqs[0].DerivationScheme)
	assert.True(t, f.gw.setPMReqs[0].Enabled)

	require.Len(t, f.gw.webhooks, 1)
	hook := f.gw.webhooks[0]
	assert.Equal(t, "https://shop.example.com/webhooks/btcpay", hook.URL)
	assert.True(t, hook.AutomaticRedelivery)
	assert.True(t, hook.AuthorizedEvents.Everything)
	assert.Regexp(t, hexSecret, hook.Secret)

	stored, err := f.repo.GetMerchantStore(ctx, "merchant-1")
	require.NoError(t, err)
	require.NotNil(t, stored.EncryptedXpub)
	assert.NotContains(t, *stored.EncryptedXpub, xpub)
	plain, err := f.keys.Decrypt(*stored.EncryptedXpub)
	require.NoError(t, err)
	assert.Equal(t, xpub, plain)
	require.NotNil(t, stored.WebhookSecret)
	assert.Equal(t, hook.Secret, *stored.WebhookSecret)
}

func TestConfigureUserStoreDetectsXpubChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, second := testXpub(t, 0x01), testXpub(t, 0x02)

	_, err := f.svc.ConfigureUserStore(ctx, "merchant-1", first, "")
	require.NoError(t, err)

	res, err := f.svc.ConfigureUserStore(ctx, "merchant-1", first, "")
	require.NoError(t, err)
	assert.False(t, res.XpubChanged)
	assert.False(t, res.WebhookCreated)
	assert.Len(t, f.gw.setPMReqs, 1)
	assert.Len(t, f.gw.webhooks, 1)
	assert.Len(t, f.gw.stores, 1)

	res, err = f.svc.ConfigureUserStore(ctx, "merchant-1", second, "Corner Shop")
	require.NoError(t, err)
	assert.True(t, res.XpubChanged)
	assert.Equal(t, "Corner Shop", res.Store.StoreName)
	require.Len(t, f.gw.setPMReqs, 2)
	assert.Equal(t, second, f.gw.setPMReqs[1].DerivationScheme)
}

func TestConfigureUserStoreRejectsInvalidKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ConfigureUserStore(context.Background(), "merchant-1", "xpub-not-a-key", "")
	require.ErrorIs(t, err, ErrInvalidExtendedKey)
	assert.Equal(t, KindInvalidInput, Classify(err))
	assert.Empty(t, f.gw.stores)
}

func TestEnsureWebhookReregistersWhenGlobalSecretDiffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.GlobalWebhookSecret = "global-secret" })
	f.configuredMerchant(t, "merchant-1")

	stored, err := f.repo.GetMerchantStore(ctx, "merchant-1")
	require.NoError(t, err)
	require.NotNil(t, stored.WebhookSecret)
	assert.Equal(t, "global-secret", *stored.WebhookSecret)

	created, err := f.svc.EnsureWebhook(ctx, "merchant-1")
	require.NoError(t, err)
	assert.False(t, created)

	old := "stale-secret"
	_, err = f.repo.UpdateMerchantStore(ctx, "merchant-1", repo.MerchantStoreUpdate{WebhookSecret: &old})
	require.NoError(t, err)

	created, err = f.svc.EnsureWebhook(ctx, "merchant-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, f.gw.webhooks, 2)

	stored, err = f.repo.GetMerchantStore(ctx, "merchant-1")
	require.NoError(t, err)
	assert.Equal(t, "global-secret", *stored.WebhookSecret)

	_, err = f.svc.EnsureWebhook(ctx, "nobody")
	require.ErrorIs(t, err, ErrUserStoreNotFound)
}

func TestWebhookURLRequiredBeforeInvoicing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.WebhookURL = "" })

	res, err := f.svc.ConfigureUserStore(ctx, "merchant-1", testXpub(t, 0x01), "")
	require.NoError(t, err)
	assert.False(t, res.WebhookCreated)
	assert.Empty(t, f.gw.webhooks)

	_, err = f.svc.CreateInvoice(ctx, "merchant-1", InvoiceRequest{Amount: decimal.NewFromInt(1), Currency: "BTC"})
	require.ErrorIs(t, err, ErrWebhookURLNotConfigured)
	assert.Empty(t, f.gw.invoiceReqs)
}

func TestGenerateUserWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	xpub := testXpub(t, 0x07)
	f.gw.wallet = json.RawMessage(fmt.Sprintf(`{
		"enabled": true,
		"paymentMethodId": "BTC-CHAIN",
		"config": {"accountDerivation": %q, "accountKeySettings": [{"accountKeyPath": "84'/0'/0'", "rootFingerprint": "abcd0123"}]},
		"mnemonic": "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	}`, xpub))

	res, err := f.svc.GenerateUserWallet(ctx, "merchant-1", "")
	require.NoError(t, err)
	assert.Equal(t, xpub, res.Xpub)
	assert.True(t, strings.HasPrefix(res.Mnemonic, "abandon"))
	assert.True(t, res.WebhookCreated)
	assert.Len(t, res.Fingerprint, 8)

	require.Len(t, f.gw.setPMReqs, 1)
	assert.Equal(t, "84'/0'/0'", f.gw.setPMReqs[0].AccountKeyPath)
	assert.Zero(t, f.gw.deletePMHits)

	info, err := f.svc.GetUserStore(ctx, "merchant-1")
	require.NoError(t, err)
	assert.Equal(t, xpub, info.Xpub)
	assert.Equal(t, res.Fingerprint, info.Fingerprint)
	assert.True(t, info.WebhookConfigured)
}

func TestGenerateUserWalletRetriesPaymentMethodOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.wallet = json.RawMessage(fmt.Sprintf(`{"derivationScheme": %q}`, testXpub(t, 0x08)))
	f.gw.setPMErrs = []error{&btcpay.APIError{Status: 500, Body: "busy"}}

	_, err := f.svc.GenerateUserWallet(ctx, "merchant-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.deletePMHits)
	assert.Len(t, f.gw.setPMReqs, 2)
}

func TestGenerateUserWalletSecondFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.wallet = json.RawMessage(fmt.Sprintf(`{"derivationScheme": %q}`, testXpub(t, 0x08)))
	f.gw.setPMErrs = []error{
		&btcpay.APIError{Status: 500, Body: "busy"},
		&btcpay.APIError{Status: 500, Body: "still busy"},
	}

	_, err := f.svc.GenerateUserWallet(ctx, "merchant-1", "")
	require.Error(t, err)
	assert.Equal(t, KindUpstream, Classify(err))
	assert.Equal(t, 1, f.gw.deletePMHits)
	assert.Len(t, f.gw.setPMReqs, 2)

	stored, err := f.repo.GetMerchantStore(ctx, "merchant-1")
	require.NoError(t, err)
	assert.Nil(t, stored.EncryptedXpub)
}

func TestGenerateUserWalletWithoutXpub(t *testing.T) {
	f := newFixture(t)
	f.gw.wallet = json.RawMessage(`{"enabled": true, "mnemonic": "abandon about"}`)

	_, err := f.svc.GenerateUserWallet(context.Background(), "merchant-1", "")
	require.ErrorIs(t, err, ErrXpubExtractionFailed)
	assert.Empty(t, f.gw.setPMReqs)
}

func TestDeleteUserStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := f.configuredMerchant(t, "merchant-1")

	res, err := f.svc.CreateInvoice(ctx, "merchant-1", InvoiceRequest{Amount: decimal.NewFromInt(1), Currency: "BTC"})
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)

	err = f.svc.DeleteUserStore(ctx, "merchant-1")
	require.ErrorIs(t, err, ErrStoreInUse)
	assert.Equal(t, KindConflict, Classify(err))
	assert.Empty(t, f.gw.deleted)

	f.configuredMerchant(t, "merchant-2")
	require.NoError(t, f.svc.DeleteUserStore(ctx, "merchant-2"))
	assert.Len(t, f.gw.deleted, 1)
	assert.NotEqual(t, store.GatewayStoreID, f.gw.deleted[0])

	_, err = f.svc.GetUserStore(ctx, "merchant-2")
	require.ErrorIs(t, err, ErrUserStoreNotFound)
	require.ErrorIs(t, f.svc.DeleteUserStore(ctx, "merchant-2"), ErrUserStoreNotFound)
}

func TestReceiveAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.ReceiveAddress(ctx, "merchant-1", 0)
	require.ErrorIs(t, err, ErrStoreNotConfigured)

	f.configuredMerchant(t, "merchant-1")
	first, err := f.svc.ReceiveAddress(ctx, "merchant-1", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "bc1q"))

	again, err := f.svc.ReceiveAddress(ctx, "merchant-1", 0)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	next, err := f.svc.ReceiveAddress(ctx, "merchant-1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestWebhookSecretLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := f.configuredMerchant(t, "merchant-1")

	secret, err := f.svc.WebhookSecret(ctx, store.GatewayStoreID)
	require.NoError(t, err)
	assert.Equal(t, *store.WebhookSecret, secret)

	_, err = f.svc.WebhookSecret(ctx, "unknown-store")
	require.ErrorIs(t, err, ErrUserStoreNotFound)

	g := newFixture(t, func(c *Config) { c.GlobalWebhookSecret = "global-secret" })
	secret, err = g.svc.WebhookSecret(ctx, "unknown-store")
	require.NoError(t, err)
	assert.Equal(t, "global-secret", secret)
}

func TestStoreWithoutWalletIsNotConfigured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.walletErr = &btcpay.APIError{Status: 503, Body: `{"message":"node syncing"}`}

	_, err := f.svc.GenerateUserWallet(ctx, "merchant-1", "")
	require.Error(t, err)
	stored, err := f.repo.GetMerchantStore(ctx, "merchant-1")
	require.NoError(t, err)
	require.Nil(t, stored.EncryptedXpub)

	_, err = f.svc.CreateInvoice(ctx, "merchant-1", InvoiceRequest{Amount: decimal.NewFromInt(1), Currency: "BTC"})
	require.ErrorIs(t, err, ErrStoreNotConfigured)
	assert.Equal(t, KindNotFound, Classify(err))
	assert.Empty(t, f.gw.invoiceReqs)
	assert.Empty(t, f.gw.webhooks)

	_, err = f.svc.SendFunds(ctx, "merchant-1", SendFundsRequest{Destination: "bc1qdest", SubtractFromAmount: true})
	require.ErrorIs(t, err, ErrStoreNotConfigured)
	assert.Empty(t, f.gw.txReqs)

	_, err = f.svc.GetWalletOverview(ctx, "merchant-1")
	require.ErrorIs(t, err, ErrStoreNotConfigured)

	_, err = f.svc.ReceiveAddress(ctx, "merchant-1", 0)
	require.ErrorIs(t, err, ErrStoreNotConfigured)
}

func TestGenerateUserWalletRenamesExistingStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := f.configuredMerchant(t, "merchant-1")
	f.gw.wallet = json.RawMessage(fmt.Sprintf(`{"derivationScheme": %q}`, testXpub(t, 0x09)))

	res, err := f.svc.GenerateUserWallet(ctx, "merchant-1", "Night Market")
	require.NoError(t, err)
	assert.Equal(t, store.GatewayStoreID, res.Store.GatewayStoreID)
	assert.Equal(t, "Night Market", res.Store.StoreName)
	assert.Equal(t, "Night Market", f.gw.stores[store.GatewayStoreID].Name)
	assert.Len(t, f.gw.stores, 1)

	info, err := f.svc.GetUserStore(ctx, "merchant-1")
	require.NoError(t, err)
	assert.Equal(t, "Night Market", info.StoreName)
}
