package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/repo"
)

// ConfigureResult is returned when a merchant links an existing wallet.
type ConfigureResult struct {
	Store          *repo.MerchantStore
	Xpub           string
	Fingerprint    string
	XpubChanged    bool
	WebhookCreated bool
}

// WalletResult is returned when the gateway generates a wallet for a merchant.
// Mnemonic is only ever handed back here and is never persisted.
type WalletResult struct {
	Store          *repo.MerchantStore
	Xpub           string
	Fingerprint    string
	Mnemonic       string
	WebhookCreated bool
}

// StoreInfo is the public view of a merchant store.
type StoreInfo struct {
	MerchantID        string    `json:"merchantId"`
	StoreID           string    `json:"storeId"`
	StoreName         string    `json:"storeName"`
	Xpub              string    `json:"xpub,omitempty"`
	Fingerprint       string    `json:"fingerprint,omitempty"`
	WebhookConfigured bool      `json:"webhookConfigured"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ConfigureUserStore links a merchant-supplied extended public key to the merchant's store,
// creating the store on first use.
func (s *Service) ConfigureUserStore(ctx context.Context, merchantID, rawXpub, storeName string) (*ConfigureResult, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, fmt.Errorf("%w: merchant id is required", ErrInvalidRequest)
	}
	xpub, err := s.keys.Normalize(rawXpub)
	if err != nil {
		return nil, err
	}

	store, err := s.ensureStore(ctx, merchantID, storeName)
	if err != nil {
		return nil, err
	}
	if store, err = s.renameStore(ctx, store, storeName); err != nil {
		return nil, err
	}

	changed := true
	if store.EncryptedXpub != nil {
		prev, err := s.keys.Decrypt(*store.EncryptedXpub)
		if err != nil {
			s.logger.Warn("stored xpub unreadable, replacing", "merchant_id", merchantID, "error", err)
		} else {
			changed = prev != xpub
		}
	}

	if changed {
		req := btcpay.OnChainPaymentMethodRequest{Enabled: true, DerivationScheme: xpub}
		if err := s.gateway.SetOnChainPaymentMethod(ctx, store.GatewayStoreID, s.cfg.PaymentMethodID, req); err != nil {
			s.countError("payment_method")
			return nil, fmt.Errorf("set payment method: %w", err)
		}
		if store, err = s.saveXpub(ctx, merchantID, xpub); err != nil {
			return nil, err
		}
		s.logger.Info("store xpub configured", "merchant_id", merchantID, "store_id", store.GatewayStoreID)
	}

	webhookCreated, err := s.ensureWebhook(ctx, store)
	if err != nil && !errors.Is(err, ErrWebhookURLNotConfigured) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("webhook not registered", "merchant_id", merchantID, "error", err)
	}

	fingerprint, err := s.keys.Fingerprint(xpub)
	if err != nil {
		return nil, err
	}
	return &ConfigureResult{
		Store:          store,
		Xpub:           xpub,
		Fingerprint:    fingerprint,
		XpubChanged:    changed,
		WebhookCreated: webhookCreated,
	}, nil
}

// GenerateUserWallet asks the gateway for a fresh watch-only wallet and wires it to the
// merchant's store the same way ConfigureUserStore does.
func (s *Service) GenerateUserWallet(ctx context.Context, merchantID, storeName string) (*WalletResult, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, fmt.Errorf("%w: merchant id is required", ErrInvalidRequest)
	}
	store, err := s.ensureStore(ctx, merchantID, storeName)
	if err != nil {
		return nil, err
	}
	if store, err = s.renameStore(ctx, store, storeName); err != nil {
		return nil, err
	}

	raw, err := s.gateway.GenerateWallet(ctx, store.GatewayStoreID, s.cfg.PaymentMethodID, btcpay.GenerateWalletRequest{
		SavePrivateKeys: false,
		ImportKeysToRPC: false,
		WordCount:       12,
	})
	if err != nil {
		s.countError("generate_wallet")
		return nil, fmt.Errorf("generate wallet: %w", err)
	}

	wallet, err := extractWallet(raw, s.keys.Normalize)
	if err != nil {
		s.countError("generate_wallet")
		s.logger.Error("generated wallet response carried no usable xpub", "merchant_id", merchantID)
		return nil, err
	}
	s.logger.Debug("xpub extracted", "merchant_id", merchantID, "source", wallet.Source)

	if err := s.setPaymentMethodWithRetry(ctx, store.GatewayStoreID, wallet); err != nil {
		return nil, err
	}
	if store, err = s.saveXpub(ctx, merchantID, wallet.Xpub); err != nil {
		return nil, err
	}

	webhookCreated, err := s.ensureWebhook(ctx, store)
	if err != nil && !errors.Is(err, ErrWebhookURLNotConfigured) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("webhook not registered", "merchant_id", merchantID, "error", err)
	}

	fingerprint, err := s.keys.Fingerprint(wallet.Xpub)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet generated", "merchant_id", merchantID, "store_id", store.GatewayStoreID, "fingerprint", fingerprint)
	return &WalletResult{
		Store:          store,
		Xpub:           wallet.Xpub,
		Fingerprint:    fingerprint,
		Mnemonic:       wallet.Mnemonic,
		WebhookCreated: webhookCreated,
	}, nil
}

// setPaymentMethodWithRetry retries once after clearing the existing payment method.
func (s *Service) setPaymentMethodWithRetry(ctx context.Context, storeID string, wallet *generatedWallet) error {
	req := btcpay.OnChainPaymentMethodRequest{
		Enabled:          true,
		DerivationScheme: wallet.Xpub,
		AccountKeyPath:   wallet.AccountKeyPath,
	}
	err := s.gateway.SetOnChainPaymentMethod(ctx, storeID, s.cfg.PaymentMethodID, req)
	if err == nil {
		return nil
	}
	s.logger.Warn("set payment method failed, retrying after reset", "store_id", storeID, "error", err)

	if delErr := s.gateway.DeletePaymentMethod(ctx, storeID, s.cfg.PaymentMethodID); delErr != nil {
		s.logger.Warn("delete payment method failed", "store_id", storeID, "error", delErr)
	}
	if err := s.gateway.SetOnChainPaymentMethod(ctx, storeID, s.cfg.PaymentMethodID, req); err != nil {
		s.countError("payment_method")
		return fmt.Errorf("set payment method: %w", err)
	}
	return nil
}

// EnsureWebhook registers the gateway webhook for the merchant's store when needed.
func (s *Service) EnsureWebhook(ctx context.Context, merchantID string) (bool, error) {
	store, err := s.lookupStore(ctx, merchantID, ErrUserStoreNotFound)
	if err != nil {
		return false, err
	}
	return s.ensureWebhook(ctx, store)
}

// ensureWebhook reuses the stored secret unless a global secret is configured and differs from it.
// On registration store is updated in place.
func (s *Service) ensureWebhook(ctx context.Context, store *repo.MerchantStore) (bool, error) {
	global := s.cfg.GlobalWebhookSecret
	if store.WebhookSecret != nil && *store.WebhookSecret != "" && (global == "" || *store.WebhookSecret == global) {
		return false, nil
	}
	if s.cfg.WebhookURL == "" {
		return false, ErrWebhookURLNotConfigured
	}

	secret := global
	if secret == "" {
		var err error
		if secret, err = randomSecret(); err != nil {
			return false, err
		}
	}

	hook, err := s.gateway.CreateWebhook(ctx, store.GatewayStoreID, btcpay.WebhookRequest{
		URL:                 s.cfg.WebhookURL,
		Enabled:             true,
		AutomaticRedelivery: true,
		AuthorizedEvents:    btcpay.AuthorizedEvents{Everything: true},
		Secret:              secret,
	})
	if err != nil {
		s.countError("webhook_register")
		return false, fmt.Errorf("create webhook: %w", err)
	}
	if hook.Secret != "" {
		secret = hook.Secret
	}

	updated, err := s.repo.UpdateMerchantStore(ctx, store.MerchantID, repo.MerchantStoreUpdate{
		WebhookID:     &hook.ID,
		WebhookSecret: &secret,
	})
	if err != nil {
		return false, fmt.Errorf("save webhook: %w", err)
	}
	*store = *updated
	s.logger.Info("webhook registered", "merchant_id", store.MerchantID, "store_id", store.GatewayStoreID, "webhook_id", hook.ID)
	return true, nil
}

// GetUserStore returns the merchant's store with its decrypted key.
func (s *Service) GetUserStore(ctx context.Context, merchantID string) (*StoreInfo, error) {
	store, err := s.lookupStore(ctx, merchantID, ErrUserStoreNotFound)
	if err != nil {
		return nil, err
	}
	info := &StoreInfo{
		MerchantID:        store.MerchantID,
		StoreID:           store.GatewayStoreID,
		StoreName:         store.StoreName,
		WebhookConfigured: store.WebhookSecret != nil && *store.WebhookSecret != "",
		CreatedAt:         store.CreatedAt,
		UpdatedAt:         store.UpdatedAt,
	}
	if store.EncryptedXpub != nil {
		xpub, err := s.keys.Decrypt(*store.EncryptedXpub)
		if err != nil {
			return nil, err
		}
		info.Xpub = xpub
		if info.Fingerprint, err = s.keys.Fingerprint(xpub); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// DeleteUserStore removes the merchant's store from the gateway and locally. Stores that
// invoices still reference are kept.
func (s *Service) DeleteUserStore(ctx context.Context, merchantID string) error {
	store, err := s.lookupStore(ctx, merchantID, ErrUserStoreNotFound)
	if err != nil {
		return err
	}
	count, err := s.repo.CountInvoicesByStore(ctx, store.GatewayStoreID)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrStoreInUse
	}

	if err := s.gateway.DeleteStore(ctx, store.GatewayStoreID); err != nil {
		var apiErr *btcpay.APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
			return fmt.Errorf("delete gateway store: %w", err)
		}
		s.logger.Warn("gateway store already gone", "store_id", store.GatewayStoreID)
	}
	if err := s.repo.DeleteMerchantStore(ctx, merchantID); err != nil {
		return err
	}
	s.logger.Info("store deleted", "merchant_id", merchantID, "store_id", store.GatewayStoreID)
	return nil
}

// ReceiveAddress derives the merchant's receive address at index from the stored xpub.
func (s *Service) ReceiveAddress(ctx context.Context, merchantID string, index uint32) (string, error) {
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return "", err
	}
	xpub, err := s.keys.Decrypt(*store.EncryptedXpub)
	if err != nil {
		return "", err
	}
	return s.keys.DeriveReceiveAddress(xpub, index)
}

// GetWalletOverview returns the on-chain balance of the merchant's store.
func (s *Service) GetWalletOverview(ctx context.Context, merchantID string) (*btcpay.WalletOverview, error) {
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.GetWalletOverview(ctx, store.GatewayStoreID, s.cfg.PaymentMethodID)
}

// WebhookSecret returns the secret deliveries for a gateway store are signed with.
func (s *Service) WebhookSecret(ctx context.Context, gatewayStoreID string) (string, error) {
	if gatewayStoreID != "" {
		store, err := s.repo.GetMerchantStoreByGatewayID(ctx, gatewayStoreID)
		switch {
		case err == nil:
			if store.WebhookSecret != nil && *store.WebhookSecret != "" {
				return *store.WebhookSecret, nil
			}
		case !errors.Is(err, repo.ErrNotFound):
			return "", err
		}
	}
	if s.cfg.GlobalWebhookSecret != "" {
		return s.cfg.GlobalWebhookSecret, nil
	}
	return "", ErrUserStoreNotFound
}

// configuredStore returns the merchant's store only once a wallet key is linked to it. A store row
// left behind by an aborted wallet setup has no payment method on the gateway.
func (s *Service) configuredStore(ctx context.Context, merchantID string) (*repo.MerchantStore, error) {
	store, err := s.lookupStore(ctx, merchantID, ErrStoreNotConfigured)
	if err != nil {
		return nil, err
	}
	if store.EncryptedXpub == nil || *store.EncryptedXpub == "" {
		return nil, ErrStoreNotConfigured
	}
	return store, nil
}

func (s *Service) lookupStore(ctx context.Context, merchantID string, missing error) (*repo.MerchantStore, error) {
	store, err := s.repo.GetMerchantStore(ctx, merchantID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// ensureStore returns the merchant's store, creating it on the gateway first when missing.
func (s *Service) ensureStore(ctx context.Context, merchantID, storeName string) (*repo.MerchantStore, error) {
	store, err := s.repo.GetMerchantStore(ctx, merchantID)
	if err == nil {
		return store, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	name := strings.TrimSpace(storeName)
	if name == "" {
		name = defaultStoreName(merchantID)
	}
	remote, err := s.gateway.CreateStore(ctx, btcpay.StoreRequest{Name: name, DefaultCurrency: s.cfg.DefaultStoreCurrency})
	if err != nil {
		s.countError("create_store")
		return nil, fmt.Errorf("create gateway store: %w", err)
	}

	store, err = s.repo.CreateMerchantStore(ctx, repo.MerchantStore{
		MerchantID:     merchantID,
		GatewayStoreID: remote.ID,
		StoreName:      name,
	})
	if err != nil {
		return nil, err
	}
	if store.GatewayStoreID != remote.ID {
		// A concurrent request created the merchant's store first.
		if err := s.gateway.DeleteStore(ctx, remote.ID); err != nil {
			s.logger.Warn("orphan gateway store left behind", "store_id", remote.ID, "error", err)
		}
		return store, nil
	}
	s.logger.Info("store created", "merchant_id", merchantID, "store_id", remote.ID)
	return store, nil
}

func (s *Service) renameStore(ctx context.Context, store *repo.MerchantStore, storeName string) (*repo.MerchantStore, error) {
	name := strings.TrimSpace(storeName)
	if name == "" || name == store.StoreName {
		return store, nil
	}
	if _, err := s.gateway.UpdateStore(ctx, store.GatewayStoreID, btcpay.StoreRequest{Name: name, DefaultCurrency: s.cfg.DefaultStoreCurrency}); err != nil {
		return nil, fmt.Errorf("rename gateway store: %w", err)
	}
	return s.repo.UpdateMerchantStore(ctx, store.MerchantID, repo.MerchantStoreUpdate{StoreName: &name})
}

func (s *Service) saveXpub(ctx context.Context, merchantID, xpub string) (*repo.MerchantStore, error) {
	encrypted, err := s.keys.Encrypt(xpub)
	if err != nil {
		return nil, err
	}
	return s.repo.UpdateMerchantStore(ctx, merchantID, repo.MerchantStoreUpdate{EncryptedXpub: &encrypted})
}

func defaultStoreName(merchantID string) string {
	short := merchantID
	if len(short) > 8 {
		short = short[:8]
	}
	return "User Store " + short
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
