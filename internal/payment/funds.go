package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"cryptopay/internal/btcpay"
)

// SendFundsRequest describes an on-chain payment out of the merchant's wallet.
// A nil Amount together with SubtractFromAmount sweeps the balance.
type SendFundsRequest struct {
	Destination        string
	Amount             *decimal.Decimal
	FeeRate            decimal.Decimal
	SubtractFromAmount bool
}

// SendFunds builds and broadcasts a transaction from the merchant's hot wallet.
// The destination address is validated by the gateway, not here.
func (s *Service) SendFunds(ctx context.Context, merchantID string, req SendFundsRequest) (*btcpay.Transaction, error) {
	destination := strings.TrimSpace(req.Destination)
	if destination == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.FeeRate.IsNegative() {
		return nil, fmt.Errorf("%w: fee rate cannot be negative", ErrInvalidRequest)
	}

	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	tx, err := s.gateway.CreateOnChainTransaction(ctx, store.GatewayStoreID, s.cfg.PaymentMethodID, btcpay.CreateTransactionRequest{
		Destinations: []btcpay.TransactionDestination{{
			Destination:        destination,
			Amount:             req.Amount,
			SubtractFromAmount: req.SubtractFromAmount,
		}},
		FeeRate:              req.FeeRate,
		ProceedWithBroadcast: true,
	})
	if err != nil {
		s.countError("send_funds")
		return nil, fmt.Errorf("send funds: %w", err)
	}
	s.logger.Info("funds sent", "merchant_id", merchantID, "txid", tx.TransactionHash)
	return tx, nil
}

// CreatePullPayment opens a pull payment on the merchant's store.
func (s *Service) CreatePullPayment(ctx context.Context, merchantID string, req btcpay.CreatePullPaymentRequest) (*btcpay.PullPayment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.Currency == "" {
		req.Currency = s.cfg.NativeCurrency
	}
	if len(req.PaymentMethods) == 0 {
		req.PaymentMethods = []string{s.cfg.PaymentMethodID}
	}
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.CreatePullPayment(ctx, store.GatewayStoreID, req)
}

// ListPullPayments returns the pull payments of the merchant's store.
func (s *Service) ListPullPayments(ctx context.Context, merchantID string) ([]btcpay.PullPayment, error) {
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.GetPullPayments(ctx, store.GatewayStoreID)
}

// ClaimPayout requests a payout from a pull payment.
func (s *Service) ClaimPayout(ctx context.Context, pullPaymentID string, req btcpay.CreatePayoutRequest) (*btcpay.Payout, error) {
	if pullPaymentID == "" || strings.TrimSpace(req.Destination) == "" {
		return nil, fmt.Errorf("%w: pull payment and destination are required", ErrInvalidRequest)
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = s.cfg.PaymentMethodID
	}
	return s.gateway.CreatePayout(ctx, pullPaymentID, req)
}

// ListPayouts returns the payouts of one of the merchant's pull payments.
func (s *Service) ListPayouts(ctx context.Context, merchantID, pullPaymentID string) ([]btcpay.Payout, error) {
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.GetPayouts(ctx, store.GatewayStoreID, pullPaymentID)
}

// ApprovePayout approves a payout at the given rate revision.
func (s *Service) ApprovePayout(ctx context.Context, merchantID, payoutID string, revision int) (*btcpay.Payout, error) {
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.ApprovePayout(ctx, store.GatewayStoreID, payoutID, btcpay.ApprovePayoutRequest{Revision: revision})
}

// CancelPayout cancels a payout that has not been paid yet.
func (s *Service) CancelPayout(ctx context.Context, merchantID, payoutID string) error {
	store, err := s.configuredStore(ctx, merchantID)
	if err != nil {
		return err
	}
	return s.gateway.CancelPayout(ctx, store.GatewayStoreID, payoutID)
}
