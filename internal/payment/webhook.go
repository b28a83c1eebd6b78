package payment

import (
	"context"
	"errors"
	"fmt"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/repo"
)

// Delivery outcomes reported to metrics.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeBusy      = "in_progress"
	outcomeFailed    = "failed"
)

// HandleWebhook verifies a raw delivery against the secret of the store it names and processes it.
func (s *Service) HandleWebhook(ctx context.Context, signature string, body []byte) error {
	secret, err := s.WebhookSecret(ctx, peekStoreID(body))
	if errors.Is(err, ErrUserStoreNotFound) {
		s.countDelivery(EventOther, outcomeRejected)
		return ErrInvalidWebhookSignature
	}
	if err != nil {
		return err
	}
	return s.ProcessWebhook(ctx, signature, body, secret)
}

// ProcessWebhook applies one signed delivery at most once per delivery id. A nil return means the
// delivery is settled and the gateway may stop redelivering it.
func (s *Service) ProcessWebhook(ctx context.Context, signature string, body []byte, secret string) error {
	if !btcpay.VerifySignature(signature, body, secret) {
		s.countDelivery(EventOther, outcomeRejected)
		return ErrInvalidWebhookSignature
	}
	event, err := ParseWebhookEvent(body)
	if err != nil {
		s.countDelivery(EventOther, outcomeRejected)
		return err
	}
	logger := s.logger.With("delivery_id", event.DeliveryID, "event", event.Type, "invoice_id", event.InvoiceID)

	record, err := s.repo.RecordWebhookDelivery(ctx, repo.WebhookDelivery{
		DeliveryID: event.DeliveryID,
		WebhookID:  event.WebhookID,
		EventType:  event.Type,
		InvoiceID:  event.InvoiceID,
		StoreID:    event.StoreID,
		RawPayload: body,
	})
	if err != nil {
		return err
	}
	if record.Processed {
		logger.Debug("duplicate delivery skipped")
		s.countDelivery(event.Kind, outcomeDuplicate)
		return nil
	}

	claimed, err := s.repo.ClaimWebhookDelivery(ctx, event.DeliveryID, s.cfg.DeliveryLease)
	if err != nil {
		return err
	}
	if !claimed {
		current, err := s.repo.RecordWebhookDelivery(ctx, repo.WebhookDelivery{DeliveryID: event.DeliveryID, EventType: event.Type})
		if err == nil && current.Processed {
			s.countDelivery(event.Kind, outcomeDuplicate)
			return nil
		}
		logger.Info("delivery held by another worker")
		s.countDelivery(event.Kind, outcomeBusy)
		return ErrDeliveryInProgress
	}

	if err := s.dispatch(ctx, event); err != nil {
		logger.Error("webhook dispatch failed", "error", err)
		s.countDelivery(event.Kind, outcomeFailed)
		s.countError("webhook_dispatch")
		// Dropping the claim lets the next redelivery retry straight away.
		if relErr := s.repo.ReleaseWebhookDelivery(context.WithoutCancel(ctx), event.DeliveryID); relErr != nil {
			logger.Warn("release delivery failed", "error", relErr)
		}
		return err
	}

	if err := s.repo.MarkWebhookProcessed(ctx, event.DeliveryID); err != nil {
		return fmt.Errorf("mark delivery processed: %w", err)
	}
	s.countDelivery(event.Kind, outcomeProcessed)
	logger.Info("webhook processed", "kind", event.Kind)
	return nil
}

func (s *Service) dispatch(ctx context.Context, event *WebhookEvent) error {
	if event.Kind == EventOther || event.InvoiceID == "" {
		return nil
	}

	inv, err := s.repo.GetInvoice(ctx, event.InvoiceID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("webhook for unknown invoice ignored", "invoice_id", event.InvoiceID, "delivery_id", event.DeliveryID)
		return nil
	}
	if err != nil {
		return err
	}
	if event.StoreID != "" && event.StoreID != inv.MerchantStoreID {
		s.logger.Warn("webhook store does not own invoice, ignored",
			"invoice_id", inv.ID, "event_store_id", event.StoreID, "invoice_store_id", inv.MerchantStoreID)
		return nil
	}

	switch event.Kind {
	case EventPaymentReceived:
		status, err := s.advance(ctx, inv, repo.InvoiceStatusProcessing)
		if err != nil {
			return err
		}
		if status == repo.InvoiceStatusExpired || status == repo.InvoiceStatusInvalid {
			return nil
		}
		_, err = s.ensureOrder(ctx, inv)
		return err
	case EventPaymentSettled:
		status, err := s.advance(ctx, inv, repo.InvoiceStatusSettled)
		if err != nil || status != repo.InvoiceStatusSettled {
			return err
		}
		return s.completeOrder(ctx, inv)
	case EventExpired, EventInvalid:
		target := repo.InvoiceStatusExpired
		if event.Kind == EventInvalid {
			target = repo.InvoiceStatusInvalid
		}
		status, err := s.advance(ctx, inv, target)
		if err != nil || status != target {
			return err
		}
		return s.cancelOrder(ctx, inv)
	}
	return nil
}

// advance moves the invoice forward and returns the status it ends up in.
func (s *Service) advance(ctx context.Context, inv *repo.Invoice, status repo.InvoiceStatus) (repo.InvoiceStatus, error) {
	changed, err := s.repo.AdvanceInvoiceStatus(ctx, inv.ID, status)
	if err != nil {
		return "", err
	}
	if !changed {
		s.logger.Debug("invoice status kept", "invoice_id", inv.ID, "status", inv.Status, "event_status", status)
		return inv.Status, nil
	}
	s.logger.Info("invoice status advanced", "invoice_id", inv.ID, "from", inv.Status, "to", status)
	return status, nil
}
