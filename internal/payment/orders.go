package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptopay/internal/repo"
)

const unknownProductName = "Unknown product"

// ConfirmResult is the outcome of a manual crypto order confirmation.
type ConfirmResult struct {
	Order           *repo.Order
	Created         bool
	SkippedProducts []string
}

// ConfirmCryptoOrder turns a paid invoice into a completed order immediately. Stock is deducted
// only for lines with enough on hand; the others are reported as skipped. Repeated calls return
// the existing order.
func (s *Service) ConfirmCryptoOrder(ctx context.Context, merchantID, invoiceID string) (*ConfirmResult, error) {
	inv, err := s.merchantInvoice(ctx, merchantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Metadata.HasItems() {
		return nil, ErrNoItemsInInvoice
	}

	order, created, skipped, err := s.repo.InsertFulfilledOrder(ctx, s.buildOrder(inv))
	if err != nil {
		return nil, err
	}
	if created {
		s.countOrder("confirm")
		if err := s.linkOrder(ctx, inv, order.ID); err != nil {
			return nil, err
		}
		s.logger.Info("crypto order confirmed", "invoice_id", inv.ID, "order_id", order.ID, "skipped", len(skipped))
	}
	if len(skipped) > 0 {
		s.logger.Warn("stock too low for some lines", "invoice_id", inv.ID, "products", skipped)
	}
	return &ConfirmResult{Order: order, Created: created, SkippedProducts: skipped}, nil
}

// GetOrderByInvoice returns the order materialised from the merchant's invoice.
func (s *Service) GetOrderByInvoice(ctx context.Context, merchantID, invoiceID string) (*repo.Order, error) {
	if _, err := s.merchantInvoice(ctx, merchantID, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.GetOrderByInvoice(ctx, invoiceID)
}

// ensureOrder creates the pending order for an invoice with line items. Invoices without items
// yield no order.
func (s *Service) ensureOrder(ctx context.Context, inv *repo.Invoice) (*repo.Order, error) {
	if !inv.Metadata.HasItems() {
		return nil, nil
	}
	order, created, err := s.repo.InsertPendingOrder(ctx, s.buildOrder(inv))
	if err != nil {
		return nil, err
	}
	if created {
		s.countOrder("webhook")
		s.logger.Info("pending order created", "invoice_id", inv.ID, "order_id", order.ID)
	}
	if inv.Metadata.OrderID != order.ID {
		if err := s.linkOrder(ctx, inv, order.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// completeOrder finishes the invoice's order, creating it first when the settlement event
// overtook the payment event.
func (s *Service) completeOrder(ctx context.Context, inv *repo.Invoice) error {
	order, err := s.ensureOrder(ctx, inv)
	if err != nil || order == nil {
		return err
	}
	completed, changed, err := s.repo.CompleteOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if changed {
		s.countOrder("settled")
		s.logger.Info("order completed", "invoice_id", inv.ID, "order_id", completed.ID)
	}
	return nil
}

func (s *Service) cancelOrder(ctx context.Context, inv *repo.Invoice) error {
	cancelled, err := s.repo.CancelPendingOrder(ctx, inv.ID)
	if err != nil {
		return err
	}
	if cancelled {
		s.logger.Info("pending order cancelled", "invoice_id", inv.ID)
	}
	return nil
}

func (s *Service) linkOrder(ctx context.Context, inv *repo.Invoice, orderID string) error {
	err := s.repo.MergeInvoiceMetadata(ctx, inv.ID, map[string]any{repo.MetaOrderID: orderID})
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	inv.Metadata.OrderID = orderID
	return nil
}

// buildOrder prices the invoice's line items in the currency they were quoted in.
func (s *Service) buildOrder(inv *repo.Invoice) repo.Order {
	currency := inv.Currency
	if c := inv.Metadata.Conversion; c != nil && c.OriginalCurrency != "" {
		currency = c.OriginalCurrency
	}

	items := make([]repo.OrderItem, 0, len(inv.Metadata.Items))
	total := decimal.Zero
	for _, li := range inv.Metadata.Items {
		if li.ProductID == "" || li.Quantity <= 0 {
			continue
		}
		name := li.ProductName
		if name == "" {
			name = unknownProductName
		}
		lineTotal := li.Price.Mul(decimal.NewFromInt(li.Quantity))
		total = total.Add(lineTotal)
		items = append(items, repo.OrderItem{
			ProductID:   li.ProductID,
			ProductName: name,
			Quantity:    li.Quantity,
			UnitPrice:   li.Price,
			LineTotal:   lineTotal,
			Image:       li.Image,
		})
	}

	return repo.Order{
		MerchantID:    inv.MerchantID,
		InvoiceID:     inv.ID,
		Items:         items,
		TotalAmount:   total,
		Currency:      currency,
		PaymentMethod: repo.PaymentMethodCrypto,
		Metadata: map[string]any{
			"invoiceId":   inv.ID,
			"paymentType": repo.PaymentMethodCrypto,
			"storeId":     inv.MerchantStoreID,
			"createdAt":   s.now().UTC().Format(time.RFC3339),
		},
	}
}

// SaveProduct records a catalogue entry for the merchant so orders can deduct its stock.
func (s *Service) SaveProduct(ctx context.Context, merchantID string, p repo.Product) (*repo.Product, error) {
	if p.Name == "" || p.Stock < 0 || p.Price.IsNegative() {
		return nil, fmt.Errorf("%w: product needs a name, a price and non-negative stock", ErrInvalidRequest)
	}
	if p.ID != "" {
		existing, err := s.repo.GetProduct(ctx, p.ID)
		switch {
		case err == nil && existing.MerchantID != merchantID:
			return nil, fmt.Errorf("%w: product belongs to another merchant", ErrInvalidRequest)
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}
	p.MerchantID = merchantID
	return s.repo.SaveProduct(ctx, p)
}

// GetProduct returns one of the merchant's products.
func (s *Service) GetProduct(ctx context.Context, merchantID, productID string) (*repo.Product, error) {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.MerchantID != merchantID {
		return nil, repo.ErrNotFound
	}
	return p, nil
}
