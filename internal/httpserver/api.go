package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/payment"
	"cryptopay/internal/repo"
)

// MerchantHeader identifies the calling merchant. Authentication happens upstream.
const MerchantHeader = "X-Merchant-ID"

const maxBodyBytes = 1 << 20

// Payments is the payment service surface exposed over HTTP.
type Payments interface {
	ConfigureUserStore(ctx context.Context, merchantID, xpub, storeName string) (*payment.ConfigureResult, error)
	GenerateUserWallet(ctx context.Context, merchantID, storeName string) (*payment.WalletResult, error)
	GetUserStore(ctx context.Context, merchantID string) (*payment.StoreInfo, error)
	DeleteUserStore(ctx context.Context, merchantID string) error
	EnsureWebhook(ctx context.Context, merchantID string) (bool, error)
	GetWalletOverview(ctx context.Context, merchantID string) (*btcpay.WalletOverview, error)
	ReceiveAddress(ctx context.Context, merchantID string, index uint32) (string, error)
	SendFunds(ctx context.Context, merchantID string, req payment.SendFundsRequest) (*btcpay.Transaction, error)
	CreateInvoice(ctx context.Context, merchantID string, req payment.InvoiceRequest) (*payment.InvoiceResult, error)
	GetInvoiceStatus(ctx context.Context, merchantID, invoiceID string) (*repo.Invoice, error)
	ListInvoices(ctx context.Context, merchantID string, limit int) ([]repo.Invoice, error)
	ConfirmCryptoOrder(ctx context.Context, merchantID, invoiceID string) (*payment.ConfirmResult, error)
	GetOrderByInvoice(ctx context.Context, merchantID, invoiceID string) (*repo.Order, error)
	SaveProduct(ctx context.Context, merchantID string, p repo.Product) (*repo.Product, error)
	GetProduct(ctx context.Context, merchantID, productID string) (*repo.Product, error)
	CreatePullPayment(ctx context.Context, merchantID string, req btcpay.CreatePullPaymentRequest) (*btcpay.PullPayment, error)
	ListPullPayments(ctx context.Context, merchantID string) ([]btcpay.PullPayment, error)
	ListPayouts(ctx context.Context, merchantID, pullPaymentID string) ([]btcpay.Payout, error)
	ClaimPayout(ctx context.Context, pullPaymentID string, req btcpay.CreatePayoutRequest) (*btcpay.Payout, error)
	ApprovePayout(ctx context.Context, merchantID, payoutID string, revision int) (*btcpay.Payout, error)
	CancelPayout(ctx context.Context, merchantID, payoutID string) error
}

// API serves the merchant JSON endpoints.
type API struct {
	payments Payments
	logger   *slog.Logger
	validate *validator.Validate
}

// NewAPI builds the merchant API handler set.
func NewAPI(payments Payments, logger *slog.Logger) *API {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return &API{
		payments: payments,
		logger:   logger.With("component", "api"),
		validate: v,
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/store", a.merchant(a.handleConfigureStore))
	mux.HandleFunc("GET /api/store", a.merchant(a.handleGetStore))
	mux.HandleFunc("DELETE /api/store", a.merchant(a.handleDeleteStore))
	mux.HandleFunc("POST /api/store/webhook", a.merchant(a.handleEnsureWebhook))

	mux.HandleFunc("POST /api/wallet/generate", a.merchant(a.handleGenerateWallet))
	mux.HandleFunc("GET /api/wallet", a.merchant(a.handleWalletOverview))
	mux.HandleFunc("GET /api/wallet/address", a.merchant(a.handleReceiveAddress))
	mux.HandleFunc("POST /api/wallet/send", a.merchant(a.handleSendFunds))

	mux.HandleFunc("POST /api/invoices", a.merchant(a.handleCreateInvoice))
	mux.HandleFunc("GET /api/invoices", a.merchant(a.handleListInvoices))
	mux.HandleFunc("GET /api/invoices/{id}", a.merchant(a.handleGetInvoice))
	mux.HandleFunc("POST /api/invoices/{id}/confirm", a.merchant(a.handleConfirmOrder))
	mux.HandleFunc("GET /api/invoices/{id}/order", a.merchant(a.handleGetOrder))

	mux.HandleFunc("POST /api/products", a.merchant(a.handleSaveProduct))
	mux.HandleFunc("GET /api/products/{id}", a.merchant(a.handleGetProduct))

	mux.HandleFunc("POST /api/pull-payments", a.merchant(a.handleCreatePullPayment))
	mux.HandleFunc("GET /api/pull-payments", a.merchant(a.handleListPullPayments))
	mux.HandleFunc("GET /api/pull-payments/{id}/payouts", a.merchant(a.handleListPayouts))
	mux.HandleFunc("POST /api/pull-payments/{id}/payouts", a.handleClaimPayout)
	mux.HandleFunc("POST /api/payouts/{id}/approve", a.merchant(a.handleApprovePayout))
	mux.HandleFunc("DELETE /api/payouts/{id}", a.merchant(a.handleCancelPayout))
}

type merchantHandler func(w http.ResponseWriter, r *http.Request, merchantID string)

func (a *API) merchant(next merchantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID := strings.TrimSpace(r.Header.Get(MerchantHeader))
		if merchantID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+MerchantHeader+" header")
			return
		}
		next(w, r, merchantID)
	}
}

// -- Store --

type configureStoreRequest struct {
	Xpub      string `json:"xpub" validate:"required"`
	StoreName string `json:"storeName" validate:"omitempty,max=100"`
}

func (a *API) handleConfigureStore(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req configureStoreRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.payments.ConfigureUserStore(r.Context(), merchantID, req.Xpub, req.StoreName)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"storeId":        res.Store.GatewayStoreID,
		"storeName":      res.Store.StoreName,
		"fingerprint":    res.Fingerprint,
		"xpubChanged":    res.XpubChanged,
		"webhookCreated": res.WebhookCreated,
	})
}

func (a *API) handleGetStore(w http.ResponseWriter, r *http.Request, merchantID string) {
	info, err := a.payments.GetUserStore(r.Context(), merchantID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, info)
}

func (a *API) handleDeleteStore(w http.ResponseWriter, r *http.Request, merchantID string) {
	if err := a.payments.DeleteUserStore(r.Context(), merchantID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnsureWebhook(w http.ResponseWriter, r *http.Request, merchantID string) {
	created, err := a.payments.EnsureWebhook(r.Context(), merchantID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]bool{"webhookCreated": created})
}

// -- Wallet --

type generateWalletRequest struct {
	StoreName string `json:"storeName" validate:"omitempty,max=100"`
}

func (a *API) handleGenerateWallet(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req generateWalletRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	res, err := a.payments.GenerateUserWallet(r.Context(), merchantID, req.StoreName)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]any{
		"storeId":        res.Store.GatewayStoreID,
		"xpub":           res.Xpub,
		"fingerprint":    res.Fingerprint,
		"mnemonic":       res.Mnemonic,
		"webhookCreated": res.WebhookCreated,
	})
}

func (a *API) handleWalletOverview(w http.ResponseWriter, r *http.Request, merchantID string) {
	overview, err := a.payments.GetWalletOverview(r.Context(), merchantID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, overview)
}

func (a *API) handleReceiveAddress(w http.ResponseWriter, r *http.Request, merchantID string) {
	var index uint64
	if raw := r.URL.Query().Get("index"); raw != "" {
		var err error
		if index, err = strconv.ParseUint(raw, 10, 31); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "index must be a non-hardened derivation index")
			return
		}
	}
	address, err := a.payments.ReceiveAddress(r.Context(), merchantID, uint32(index))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"address": address, "index": index})
}

type sendFundsRequest struct {
	Destination        string           `json:"destination" validate:"required"`
	Amount             *decimal.Decimal `json:"amount" validate:"omitempty,gt=0"`
	FeeRate            decimal.Decimal  `json:"feeRate" validate:"gte=0"`
	SubtractFromAmount bool             `json:"subtractFromAmount"`
}

func (a *API) handleSendFunds(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req sendFundsRequest
	if !a.decode(w, r, &req) {
		return
	}
	tx, err := a.payments.SendFunds(r.Context(), merchantID, payment.SendFundsRequest{
		Destination:        req.Destination,
		Amount:             req.Amount,
		FeeRate:            req.FeeRate,
		SubtractFromAmount: req.SubtractFromAmount,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, tx)
}

// -- Invoices --

type lineItemRequest struct {
	ProductID   string          `json:"productId" validate:"required"`
	ProductName string          `json:"productName" validate:"omitempty,max=200"`
	Quantity    int64           `json:"quantity" validate:"gt=0"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Image       string          `json:"image" validate:"omitempty,url"`
}

type createInvoiceRequest struct {
	Amount      decimal.Decimal            `json:"amount" validate:"gt=0"`
	Currency    string                     `json:"currency" validate:"required,alpha,min=3,max=5"`
	OrderID     string                     `json:"orderId" validate:"omitempty,max=128"`
	Items       []lineItemRequest          `json:"items" validate:"omitempty,dive"`
	Metadata    map[string]json.RawMessage `json:"metadata"`
	RedirectURL string                     `json:"redirectUrl" validate:"omitempty,url"`
	Checkout    *btcpay.CheckoutOptions    `json:"checkout"`
}

func (a *API) handleCreateInvoice(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req createInvoiceRequest
	if !a.decode(w, r, &req) {
		return
	}
	items := make([]repo.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, repo.LineItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
			Image:       it.Image,
		})
	}

	res, err := a.payments.CreateInvoice(r.Context(), merchantID, payment.InvoiceRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		OrderID:     req.OrderID,
		Items:       items,
		Metadata:    req.Metadata,
		RedirectURL: req.RedirectURL,
		Checkout:    req.Checkout,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"invoice":  newInvoiceView(res.Invoice),
		"warnings": res.Warnings,
	})
}

func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request, merchantID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	invoices, err := a.payments.ListInvoices(r.Context(), merchantID, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	views := make([]invoiceView, 0, len(invoices))
	for i := range invoices {
		views = append(views, newInvoiceView(&invoices[i]))
	}
	writeJSON(w, map[string]any{"invoices": views})
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request, merchantID string) {
	inv, err := a.payments.GetInvoiceStatus(r.Context(), merchantID, r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, newInvoiceView(inv))
}

func (a *API) handleConfirmOrder(w http.ResponseWriter, r *http.Request, merchantID string) {
	res, err := a.payments.ConfirmCryptoOrder(r.Context(), merchantID, r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	skipped := res.SkippedProducts
	if skipped == nil {
		skipped = []string{}
	}
	writeJSON(w, map[string]any{
		"order":           newOrderView(res.Order),
		"created":         res.Created,
		"skippedProducts": skipped,
	})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request, merchantID string) {
	order, err := a.payments.GetOrderByInvoice(r.Context(), merchantID, r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, newOrderView(order))
}

// -- Products --

type productRequest struct {
	ID    string          `json:"id" validate:"omitempty,max=128"`
	Name  string          `json:"name" validate:"required,max=200"`
	Price decimal.Decimal `json:"price" validate:"gte=0"`
	Stock int64           `json:"stock" validate:"gte=0"`
	Image string          `json:"image" validate:"omitempty,url"`
}

func (a *API) handleSaveProduct(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req productRequest
	if !a.decode(w, r, &req) {
		return
	}
	p, err := a.payments.SaveProduct(r.Context(), merchantID, repo.Product{
		ID:    req.ID,
		Name:  req.Name,
		Price: req.Price,
		Stock: req.Stock,
		Image: req.Image,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, newProductView(p))
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request, merchantID string) {
	p, err := a.payments.GetProduct(r.Context(), merchantID, r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, newProductView(p))
}

// -- Payouts --

type pullPaymentRequest struct {
	Name        string          `json:"name" validate:"omitempty,max=100"`
	Description string          `json:"description" validate:"omitempty,max=500"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,alpha,min=3,max=5"`
	ExpiresAt   int64           `json:"expiresAt" validate:"gte=0"`
}

func (a *API) handleCreatePullPayment(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req pullPaymentRequest
	if !a.decode(w, r, &req) {
		return
	}
	pp, err := a.payments.CreatePullPayment(r.Context(), merchantID, btcpay.CreatePullPaymentRequest{
		Name:        req.Name,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, pp)
}

func (a *API) handleListPullPayments(w http.ResponseWriter, r *http.Request, merchantID string) {
	list, err := a.payments.ListPullPayments(r.Context(), merchantID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"pullPayments": list})
}

func (a *API) handleListPayouts(w http.ResponseWriter, r *http.Request, merchantID string) {
	list, err := a.payments.ListPayouts(r.Context(), merchantID, r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"payouts": list})
}

type claimPayoutRequest struct {
	Destination string          `json:"destination" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gte=0"`
}

// handleClaimPayout is called by the payee, so it carries no merchant header.
func (a *API) handleClaimPayout(w http.ResponseWriter, r *http.Request) {
	var req claimPayoutRequest
	if !a.decode(w, r, &req) {
		return
	}
	payout, err := a.payments.ClaimPayout(r.Context(), r.PathValue("id"), btcpay.CreatePayoutRequest{
		Destination: req.Destination,
		Amount:      req.Amount,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, payout)
}

type approvePayoutRequest struct {
	Revision int `json:"revision" validate:"gte=0"`
}

func (a *API) handleApprovePayout(w http.ResponseWriter, r *http.Request, merchantID string) {
	var req approvePayoutRequest
	if !a.decode(w, r, &req) {
		return
	}
	payout, err := a.payments.ApprovePayout(r.Context(), merchantID, r.PathValue("id"), req.Revision)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, payout)
}

func (a *API) handleCancelPayout(w http.ResponseWriter, r *http.Request, merchantID string) {
	if err := a.payments.CancelPayout(r.Context(), merchantID, r.PathValue("id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -- Plumbing --

func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("invalid json body: %v", err))
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// fail maps a service error to a status code. Internal details are logged, not returned.
func (a *API) fail(w http.ResponseWriter, err error) {
	kind := payment.Classify(err)
	status := statusFor(kind)

	msg := err.Error()
	var apiErr *btcpay.APIError
	switch {
	case errors.As(err, &apiErr):
		msg = apiErr.Message()
	case kind == payment.KindInternal:
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err, "kind", kind.String())
	} else {
		a.logger.Debug("request rejected", "error", err, "kind", kind.String())
	}
	writeError(w, status, kind.String(), msg)
}

func statusFor(kind payment.ErrorKind) int {
	switch kind {
	case payment.KindInvalidInput:
		return http.StatusBadRequest
	case payment.KindNotFound:
		return http.StatusNotFound
	case payment.KindConflict:
		return http.StatusConflict
	case payment.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type invoiceView struct {
	ID             string               `json:"id"`
	StoreID        string               `json:"storeId"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       string               `json:"currency"`
	Status         repo.InvoiceStatus   `json:"status"`
	CheckoutLink   string               `json:"checkoutLink"`
	Metadata       repo.InvoiceMetadata `json:"metadata"`
	PaymentDetails []repo.PaymentDetail `json:"paymentDetails"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

func newInvoiceView(inv *repo.Invoice) invoiceView {
	details := inv.PaymentDetails
	if details == nil {
		details = []repo.PaymentDetail{}
	}
	return invoiceView{
		ID:             inv.ID,
		StoreID:        inv.MerchantStoreID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Status:         inv.Status,
		CheckoutLink:   inv.CheckoutLink,
		Metadata:       inv.Metadata,
		PaymentDetails: details,
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
}

type orderView struct {
	ID            string           `json:"id"`
	InvoiceID     string           `json:"invoiceId"`
	Items         []repo.OrderItem `json:"items"`
	TotalAmount   decimal.Decimal  `json:"totalAmount"`
	Currency      string           `json:"currency"`
	PaymentMethod string           `json:"paymentMethod"`
	Status        string           `json:"status"`
	StockDeducted bool             `json:"stockDeducted"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

func newOrderView(o *repo.Order) orderView {
	return orderView{
		ID:            o.ID,
		InvoiceID:     o.InvoiceID,
		Items:         o.Items,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
		PaymentMethod: o.PaymentMethod,
		Status:        o.Status,
		StockDeducted: o.StockDeducted,
		Metadata:      o.Metadata,
		CreatedAt:     o.CreatedAt,
	}
}

type productView struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int64           `json:"stock"`
	Image string          `json:"image,omitempty"`
}

func newProductView(p *repo.Product) productView {
	return productView{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock, Image: p.Image}
}
