package btcpay

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Invoice statuses as reported by the Greenfield API.
const (
	StatusNew        = "New"
	StatusProcessing = "Processing"
	StatusSettled    = "Settled"
	StatusExpired    = "Expired"
	StatusInvalid    = "Invalid"
)

// Store mirrors a Greenfield store.
type Store struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Website              string `json:"website,omitempty"`
	DefaultCurrency      string `json:"defaultCurrency,omitempty"`
	SpeedPolicy          string `json:"speedPolicy,omitempty"`
	InvoiceExpiration    int    `json:"invoiceExpiration,omitempty"`
	MonitoringExpiration int    `json:"monitoringExpiration,omitempty"`
}

// StoreRequest is the body of store create and update calls.
type StoreRequest struct {
	Name            string `json:"name"`
	Website         string `json:"website,omitempty"`
	DefaultCurrency string `json:"defaultCurrency,omitempty"`
}

// CheckoutOptions configures the hosted checkout of an invoice.
type CheckoutOptions struct {
	SpeedPolicy           string   `json:"speedPolicy,omitempty"`
	PaymentMethods        []string `json:"paymentMethods,omitempty"`
	DefaultPaymentMethod  string   `json:"defaultPaymentMethod,omitempty"`
	ExpirationMinutes     int      `json:"expirationMinutes,omitempty"`
	MonitoringMinutes     int      `json:"monitoringMinutes,omitempty"`
	PaymentTolerance      float64  `json:"paymentTolerance,omitempty"`
	RedirectURL           string   `json:"redirectURL,omitempty"`
	RedirectAutomatically bool     `json:"redirectAutomatically,omitempty"`
	DefaultLanguage       string   `json:"defaultLanguage,omitempty"`
}

// CreateInvoiceRequest is the body of an invoice creation call.
type CreateInvoiceRequest struct {
	Amount   decimal.Decimal  `json:"amount"`
	Currency string           `json:"currency"`
	Metadata json.RawMessage  `json:"metadata,omitempty"`
	Checkout *CheckoutOptions `json:"checkout,omitempty"`
}

// Invoice mirrors a Greenfield invoice.
type Invoice struct {
	ID                   string           `json:"id"`
	StoreID              string           `json:"storeId"`
	Amount               decimal.Decimal  `json:"amount"`
	Currency             string           `json:"currency"`
	Type                 string           `json:"type,omitempty"`
	CheckoutLink         string           `json:"checkoutLink"`
	Status               string           `json:"status"`
	AdditionalStatus     string           `json:"additionalStatus,omitempty"`
	CreatedTime          int64            `json:"createdTime,omitempty"`
	ExpirationTime       int64            `json:"expirationTime,omitempty"`
	MonitoringExpiration int64            `json:"monitoringExpiration,omitempty"`
	Metadata             json.RawMessage  `json:"metadata,omitempty"`
	Checkout             *CheckoutOptions `json:"checkout,omitempty"`
}

// InvoicePaymentMethod describes how an invoice can be paid with one payment method.
type InvoicePaymentMethod struct {
	PaymentMethodID   string          `json:"paymentMethodId"`
	Destination       string          `json:"destination"`
	PaymentLink       string          `json:"paymentLink,omitempty"`
	Rate              decimal.Decimal `json:"rate"`
	PaymentMethodPaid decimal.Decimal `json:"paymentMethodPaid"`
	TotalPaid         decimal.Decimal `json:"totalPaid"`
	Due               decimal.Decimal `json:"due"`
	Amount            decimal.Decimal `json:"amount"`
	NetworkFee        decimal.Decimal `json:"networkFee"`
}

// AuthorizedEvents selects which events a webhook receives.
type AuthorizedEvents struct {
	Everything     bool     `json:"everything"`
	SpecificEvents []string `json:"specificEvents,omitempty"`
}

// WebhookRequest is the body of a webhook registration.
type WebhookRequest struct {
	URL                 string           `json:"url"`
	Enabled             bool             `json:"enabled"`
	AutomaticRedelivery bool             `json:"automaticRedelivery"`
	AuthorizedEvents    AuthorizedEvents `json:"authorizedEvents"`
	Secret              string           `json:"secret,omitempty"`
}

// Webhook mirrors a registered webhook.
type Webhook struct {
	ID                  string           `json:"id"`
	URL                 string           `json:"url"`
	Enabled             bool             `json:"enabled"`
	AutomaticRedelivery bool             `json:"automaticRedelivery"`
	AuthorizedEvents    AuthorizedEvents `json:"authorizedEvents"`
	Secret              string           `json:"secret,omitempty"`
}

// GenerateWalletRequest asks the server to create a hot or watch-only wallet.
type GenerateWalletRequest struct {
	ExistingMnemonic string `json:"existingMnemonic,omitempty"`
	Passphrase       string `json:"passphrase,omitempty"`
	AccountNumber    int    `json:"accountNumber,omitempty"`
	SavePrivateKeys  bool   `json:"savePrivateKeys"`
	ImportKeysToRPC  bool   `json:"importKeysToRPC"`
	WordList         string `json:"wordList,omitempty"`
	WordCount        int    `json:"wordCount,omitempty"`
	ScriptPubKeyType string `json:"scriptPubKeyType,omitempty"`
}

// OnChainPaymentMethodRequest configures the on-chain payment method of a store.
type OnChainPaymentMethodRequest struct {
	Enabled          bool   `json:"enabled"`
	DerivationScheme string `json:"derivationScheme"`
	Label            string `json:"label,omitempty"`
	AccountKeyPath   string `json:"accountKeyPath,omitempty"`
}

// WalletOverview summarises the on-chain wallet balance.
type WalletOverview struct {
	Balance            decimal.Decimal `json:"balance"`
	UnconfirmedBalance decimal.Decimal `json:"unconfirmedBalance"`
	ConfirmedBalance   decimal.Decimal `json:"confirmedBalance"`
	Label              string          `json:"label,omitempty"`
}

// TransactionDestination is one output of an on-chain send.
type TransactionDestination struct {
	Destination        string           `json:"destination"`
	Amount             *decimal.Decimal `json:"amount,omitempty"`
	SubtractFromAmount bool             `json:"subtractFromAmount"`
}

// CreateTransactionRequest builds and broadcasts an on-chain transaction.
type CreateTransactionRequest struct {
	Destinations         []TransactionDestination `json:"destinations"`
	FeeRate              decimal.Decimal          `json:"feerate"`
	ProceedWithBroadcast bool                     `json:"proceedWithBroadcast"`
	NoChange             bool                     `json:"noChange,omitempty"`
}

// Transaction is the result of an on-chain send.
type Transaction struct {
	TransactionHash string          `json:"transactionHash"`
	Comment         string          `json:"comment,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	BlockHash       string          `json:"blockHash,omitempty"`
	BlockHeight     int64           `json:"blockHeight,omitempty"`
	Confirmations   int64           `json:"confirmations,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
	Status          string          `json:"status,omitempty"`
}

// PullPayment mirrors a Greenfield pull payment.
type PullPayment struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Period      int64           `json:"period,omitempty"`
	StartsAt    int64           `json:"startsAt,omitempty"`
	ExpiresAt   int64           `json:"expiresAt,omitempty"`
	Archived    bool            `json:"archived"`
}

// CreatePullPaymentRequest is the body of a pull payment creation.
type CreatePullPaymentRequest struct {
	Name           string          `json:"name,omitempty"`
	Description    string          `json:"description,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Period         int64           `json:"period,omitempty"`
	StartsAt       int64           `json:"startsAt,omitempty"`
	ExpiresAt      int64           `json:"expiresAt,omitempty"`
	PaymentMethods []string        `json:"paymentMethods,omitempty"`
}

// Payout states.
const (
	PayoutAwaitingApproval = "AwaitingApproval"
	PayoutAwaitingPayment  = "AwaitingPayment"
	PayoutInProgress       = "InProgress"
	PayoutCompleted        = "Completed"
	PayoutCancelled        = "Cancelled"
)

// Payout mirrors a Greenfield payout.
type Payout struct {
	ID            string          `json:"id"`
	PullPaymentID string          `json:"pullPaymentId"`
	Destination   string          `json:"destination"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	State         string          `json:"state"`
}

// CreatePayoutRequest claims funds from a pull payment.
type CreatePayoutRequest struct {
	Destination   string          `json:"destination"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

// ApprovePayoutRequest approves a payout, optionally pinning a rate revision.
type ApprovePayoutRequest struct {
	Revision int    `json:"revision"`
	RateRule string `json:"rateRule,omitempty"`
}

// Rate is one entry of the store rate endpoint.
type Rate struct {
	CurrencyPair string          `json:"currencyPair"`
	Errors       []string        `json:"errors,omitempty"`
	Rate         decimal.Decimal `json:"rate"`
}
