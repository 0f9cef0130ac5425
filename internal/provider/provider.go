// Package provider defines the uniform contract every payment processor
// adapter implements, plus the registry that routes to them.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
)

const (
	MethodMobileMoney  = "mobile_money"
	MethodCard         = "card"
	MethodBankTransfer = "bank_transfer"
)

type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// PaymentRequest is what an adapter needs to start collecting a payment.
// Reference is our merchant reference and is sent to the provider so the
// payment can be looked up when the provider reference is unknown.
type PaymentRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Method      string
	Customer    Customer
	Description string
	Metadata    map[string]string
}

type InitOptions struct {
	CallbackURL string
	ReturnURL   string
	Extra       map[string]string
}

const (
	NextActionNone         = "none"
	NextActionRedirect     = "redirect"
	NextActionUSSDPrompt   = "ussd_prompt"
	NextActionBankTransfer = "bank_transfer"
)

// NextAction tells the client how to complete the payment.
type NextAction struct {
	Type         string            `json:"type"`
	RedirectURL  string            `json:"redirect_url,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type InitResult struct {
	ProviderReference string          `json:"provider_reference"`
	Status            payment.Status  `json:"status"`
	NextAction        NextAction      `json:"next_action"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// NormalizedStatus is a provider-agnostic view of a payment's state, produced
// by webhook parsing, verification and lookups alike.
type NormalizedStatus struct {
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference"`
	MerchantReference string          `json:"merchant_reference,omitempty"`
	Status            payment.Status  `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// RefundRequest always carries an explicit amount. Remaining is the
// refundable remainder as known by the caller.
type RefundRequest struct {
	ProviderReference string
	Reference         string
	Amount            decimal.Decimal
	Remaining         decimal.Decimal
	Currency          string
	Reason            string
}

type RefundResult struct {
	ProviderRefundReference string               `json:"provider_refund_reference"`
	Status                  payment.RefundStatus `json:"status"`
	Raw                     json.RawMessage      `json:"raw,omitempty"`
}

// RefundQuery identifies a refund at the provider. ProviderRefundReference is
// empty when the refund call ended before the provider answered.
type RefundQuery struct {
	ProviderReference       string
	ProviderRefundReference string
	Reference               string
}

type FeeBreakdown struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	PercentageFee decimal.Decimal `json:"percentage_fee"`
	FixedFee      decimal.Decimal `json:"fixed_fee"`
	Fee           decimal.Decimal `json:"fee"`
	Net           decimal.Decimal `json:"net"`
	Capped        bool            `json:"capped,omitempty"`
}

type Provider interface {
	GetName() string
	GetSupportedCurrencies() []string
	GetSupportedPaymentMethods() []string
	SupportsCurrency(currency string) bool
	SupportsPaymentMethod(method string) bool

	// CalculateFees performs no I/O. Callers check support first.
	CalculateFees(amount decimal.Decimal, currency, method string) FeeBreakdown

	InitializePayment(ctx context.Context, req PaymentRequest, opts InitOptions) (*InitResult, error)
	VerifyPayment(ctx context.Context, providerReference string) (*NormalizedStatus, error)

	// HandleWebhook validates and parses an inbound notification locally. It
	// never performs network calls.
	HandleWebhook(payload []byte, headers http.Header) (*NormalizedStatus, error)

	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// ReferenceLookup is implemented by providers that can find a payment by our
// merchant reference, used when initialization ended ambiguously.
type ReferenceLookup interface {
	LookupPayment(ctx context.Context, merchantReference string) (*NormalizedStatus, error)
}

// RefundLookup is implemented by providers that can report the current state
// of a refund. A refund the provider never received is reported as KindInvalidRequest.
type RefundLookup interface {
	VerifyRefund(ctx context.Context, q RefundQuery) (*RefundResult, error)
}

// WebhookIdentifier is implemented by providers that mark their webhooks with
// a distinctive header.
type WebhookIdentifier interface {
	WebhookHeader() string
}

type wrapper interface {
	Unwrap() Provider
}

func unwrap(p Provider) Provider {
	for {
		w, ok := p.(wrapper)
		if !ok {
			return p
		}
		p = w.Unwrap()
	}
}

// AsLookup returns p as a ReferenceLookup when the underlying adapter supports it.
func AsLookup(p Provider) (ReferenceLookup, bool) {
	if _, ok := unwrap(p).(ReferenceLookup); !ok {
		return nil, false
	}
	l, ok := p.(ReferenceLookup)
	return l, ok
}

// AsRefundLookup returns p as a RefundLookup when the underlying adapter supports it.
func AsRefundLookup(p Provider) (RefundLookup, bool) {
	if _, ok := unwrap(p).(RefundLookup); !ok {
		return nil, false
	}
	l, ok := p.(RefundLookup)
	return l, ok
}

// WebhookHeaderOf returns the identifying webhook header of p, if any.
func WebhookHeaderOf(p Provider) string {
	if id, ok := unwrap(p).(WebhookIdentifier); ok {
		return id.WebhookHeader()
	}
	return ""
}
