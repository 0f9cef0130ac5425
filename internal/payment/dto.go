package payment

import (
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/common/validation"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/money"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var supportedMethods = []string{provider.MethodMobileMoney, provider.MethodCard, provider.MethodBankTransfer}

type InitializePaymentRequest struct {
	Reference   string            `json:"reference,omitempty"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Method      string            `json:"method"`
	Provider    string            `json:"provider,omitempty"`
	Customer    provider.Customer `json:"customer"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	ReturnURL   string            `json:"return_url,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

func (r *InitializePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Required().Amount(r.Currency)
	validator.Field("currency", r.Currency).Required().Currency()
	validator.Field("method", r.Method).Required().OneOf(supportedMethods...)
	validator.Field("reference", r.Reference).MaxLength(64)
	validator.Field("description", r.Description).MaxLength(255)
	validator.Field("callback_url", r.CallbackURL).URL()
	validator.Field("return_url", r.ReturnURL).URL()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *InitializePaymentRequest) ToInput() (InitializeRequest, error) {
	amount, err := money.Parse(r.Amount, r.Currency)
	if err != nil {
		return InitializeRequest{}, errors.NewValidationFieldError("amount", err.Error(), errors.ErrCodeInvalidAmount)
	}
	return InitializeRequest{
		Reference:   r.Reference,
		Amount:      amount,
		Currency:    r.Currency,
		Method:      r.Method,
		Provider:    r.Provider,
		Customer:    r.Customer,
		Description: r.Description,
		Metadata:    r.Metadata,
		Options: provider.InitOptions{
			CallbackURL: r.CallbackURL,
			ReturnURL:   r.ReturnURL,
			Extra:       r.Options,
		},
	}, nil
}

// RefundPaymentRequest with no amount refunds the full remainder.
type RefundPaymentRequest struct {
	Reference string  `json:"reference,omitempty"`
	Amount    *string `json:"amount,omitempty"`
	Reason    *string `json:"reason,omitempty"`
}

func (r *RefundPaymentRequest) Validate() error {
	validator := validation.NewValidator()
	validator.Field("reference", r.Reference).MaxLength(64)
	if r.Reason != nil {
		validator.Field("reason", *r.Reason).MaxLength(255)
	}
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *RefundPaymentRequest) ToInput() (RefundInput, error) {
	in := RefundInput{Reference: r.Reference, Reason: r.Reason}
	if r.Amount != nil {
		amount, err := decimal.NewFromString(*r.Amount)
		if err != nil {
			return RefundInput{}, errors.NewValidationFieldError("amount", "amount must be a decimal number", errors.ErrCodeInvalidAmount)
		}
		in.Amount = &amount
	}
	return in, nil
}

type FeeQuoteRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method"`
	Provider string `json:"provider,omitempty"`
}

func (r *FeeQuoteRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Required().Amount(r.Currency)
	validator.Field("currency", r.Currency).Required().Currency()
	validator.Field("method", r.Method).Required().OneOf(supportedMethods...)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *FeeQuoteRequest) ToQuery() (FeeQuery, error) {
	amount, err := money.Parse(r.Amount, r.Currency)
	if err != nil {
		return FeeQuery{}, errors.NewValidationFieldError("amount", err.Error(), errors.ErrCodeInvalidAmount)
	}
	return FeeQuery{Amount: amount, Currency: r.Currency, Method: r.Method, Provider: r.Provider}, nil
}

// PaymentResponse is the public view of a payment. Raw provider metadata is not exposed.
type PaymentResponse struct {
	ID                int64                `json:"id"`
	Reference         string               `json:"reference"`
	Provider          string               `json:"provider"`
	ProviderReference string               `json:"provider_reference,omitempty"`
	Amount            string               `json:"amount"`
	Currency          string               `json:"currency"`
	Method            string               `json:"method"`
	Status            payment.Status       `json:"status"`
	FailureReason     string               `json:"failure_reason,omitempty"`
	Refunds           []RefundResponse     `json:"refunds,omitempty"`
	NextAction        *provider.NextAction `json:"next_action,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

type RefundResponse struct {
	ID                      int64                `json:"id"`
	Reference               string               `json:"reference"`
	Amount                  string               `json:"amount"`
	Reason                  string               `json:"reason,omitempty"`
	ProviderRefundReference string               `json:"provider_refund_reference,omitempty"`
	Status                  payment.RefundStatus `json:"status"`
	CreatedAt               time.Time            `json:"created_at"`
}

func NewPaymentResponse(p *payment.Payment, refunds []*payment.Refund) PaymentResponse {
	resp := PaymentResponse{
		ID:                p.ID,
		Reference:         p.Reference,
		Provider:          p.Provider,
		ProviderReference: p.ProviderRef(),
		Amount:            money.Format(money.FromMinor(p.AmountMinor, p.Currency), p.Currency),
		Currency:          p.Currency,
		Method:            p.Method,
		Status:            p.Status,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.FailureReason != nil {
		resp.FailureReason = *p.FailureReason
	}
	for _, r := range refunds {
		resp.Refunds = append(resp.Refunds, NewRefundResponse(r, p.Currency))
	}
	return resp
}

func NewRefundResponse(r *payment.Refund, currency string) RefundResponse {
	resp := RefundResponse{
		ID:        r.ID,
		Reference: r.Reference,
		Amount:    money.Format(money.FromMinor(r.AmountMinor, currency), currency),
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
	if r.Reason != nil {
		resp.Reason = *r.Reason
	}
	if r.ProviderRefundReference != nil {
		resp.ProviderRefundReference = *r.ProviderRefundReference
	}
	return resp
}
