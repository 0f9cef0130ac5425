// Package momo integrates a mobile money collections API. Customers approve
// a USSD prompt on their handset and the provider notifies us by webhook.
package momo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/money"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

const (
	Driver          = "momo"
	SignatureHeader = "X-Momo-Signature"
	referenceHeader = "X-Reference-Id"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

type Adapter struct {
	provider.Capability
	apiKey        string
	webhookSecret string
	client        *provider.HTTPClient
	logger        *slog.Logger
}

func New(capability provider.Capability, cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("momo: base url is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("momo: webhook secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Capability:    capability,
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		client:        provider.NewHTTPClient(capability.GetName(), cfg.BaseURL, cfg.Timeout, cfg.HTTPClient),
		logger:        logger.With("provider", capability.GetName()),
	}, nil
}

// Factory builds the adapter from a registry definition.
func Factory(def provider.Definition, deps provider.Deps) (provider.Provider, error) {
	return New(def.Capability(), Config{
		BaseURL:       def.BaseURL,
		APIKey:        def.APIKey,
		WebhookSecret: def.WebhookSecret,
		Timeout:       def.Timeout,
		HTTPClient:    deps.HTTPClient,
		Logger:        deps.Logger,
	})
}

func (a *Adapter) WebhookHeader() string {
	return SignatureHeader
}

type collectionRequest struct {
	ExternalReference string `json:"external_reference"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	MSISDN            string `json:"msisdn"`
	Description       string `json:"description,omitempty"`
	CallbackURL       string `json:"callback_url,omitempty"`
}

// collection is the provider's representation of a payment, shared by the
// create, status and webhook endpoints.
type collection struct {
	Reference         string          `json:"reference"`
	ExternalReference string          `json:"external_reference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason"`
	USSDCode          string          `json:"ussd_code"`
	OccurredAt        *time.Time      `json:"occurred_at"`
}

func (a *Adapter) headers(reference string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.apiKey)
	if reference != "" {
		h.Set(referenceHeader, reference)
	}
	return h
}

func (a *Adapter) InitializePayment(ctx context.Context, req provider.PaymentRequest, opts provider.InitOptions) (*provider.InitResult, error) {
	phone := req.Customer.Phone
	if phone == "" {
		phone = opts.Extra["phone"]
	}
	if phone == "" {
		return nil, provider.InvalidRequest(a.GetName(), "customer phone number is required for mobile money")
	}
	if !a.SupportsPaymentMethod(req.Method) {
		return nil, provider.InvalidRequest(a.GetName(), fmt.Sprintf("unsupported payment method %q", req.Method))
	}

	body := collectionRequest{
		ExternalReference: req.Reference,
		Amount:            money.Format(req.Amount, req.Currency),
		Currency:          money.Normalize(req.Currency),
		MSISDN:            normalizeMSISDN(phone),
		Description:       req.Description,
		CallbackURL:       opts.CallbackURL,
	}

	var resp collection
	raw, err := a.client.Do(ctx, http.MethodPost, "/v1/collections", a.headers(req.Reference), body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Reference == "" {
		return nil, &provider.Error{Kind: provider.KindUnreachable, Provider: a.GetName(), Message: "response carried no reference", Raw: raw}
	}

	status, ok := mapStatus(resp.Status)
	if !ok {
		status = payment.StatusPending
	}
	if status == payment.StatusFailed {
		return nil, &provider.Error{Kind: provider.KindRejected, Provider: a.GetName(), Message: nonEmpty(resp.Reason, "collection rejected"), Raw: raw}
	}

	instructions := "Approve the payment prompt on your phone"
	if resp.USSDCode != "" {
		instructions = fmt.Sprintf("Dial %s to approve the payment", resp.USSDCode)
	}

	a.logger.Info("mobile money collection requested",
		"reference", req.Reference,
		"provider_reference", resp.Reference,
		"status", resp.Status)

	return &provider.InitResult{
		ProviderReference: resp.Reference,
		Status:            status,
		NextAction: provider.NextAction{
			Type:         provider.NextActionUSSDPrompt,
			Instructions: instructions,
			Data:         map[string]string{"ussd_code": resp.USSDCode},
		},
		Raw: raw,
	}, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, providerReference string) (*provider.NormalizedStatus, error) {
	var resp collection
	raw, err := a.client.Do(ctx, http.MethodGet, "/v1/collections/"+url.PathEscape(providerReference), a.headers(""), nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Reference == "" {
		resp.Reference = providerReference
	}
	return a.normalize(resp, raw)
}

func (a *Adapter) LookupPayment(ctx context.Context, merchantReference string) (*provider.NormalizedStatus, error) {
	var resp collection
	path := "/v1/collections?external_reference=" + url.QueryEscape(merchantReference)
	raw, err := a.client.Do(ctx, http.MethodGet, path, a.headers(""), nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Reference == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Provider: a.GetName(), Message: "no collection for reference", StatusCode: http.StatusNotFound, Raw: raw}
	}
	return a.normalize(resp, raw)
}

func (a *Adapter) HandleWebhook(payload []byte, headers http.Header) (*provider.NormalizedStatus, error) {
	signature := headers.Get(SignatureHeader)
	if signature == "" {
		return nil, provider.InvalidSignature(a.GetName(), "missing signature header")
	}
	if !provider.VerifyHMACSHA256(a.webhookSecret, payload, signature) {
		return nil, provider.InvalidSignature(a.GetName(), "signature mismatch")
	}

	var body collection
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, provider.MalformedPayload(a.GetName(), err)
	}
	if body.Reference == "" {
		return nil, provider.MalformedPayload(a.GetName(), fmt.Errorf("reference is required"))
	}
	return a.normalize(body, json.RawMessage(payload))
}

type refundRequest struct {
	ExternalReference string `json:"external_reference"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Reason            string `json:"reason,omitempty"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

func (a *Adapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	if err := provider.CheckRefundable(a.GetName(), req); err != nil {
		return nil, err
	}

	body := refundRequest{
		ExternalReference: req.Reference,
		Amount:            money.Format(req.Amount, req.Currency),
		Currency:          money.Normalize(req.Currency),
		Reason:            req.Reason,
	}

	var resp refundResponse
	path := "/v1/collections/" + url.PathEscape(req.ProviderReference) + "/refunds"
	raw, err := a.client.Do(ctx, http.MethodPost, path, a.headers(req.Reference), body, &resp)
	if err != nil {
		return nil, err
	}

	status := mapRefundStatus(resp.Status)
	if status == payment.RefundStatusFailed {
		return nil, &provider.Error{Kind: provider.KindRejected, Provider: a.GetName(), Message: nonEmpty(resp.Reason, "refund rejected"), Raw: raw}
	}
	return &provider.RefundResult{
		ProviderRefundReference: resp.RefundID,
		Status:                  status,
		Raw:                     raw,
	}, nil
}

// VerifyRefund reads a refund by its provider id, or by our refund reference
// when the refund call ended before an id was returned.
func (a *Adapter) VerifyRefund(ctx context.Context, q provider.RefundQuery) (*provider.RefundResult, error) {
	path := "/v1/collections/" + url.PathEscape(q.ProviderReference) + "/refunds"
	if q.ProviderRefundReference != "" {
		path += "/" + url.PathEscape(q.ProviderRefundReference)
	} else {
		path += "?external_reference=" + url.QueryEscape(q.Reference)
	}

	var resp refundResponse
	raw, err := a.client.Do(ctx, http.MethodGet, path, a.headers(""), nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.RefundID == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Provider: a.GetName(), Message: "no refund for reference", StatusCode: http.StatusNotFound, Raw: raw}
	}
	return &provider.RefundResult{
		ProviderRefundReference: resp.RefundID,
		Status:                  mapRefundStatus(resp.Status),
		Raw:                     raw,
	}, nil
}

func (a *Adapter) normalize(c collection, raw json.RawMessage) (*provider.NormalizedStatus, error) {
	status, ok := mapStatus(c.Status)
	if !ok {
		return nil, provider.MalformedPayload(a.GetName(), fmt.Errorf("unknown status %q", c.Status))
	}
	ns := &provider.NormalizedStatus{
		Provider:          a.GetName(),
		ProviderReference: c.Reference,
		MerchantReference: c.ExternalReference,
		Status:            status,
		Amount:            c.Amount,
		Currency:          money.Normalize(c.Currency),
		FailureReason:     c.Reason,
		Raw:               raw,
	}
	if c.OccurredAt != nil {
		ns.OccurredAt = c.OccurredAt.UTC()
	}
	return ns, nil
}

func mapStatus(s string) (payment.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "created", "initiated":
		return payment.StatusPending, true
	case "processing", "accepted", "ongoing":
		return payment.StatusProcessing, true
	case "success", "successful", "succeeded", "completed":
		return payment.StatusSucceeded, true
	case "failed", "rejected", "cancelled", "canceled", "declined":
		return payment.StatusFailed, true
	case "expired", "timeout", "timed_out":
		return payment.StatusExpired, true
	}
	return "", false
}

func mapRefundStatus(s string) payment.RefundStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "succeeded", "completed":
		return payment.RefundStatusSucceeded
	case "failed", "rejected", "declined":
		return payment.RefundStatusFailed
	}
	return payment.RefundStatusPending
}

// normalizeMSISDN strips formatting characters from a phone number.
func normalizeMSISDN(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
