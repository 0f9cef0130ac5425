// Package cardpay integrates a card and bank transfer acquirer. Amounts go
// over the wire in minor units and requests are authenticated with a
// short-lived signed client assertion.
package cardpay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/money"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

const (
	Driver          = "cardpay"
	SignatureHeader = "Cardpay-Signature"

	assertionTTL     = time.Minute
	defaultTolerance = 5 * time.Minute
)

type Config struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	WebhookSecret string
	Timeout       time.Duration
	// Tolerance bounds the age of a webhook signature timestamp.
	Tolerance  time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

type Adapter struct {
	provider.Capability
	cfg    Config
	client *provider.HTTPClient
	logger *slog.Logger
	now    func() time.Time
}

func New(capability provider.Capability, cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cardpay: base url is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cardpay: api key and secret are required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("cardpay: webhook secret is required")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Capability: capability,
		cfg:        cfg,
		client:     provider.NewHTTPClient(capability.GetName(), cfg.BaseURL, cfg.Timeout, cfg.HTTPClient),
		logger:     logger.With("provider", capability.GetName()),
		now:        now,
	}, nil
}

func Factory(def provider.Definition, deps provider.Deps) (provider.Provider, error) {
	return New(def.Capability(), Config{
		BaseURL:       def.BaseURL,
		APIKey:        def.APIKey,
		APISecret:     def.APISecret,
		WebhookSecret: def.WebhookSecret,
		Timeout:       def.Timeout,
		HTTPClient:    deps.HTTPClient,
		Logger:        deps.Logger,
	})
}

func (a *Adapter) WebhookHeader() string {
	return SignatureHeader
}

// assertion signs a client assertion identifying us to the acquirer.
func (a *Adapter) assertion() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.cfg.APIKey,
		Subject:   a.cfg.APIKey,
		Audience:  jwt.ClaimStrings{a.client.BaseURL()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.APISecret))
}

func (a *Adapter) headers(idempotencyKey string) (http.Header, error) {
	token, err := a.assertion()
	if err != nil {
		return nil, provider.InvalidRequest(a.GetName(), fmt.Sprintf("failed to sign client assertion: %v", err))
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return h, nil
}

type chargeRequest struct {
	MerchantReference string            `json:"merchant_reference"`
	AmountMinor       int64             `json:"amount_minor"`
	Currency          string            `json:"currency"`
	Method            string            `json:"method"`
	Description       string            `json:"description,omitempty"`
	ReturnURL         string            `json:"return_url,omitempty"`
	CallbackURL       string            `json:"callback_url,omitempty"`
	Customer          provider.Customer `json:"customer"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type charge struct {
	ID                string            `json:"id"`
	MerchantReference string            `json:"merchant_reference"`
	AmountMinor       int64             `json:"amount_minor"`
	Currency          string            `json:"currency"`
	State             string            `json:"state"`
	FailureMessage    string            `json:"failure_message"`
	RedirectURL       string            `json:"redirect_url"`
	BankAccount       map[string]string `json:"bank_account"`
	Created           int64             `json:"created"`
}

func (a *Adapter) InitializePayment(ctx context.Context, req provider.PaymentRequest, opts provider.InitOptions) (*provider.InitResult, error) {
	method := strings.ToLower(req.Method)
	if !a.SupportsPaymentMethod(method) {
		return nil, provider.InvalidRequest(a.GetName(), fmt.Sprintf("unsupported payment method %q", req.Method))
	}
	if method == provider.MethodCard && opts.ReturnURL == "" {
		return nil, provider.InvalidRequest(a.GetName(), "return_url is required for card payments")
	}
	if req.Customer.Email == "" {
		return nil, provider.InvalidRequest(a.GetName(), "customer email is required")
	}

	amountMinor, err := money.ToMinor(req.Amount, req.Currency)
	if err != nil {
		return nil, provider.InvalidRequest(a.GetName(), err.Error())
	}

	headers, err := a.headers(req.Reference)
	if err != nil {
		return nil, err
	}

	body := chargeRequest{
		MerchantReference: req.Reference,
		AmountMinor:       amountMinor,
		Currency:          money.Normalize(req.Currency),
		Method:            method,
		Description:       req.Description,
		ReturnURL:         opts.ReturnURL,
		CallbackURL:       opts.CallbackURL,
		Customer:          req.Customer,
		Metadata:          req.Metadata,
	}

	var resp charge
	raw, err := a.client.Do(ctx, http.MethodPost, "/api/charges", headers, body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &provider.Error{Kind: provider.KindUnreachable, Provider: a.GetName(), Message: "response carried no charge id", Raw: raw}
	}

	status, ok := mapState(resp.State)
	if !ok {
		status = payment.StatusPending
	}
	if status == payment.StatusFailed {
		return nil, &provider.Error{Kind: provider.KindRejected, Provider: a.GetName(), Message: nonEmpty(resp.FailureMessage, "charge declined"), Raw: raw}
	}

	next := provider.NextAction{Type: provider.NextActionNone}
	switch {
	case resp.RedirectURL != "":
		next = provider.NextAction{Type: provider.NextActionRedirect, RedirectURL: resp.RedirectURL}
	case len(resp.BankAccount) > 0:
		next = provider.NextAction{
			Type:         provider.NextActionBankTransfer,
			Instructions: "Transfer the exact amount to the account below using the payment reference",
			Data:         resp.BankAccount,
		}
	}

	a.logger.Info("charge created",
		"reference", req.Reference,
		"provider_reference", resp.ID,
		"state", resp.State)

	return &provider.InitResult{
		ProviderReference: resp.ID,
		Status:            status,
		NextAction:        next,
		Raw:               raw,
	}, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, providerReference string) (*provider.NormalizedStatus, error) {
	headers, err := a.headers("")
	if err != nil {
		return nil, err
	}
	var resp charge
	raw, err := a.client.Do(ctx, http.MethodGet, "/api/charges/"+url.PathEscape(providerReference), headers, nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = providerReference
	}
	return a.normalize(resp, raw)
}

func (a *Adapter) LookupPayment(ctx context.Context, merchantReference string) (*provider.NormalizedStatus, error) {
	headers, err := a.headers("")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []charge `json:"data"`
	}
	path := "/api/charges?merchant_reference=" + url.QueryEscape(merchantReference)
	raw, err := a.client.Do(ctx, http.MethodGet, path, headers, nil, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Provider: a.GetName(), Message: "no charge for reference", StatusCode: http.StatusNotFound, Raw: raw}
	}
	return a.normalize(resp.Data[0], raw)
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object charge `json:"object"`
	} `json:"data"`
}

func (a *Adapter) HandleWebhook(payload []byte, headers http.Header) (*provider.NormalizedStatus, error) {
	if err := a.verifySignature(payload, headers.Get(SignatureHeader)); err != nil {
		return nil, err
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, provider.MalformedPayload(a.GetName(), err)
	}
	if event.Data.Object.ID == "" {
		return nil, provider.MalformedPayload(a.GetName(), fmt.Errorf("data.object.id is required"))
	}
	if event.Data.Object.Created == 0 {
		event.Data.Object.Created = event.Created
	}
	return a.normalize(event.Data.Object, json.RawMessage(payload))
}

// verifySignature checks a "t=<unix>,v1=<hex>" header where v1 is the HMAC of "<t>.<body>".
func (a *Adapter) verifySignature(payload []byte, header string) error {
	if header == "" {
		return provider.InvalidSignature(a.GetName(), "missing signature header")
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return provider.InvalidSignature(a.GetName(), "malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return provider.InvalidSignature(a.GetName(), "invalid signature timestamp")
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > a.cfg.Tolerance || age < -a.cfg.Tolerance {
		return provider.InvalidSignature(a.GetName(), "signature timestamp outside tolerance")
	}

	signed := make([]byte, 0, len(timestamp)+1+len(payload))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	for _, sig := range signatures {
		if provider.VerifyHMACSHA256(a.cfg.WebhookSecret, signed, sig) {
			return nil
		}
	}
	return provider.InvalidSignature(a.GetName(), "signature mismatch")
}

// Sign builds a signature header for payload at t. Used by tests and sandbox tooling.
func Sign(secret string, payload []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, provider.SignHMACSHA256(secret, append([]byte(ts+"."), payload...)))
}

type refundRequest struct {
	MerchantReference string `json:"merchant_reference"`
	AmountMinor       int64  `json:"amount_minor"`
	Reason            string `json:"reason,omitempty"`
}

type refund struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	FailureMessage string `json:"failure_message"`
}

func (a *Adapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	if err := provider.CheckRefundable(a.GetName(), req); err != nil {
		return nil, err
	}
	amountMinor, err := money.ToMinor(req.Amount, req.Currency)
	if err != nil {
		return nil, provider.InvalidRequest(a.GetName(), err.Error())
	}
	headers, err := a.headers(req.Reference)
	if err != nil {
		return nil, err
	}

	var resp refund
	path := "/api/charges/" + url.PathEscape(req.ProviderReference) + "/refunds"
	raw, err := a.client.Do(ctx, http.MethodPost, path, headers, refundRequest{
		MerchantReference: req.Reference,
		AmountMinor:       amountMinor,
		Reason:            req.Reason,
	}, &resp)
	if err != nil {
		return nil, err
	}

	status := mapRefundState(resp.State)
	if status == payment.RefundStatusFailed {
		return nil, &provider.Error{Kind: provider.KindRejected, Provider: a.GetName(), Message: nonEmpty(resp.FailureMessage, "refund declined"), Raw: raw}
	}
	return &provider.RefundResult{ProviderRefundReference: resp.ID, Status: status, Raw: raw}, nil
}

// VerifyRefund reads a refund by id, or by merchant reference when no id is known.
func (a *Adapter) VerifyRefund(ctx context.Context, q provider.RefundQuery) (*provider.RefundResult, error) {
	headers, err := a.headers("")
	if err != nil {
		return nil, err
	}

	var found refund
	var raw json.RawMessage
	if q.ProviderRefundReference != "" {
		raw, err = a.client.Do(ctx, http.MethodGet, "/api/refunds/"+url.PathEscape(q.ProviderRefundReference), headers, nil, &found)
	} else {
		var resp struct {
			Data []refund `json:"data"`
		}
		path := "/api/charges/" + url.PathEscape(q.ProviderReference) + "/refunds?merchant_reference=" + url.QueryEscape(q.Reference)
		raw, err = a.client.Do(ctx, http.MethodGet, path, headers, nil, &resp)
		if err == nil && len(resp.Data) > 0 {
			found = resp.Data[0]
		}
	}
	if err != nil {
		return nil, err
	}
	if found.ID == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Provider: a.GetName(), Message: "no refund for reference", StatusCode: http.StatusNotFound, Raw: raw}
	}
	return &provider.RefundResult{ProviderRefundReference: found.ID, Status: mapRefundState(found.State), Raw: raw}, nil
}

func mapRefundState(state string) payment.RefundStatus {
	switch strings.ToLower(state) {
	case "succeeded", "refunded":
		return payment.RefundStatusSucceeded
	case "failed", "declined":
		return payment.RefundStatusFailed
	}
	return payment.RefundStatusPending
}

func (a *Adapter) normalize(c charge, raw json.RawMessage) (*provider.NormalizedStatus, error) {
	status, ok := mapState(c.State)
	if !ok {
		return nil, provider.MalformedPayload(a.GetName(), fmt.Errorf("unknown charge state %q", c.State))
	}
	ns := &provider.NormalizedStatus{
		Provider:          a.GetName(),
		ProviderReference: c.ID,
		MerchantReference: c.MerchantReference,
		Status:            status,
		Currency:          money.Normalize(c.Currency),
		FailureReason:     c.FailureMessage,
		Raw:               raw,
	}
	if c.Currency != "" {
		ns.Amount = money.FromMinor(c.AmountMinor, c.Currency)
	}
	if c.Created > 0 {
		ns.OccurredAt = time.Unix(c.Created, 0).UTC()
	}
	return ns, nil
}

func mapState(s string) (payment.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "requires_action", "pending", "awaiting_transfer":
		return payment.StatusPending, true
	case "processing", "authorized":
		return payment.StatusProcessing, true
	case "succeeded", "captured", "paid":
		return payment.StatusSucceeded, true
	case "failed", "declined", "canceled", "cancelled":
		return payment.StatusFailed, true
	case "expired":
		return payment.StatusExpired, true
	}
	return "", false
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
