package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
	"github.com/aliuwahab/kitua-sub001/internal/core/money"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

const (
	defaultPersistTimeout = 10 * time.Second
	maxSwapAttempts       = 3
)

type Options struct {
	// CallTimeout bounds every outbound provider call.
	CallTimeout time.Duration
	Observer    TransitionObserver
}

type Service struct {
	repo        RepositoryAPI
	registry    Registry
	tx          Transactor
	events      EventRecorder
	logger      *slog.Logger
	callTimeout time.Duration
	observer    TransitionObserver
}

func NewService(repo RepositoryAPI, registry Registry, tx Transactor, recorder EventRecorder, logger *slog.Logger, opts Options) *Service {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = apperrors.DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		registry:    registry,
		tx:          tx,
		events:      recorder,
		logger:      logger,
		callTimeout: opts.CallTimeout,
		observer:    opts.Observer,
	}
}

func (s *Service) resolve(currency, method, name string) (provider.Provider, error) {
	if name == "" {
		return s.registry.Resolve(currency, method)
	}
	p, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !p.SupportsCurrency(currency) || !p.SupportsPaymentMethod(method) {
		return nil, fmt.Errorf("%w: %s does not support %s/%s", provider.ErrNoProviderSupportsCombination, p.GetName(), currency, method)
	}
	return p, nil
}

func (s *Service) InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	currency := money.Normalize(req.Currency)
	method := strings.ToLower(strings.TrimSpace(req.Method))

	if err := money.Validate(req.Amount, currency); err != nil {
		return nil, invalidAmount(err)
	}
	amountMinor, err := money.ToMinor(req.Amount, currency)
	if err != nil {
		return nil, invalidAmount(err)
	}

	adapter, err := s.resolve(currency, method, req.Provider)
	if err != nil {
		s.logger.Warn("payment routing failed", "currency", currency, "method", method, "provider", req.Provider, "error", err)
		return nil, NormalizeError(err)
	}

	reference := req.Reference
	if reference == "" {
		reference = "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	p := &payment.Payment{
		Reference:   reference,
		Provider:    adapter.GetName(),
		AmountMinor: amountMinor,
		Currency:    currency,
		Method:      method,
		Status:      payment.StatusCreated,
		Metadata:    encodeMetadata(nil, "request", req.Metadata),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("failed to create payment record", "error", err, "reference", reference)
		return nil, apperrors.NewInternalError("failed to create payment", err)
	}

	callCtx, cancel := apperrors.WithTimeout(ctx, s.callTimeout)
	res, callErr := adapter.InitializePayment(callCtx, provider.PaymentRequest{
		Reference:   reference,
		Amount:      req.Amount,
		Currency:    currency,
		Method:      method,
		Customer:    req.Customer,
		Description: req.Description,
		Metadata:    req.Metadata,
	}, req.Options)
	cancel()

	// the outcome is persisted even if the caller has gone away
	persistCtx, cancelPersist := apperrors.Detached(ctx, defaultPersistTimeout)
	defer cancelPersist()

	if callErr != nil {
		return nil, s.recordInitFailure(persistCtx, p, callErr)
	}

	next := payment.StatusPending
	if res.Status == payment.StatusProcessing || res.Status == payment.StatusSucceeded {
		next = res.Status
	}
	ref := res.ProviderReference
	changes := Changes{Metadata: encodeMetadata(p.Metadata, "initialize", res.Raw)}
	if ref != "" {
		changes.ProviderReference = &ref
	}

	if err := s.tx.WithTransaction(persistCtx, func(ctx context.Context) error {
		return s.walk(ctx, p, next, changes, events.SourceInitialize)
	}); err != nil {
		s.logger.Error("failed to persist initialized payment",
			"error", err,
			"payment_id", p.ID,
			"provider", p.Provider,
			"provider_reference", ref)
		return nil, apperrors.NewInternalError("failed to record payment initialization", err)
	}

	s.logger.Info("payment initialized",
		"payment_id", p.ID,
		"reference", p.Reference,
		"provider", p.Provider,
		"provider_reference", ref,
		"status", p.Status)

	return &InitializeResult{Payment: p, NextAction: res.NextAction}, nil
}

// recordInitFailure leaves an ambiguous payment pending for reconciliation and
// fails a definitively refused one.
func (s *Service) recordInitFailure(ctx context.Context, p *payment.Payment, callErr error) error {
	appErr := NormalizeError(callErr)
	next := payment.StatusFailed
	changes := Changes{Metadata: encodeMetadata(p.Metadata, "initialize_error", map[string]string{
		"code":    string(appErr.Code),
		"message": appErr.Message,
	})}
	if isAmbiguous(callErr) {
		next = payment.StatusPending
	} else {
		reason := appErr.Message
		changes.FailureReason = &reason
	}

	if err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		return s.walk(ctx, p, next, changes, events.SourceInitialize)
	}); err != nil {
		s.logger.Error("failed to record payment initialization failure", "error", err, "payment_id", p.ID)
	}

	s.logger.Warn("payment initialization failed",
		"payment_id", p.ID,
		"provider", p.Provider,
		"status", p.Status,
		"code", appErr.Code,
		"error", callErr)

	out := *appErr
	out.Details = map[string]interface{}{
		"payment_id": p.ID,
		"reference":  p.Reference,
		"status":     p.Status,
		"provider":   p.Provider,
	}
	return &out
}

// walk moves p to target through the allowed intermediate statuses inside the
// current transaction, emitting one event per step. Changes go with the first step.
func (s *Service) walk(ctx context.Context, p *payment.Payment, target payment.Status, changes Changes, source string) error {
	steps := path(p.Status, target)
	if steps == nil {
		s.logger.Error("invalid payment status transition",
			"payment_id", p.ID,
			"old_status", p.Status,
			"new_status", target,
			"source", source)
		return apperrors.ErrInvalidStateTransition
	}
	for i, next := range steps {
		c := Changes{}
		if i == 0 {
			c = changes
		}
		if err := s.swap(ctx, p, next, c, source); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) swap(ctx context.Context, p *payment.Payment, next payment.Status, changes Changes, source string) error {
	from := p.Status
	if err := s.repo.CompareAndSwapStatus(ctx, p.ID, from, next, changes); err != nil {
		return err
	}
	p.Status = next
	if changes.ProviderReference != nil && p.ProviderReference == nil {
		ref := *changes.ProviderReference
		p.ProviderReference = &ref
	}
	if changes.Metadata != nil {
		p.Metadata = changes.Metadata
	}
	if changes.FailureReason != nil {
		p.FailureReason = changes.FailureReason
	}

	event := events.NewPaymentStatusChangedEvent(p.ID, p.Reference, p.Provider, p.ProviderRef(),
		string(from), string(next), p.AmountMinor, p.Currency, source)
	if err := s.events.Append(ctx, p.ID, event); err != nil {
		return fmt.Errorf("failed to record status event: %w", err)
	}
	if s.observer != nil {
		s.observer.ObserveTransition(p.Provider, from, next, source)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id int64) (*payment.Payment, error) {
	p, err := s.repo.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.ErrPaymentNotFound
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load payment", err)
	}
	return p, nil
}

// VerifyPayment pulls the current status from the provider. Payments with
// nothing left for the provider to decide are returned without a call.
func (s *Service) VerifyPayment(ctx context.Context, id int64) (*payment.Payment, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, p, events.SourceVerify)
}

func (s *Service) verify(ctx context.Context, p *payment.Payment, source string) (*payment.Payment, error) {
	if p.Status.IsTerminal() || p.Status == payment.StatusRefunding || p.Status == payment.StatusCreated {
		return p, nil
	}
	adapter, err := s.registry.Get(p.Provider)
	if err != nil {
		return nil, NormalizeError(err)
	}

	callCtx, cancel := apperrors.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var ns *provider.NormalizedStatus
	if ref := p.ProviderRef(); ref != "" {
		ns, err = adapter.VerifyPayment(callCtx, ref)
	} else if lookup, ok := provider.AsLookup(adapter); ok {
		ns, err = lookup.LookupPayment(callCtx, p.Reference)
	} else {
		return p, nil
	}
	if err != nil {
		s.logger.Warn("payment verification failed", "payment_id", p.ID, "provider", p.Provider, "error", err)
		return nil, NormalizeError(err)
	}
	if ns.Provider == "" {
		ns.Provider = p.Provider
	}
	if ns.MerchantReference == "" {
		ns.MerchantReference = p.Reference
	}

	persistCtx, cancelPersist := apperrors.Detached(ctx, defaultPersistTimeout)
	defer cancelPersist()

	res, err := s.applyStatus(persistCtx, p.Provider, ns, source, nil)
	if err != nil {
		return nil, err
	}
	return res.Payment, nil
}

// ApplyProviderStatus applies a webhook status. within runs in the same
// transaction as the status change so the caller can record the outcome atomically.
func (s *Service) ApplyProviderStatus(ctx context.Context, providerName string, ns *provider.NormalizedStatus, within func(ctx context.Context, res ApplyResult) error) (ApplyResult, error) {
	return s.applyStatus(ctx, providerName, ns, events.SourceWebhook, within)
}

func (s *Service) applyStatus(ctx context.Context, providerName string, ns *provider.NormalizedStatus, source string, within func(ctx context.Context, res ApplyResult) error) (ApplyResult, error) {
	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		var res ApplyResult
		err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
			p, err := s.locate(ctx, providerName, ns)
			if err != nil {
				return err
			}
			res = ApplyResult{Payment: p, From: p.Status, To: p.Status}
			res.Outcome, res.Reason = decideProviderUpdate(p, ns)

			switch res.Outcome {
			case OutcomeApplied:
				changes := Changes{Metadata: encodeMetadata(p.Metadata, source, ns.Raw)}
				if p.ProviderReference == nil && ns.ProviderReference != "" {
					ref := ns.ProviderReference
					changes.ProviderReference = &ref
				}
				if ns.FailureReason != "" && ns.Status == payment.StatusFailed {
					reason := ns.FailureReason
					changes.FailureReason = &reason
				}
				if err := s.walk(ctx, p, ns.Status, changes, source); err != nil {
					return err
				}
				res.To = p.Status
			case OutcomeNoop:
				if p.ProviderReference == nil && ns.ProviderReference != "" {
					ref := ns.ProviderReference
					if err := s.repo.CompareAndSwapStatus(ctx, p.ID, p.Status, p.Status, Changes{ProviderReference: &ref}); err != nil {
						return err
					}
					p.ProviderReference = &ref
				}
			case OutcomeDiscarded:
				s.logger.Warn("provider status discarded",
					"payment_id", p.ID,
					"provider", providerName,
					"provider_reference", ns.ProviderReference,
					"status", p.Status,
					"reported_status", ns.Status,
					"reason", res.Reason,
					"source", source)
				if s.observer != nil {
					s.observer.ObserveDiscarded(providerName, res.Reason)
				}
			}

			if within != nil {
				return within(ctx, res)
			}
			return nil
		})
		if errors.Is(err, ErrStatusConflict) {
			s.logger.Debug("payment changed concurrently, retrying", "provider", providerName, "provider_reference", ns.ProviderReference, "attempt", attempt)
			continue
		}
		if err != nil {
			if _, ok := apperrors.IsAppError(err); ok {
				return res, err
			}
			return res, apperrors.NewInternalError("failed to apply provider status", err)
		}
		if res.Outcome == OutcomeApplied {
			s.logger.Info("payment status updated",
				"payment_id", res.Payment.ID,
				"provider", providerName,
				"provider_reference", res.Payment.ProviderRef(),
				"old_status", res.From,
				"new_status", res.To,
				"source", source)
		}
		return res, nil
	}
	return ApplyResult{}, apperrors.NewConflictError("Payment was updated concurrently", apperrors.ErrCodeConcurrentUpdate)
}

// locate finds the payment by provider reference, falling back to the merchant reference.
func (s *Service) locate(ctx context.Context, providerName string, ns *provider.NormalizedStatus) (*payment.Payment, error) {
	if ns.ProviderReference != "" {
		p, err := s.repo.GetByProviderReference(ctx, providerName, ns.ProviderReference)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if ns.MerchantReference != "" {
		p, err := s.repo.GetByReference(ctx, ns.MerchantReference)
		if err == nil && strings.EqualFold(p.Provider, providerName) {
			return p, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, apperrors.ErrPaymentNotFound
}

// ExpirePayment applies the timeout policy to a payment that never completed.
func (s *Service) ExpirePayment(ctx context.Context, id int64, source string) (*payment.Payment, error) {
	var out *payment.Payment
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := s.walk(ctx, p, payment.StatusExpired, Changes{}, source); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		if _, ok := apperrors.IsAppError(err); ok {
			return nil, err
		}
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperrors.NewConflictError("Payment was updated concurrently", apperrors.ErrCodeConcurrentUpdate)
		}
		return nil, apperrors.NewInternalError("failed to expire payment", err)
	}
	s.logger.Info("payment expired", "payment_id", id, "provider", out.Provider, "source", source)
	return out, nil
}

func (s *Service) CalculateFees(ctx context.Context, q FeeQuery) (*FeeQuote, error) {
	currency := money.Normalize(q.Currency)
	method := strings.ToLower(strings.TrimSpace(q.Method))
	if err := money.Validate(q.Amount, currency); err != nil {
		return nil, invalidAmount(err)
	}
	adapter, err := s.resolve(currency, method, q.Provider)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &FeeQuote{
		Provider:     adapter.GetName(),
		FeeBreakdown: adapter.CalculateFees(q.Amount, currency, method),
	}, nil
}

func (s *Service) GetPayment(ctx context.Context, id int64) (*payment.Payment, []*payment.Refund, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	refunds, err := s.repo.ListRefunds(ctx, id)
	if err != nil {
		return nil, nil, apperrors.NewInternalError("failed to load refunds", err)
	}
	return p, refunds, nil
}

func (s *Service) Providers() []ProviderInfo {
	all := s.registry.All()
	out := make([]ProviderInfo, 0, len(all))
	for _, p := range all {
		out = append(out, ProviderInfo{
			Name:       p.GetName(),
			Currencies: p.GetSupportedCurrencies(),
			Methods:    p.GetSupportedPaymentMethods(),
		})
	}
	return out
}

// encodeMetadata sets key in the JSON object held by existing. Unreadable
// existing metadata is replaced.
func encodeMetadata(existing datatypes.JSON, key string, value interface{}) datatypes.JSON {
	doc := map[string]json.RawMessage{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &doc)
	}
	var raw json.RawMessage
	switch v := value.(type) {
	case nil:
		return existing
	case json.RawMessage:
		if len(v) == 0 {
			return existing
		}
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil || string(data) == "null" {
			return existing
		}
		raw = data
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	doc[key] = raw
	data, err := json.Marshal(doc)
	if err != nil {
		return existing
	}
	return datatypes.JSON(data)
}

func invalidAmount(err error) *apperrors.AppError {
	return apperrors.NewValidationError("Invalid amount", apperrors.ErrCodeInvalidRequest).
		WithDetails(apperrors.ValidationErrors{Errors: []apperrors.ValidationError{
			{Field: "amount", Message: err.Error(), Code: string(apperrors.ErrCodeInvalidAmount)},
		}})
}
