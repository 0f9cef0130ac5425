package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
	"github.com/aliuwahab/kitua-sub001/internal/core/money"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

// ErrRefundLookupUnsupported is returned by ReconcileRefund when the provider
// cannot report refund state.
var ErrRefundLookupUnsupported = errors.New("provider cannot report refund status")

// RefundPayment reserves the refund and moves the payment to refunding before
// the provider is called, so a refund beyond the remainder never reaches it.
// The payment ends refunded once succeeded refunds cover the full amount and
// returns to succeeded otherwise.
func (s *Service) RefundPayment(ctx context.Context, id int64, in RefundInput) (*RefundOutcome, error) {
	var (
		p         *payment.Payment
		r         *payment.Refund
		remaining int64
	)
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.load(ctx, id)
		if err != nil {
			return err
		}
		// A fully refunded payment reports the exhausted remainder, not its state.
		if p.Status == payment.StatusRefunded {
			return exceedsRemainder(p, 0)
		}
		if p.Status != payment.StatusSucceeded {
			out := *apperrors.ErrInvalidStateTransition
			out.Message = "Only succeeded payments can be refunded"
			out.Details = map[string]interface{}{"status": p.Status}
			return &out
		}

		totals, err := s.repo.RefundTotals(ctx, p.ID)
		if err != nil {
			return err
		}
		remaining = p.AmountMinor - totals.SucceededMinor - totals.PendingMinor

		amountMinor := remaining
		if in.Amount != nil {
			if !in.Amount.IsPositive() {
				return invalidAmount(money.ErrNonPositiveAmount)
			}
			amountMinor, err = money.ToMinor(*in.Amount, p.Currency)
			if err != nil {
				return invalidAmount(err)
			}
		}
		if remaining <= 0 || amountMinor > remaining {
			return exceedsRemainder(p, remaining)
		}

		reference := in.Reference
		if reference == "" {
			reference = "rf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		r = &payment.Refund{
			PaymentID:   p.ID,
			Reference:   reference,
			AmountMinor: amountMinor,
			Requested:   in.Amount != nil,
			Reason:      in.Reason,
			Status:      payment.RefundStatusPending,
		}
		if err := s.repo.CreateRefund(ctx, r); err != nil {
			return err
		}
		return s.walk(ctx, p, payment.StatusRefunding, Changes{}, events.SourceRefund)
	})
	if err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			return nil, appErr
		}
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperrors.NewConflictError("Payment was updated concurrently", apperrors.ErrCodeConcurrentUpdate)
		}
		s.logger.Error("failed to reserve refund", "error", err, "payment_id", id)
		return nil, apperrors.NewInternalError("failed to create refund", err)
	}

	adapter, err := s.registry.Get(p.Provider)
	var res *provider.RefundResult
	if err == nil {
		callCtx, cancel := apperrors.WithTimeout(ctx, s.callTimeout)
		res, err = adapter.RefundPayment(callCtx, provider.RefundRequest{
			ProviderReference: p.ProviderRef(),
			Reference:         r.Reference,
			Amount:            money.FromMinor(r.AmountMinor, p.Currency),
			Remaining:         money.FromMinor(remaining, p.Currency),
			Currency:          p.Currency,
			Reason:            derefString(in.Reason),
		})
		cancel()
	}

	persistCtx, cancelPersist := apperrors.Detached(ctx, defaultPersistTimeout)
	defer cancelPersist()

	if finalizeErr := s.finalizeRefund(persistCtx, p, r, res, err); finalizeErr != nil {
		s.logger.Error("failed to finalize refund",
			"error", finalizeErr,
			"payment_id", p.ID,
			"refund_id", r.ID)
		return nil, apperrors.NewInternalError("failed to record refund result", finalizeErr)
	}

	if err != nil {
		s.logger.Warn("refund failed",
			"payment_id", p.ID,
			"refund_id", r.ID,
			"refund_status", r.Status,
			"error", err)
		out := *NormalizeError(err)
		out.Details = map[string]interface{}{
			"payment_id":    p.ID,
			"refund_id":     r.ID,
			"refund_status": r.Status,
		}
		return nil, &out
	}

	s.logger.Info("refund recorded",
		"payment_id", p.ID,
		"refund_id", r.ID,
		"amount_minor", r.AmountMinor,
		"refund_status", r.Status,
		"status", p.Status)
	return &RefundOutcome{Payment: p, Refund: r}, nil
}

// finalizeRefund settles the refund row and takes the payment out of refunding.
// An ambiguous provider error keeps the refund pending so its amount stays reserved.
func (s *Service) finalizeRefund(ctx context.Context, p *payment.Payment, r *payment.Refund, res *provider.RefundResult, callErr error) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		switch {
		case callErr != nil && isAmbiguous(callErr):
			r.Status = payment.RefundStatusPending
		case callErr != nil:
			r.Status = payment.RefundStatusFailed
		default:
			r.Status = res.Status
			if r.Status == "" {
				r.Status = payment.RefundStatusPending
			}
			if res.ProviderRefundReference != "" {
				ref := res.ProviderRefundReference
				r.ProviderRefundReference = &ref
			}
			r.Metadata = encodeMetadata(r.Metadata, "refund", res.Raw)
		}
		if callErr != nil {
			r.Metadata = encodeMetadata(r.Metadata, "refund_error", map[string]string{"message": callErr.Error()})
		}
		if err := s.repo.UpdateRefund(ctx, r); err != nil {
			return err
		}

		// the reconciler may have moved the payment on while the call was out
		current, err := s.load(ctx, p.ID)
		if err != nil {
			return err
		}
		*p = *current
		if err := s.advanceAfterRefund(ctx, p, events.SourceRefund); err != nil {
			return err
		}

		event := events.NewRefundRecordedEvent(p.ID, r.ID, r.AmountMinor, p.Currency, string(r.Status))
		return s.events.Append(ctx, p.ID, event)
	})
}

// advanceAfterRefund marks p refunded once succeeded refunds cover the whole
// amount and otherwise returns a refunding payment to succeeded.
func (s *Service) advanceAfterRefund(ctx context.Context, p *payment.Payment, source string) error {
	totals, err := s.repo.RefundTotals(ctx, p.ID)
	if err != nil {
		return err
	}
	next := payment.StatusSucceeded
	if totals.SucceededMinor >= p.AmountMinor {
		next = payment.StatusRefunded
	}
	if p.Status == next || (next == payment.StatusSucceeded && p.Status != payment.StatusRefunding) {
		return nil
	}
	return s.walk(ctx, p, next, Changes{}, source)
}

// ReconcileRefund asks the provider for the state of a pending refund and
// settles it. A refund the provider never received is marked failed, which
// releases its reserved amount.
func (s *Service) ReconcileRefund(ctx context.Context, r *payment.Refund, source string) (*payment.Refund, error) {
	if r.Status != payment.RefundStatusPending {
		return r, nil
	}
	p, err := s.load(ctx, r.PaymentID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(p.Provider)
	if err != nil {
		return nil, NormalizeError(err)
	}
	lookup, ok := provider.AsRefundLookup(adapter)
	if !ok {
		return r, ErrRefundLookupUnsupported
	}

	callCtx, cancel := apperrors.WithTimeout(ctx, s.callTimeout)
	res, err := lookup.VerifyRefund(callCtx, provider.RefundQuery{
		ProviderReference:       p.ProviderRef(),
		ProviderRefundReference: derefString(r.ProviderRefundReference),
		Reference:               r.Reference,
	})
	cancel()
	if err != nil {
		// only a refund we never got an id for can be unknown to the provider
		if r.ProviderRefundReference != nil || !provider.IsKind(err, provider.KindInvalidRequest) {
			s.logger.Warn("refund verification failed",
				"payment_id", p.ID,
				"refund_id", r.ID,
				"provider", p.Provider,
				"error", err)
			return nil, NormalizeError(err)
		}
		r.Metadata = encodeMetadata(r.Metadata, "refund_error", map[string]string{"message": err.Error()})
		res = &provider.RefundResult{Status: payment.RefundStatusFailed}
	}

	persistCtx, cancelPersist := apperrors.Detached(ctx, defaultPersistTimeout)
	defer cancelPersist()

	if err := s.settleRefund(persistCtx, p.ID, r, res, source); err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			return nil, appErr
		}
		s.logger.Error("failed to settle refund", "error", err, "payment_id", p.ID, "refund_id", r.ID)
		return nil, apperrors.NewInternalError("failed to settle refund", err)
	}
	if r.Status != payment.RefundStatusPending {
		s.logger.Info("refund settled",
			"payment_id", p.ID,
			"refund_id", r.ID,
			"refund_status", r.Status,
			"source", source)
	}
	return r, nil
}

func (s *Service) settleRefund(ctx context.Context, paymentID int64, r *payment.Refund, res *provider.RefundResult, source string) error {
	if res.ProviderRefundReference != "" && r.ProviderRefundReference == nil {
		ref := res.ProviderRefundReference
		r.ProviderRefundReference = &ref
	}
	if res.Status == "" || res.Status == payment.RefundStatusPending {
		if err := s.repo.UpdateRefund(ctx, r); err != nil {
			return err
		}
		return s.repo.TouchRefund(ctx, r.ID)
	}

	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := s.load(ctx, paymentID)
		if err != nil {
			return err
		}
		r.Status = res.Status
		if res.Raw != nil {
			r.Metadata = encodeMetadata(r.Metadata, "refund_verification", res.Raw)
		}
		if err := s.repo.UpdateRefund(ctx, r); err != nil {
			return err
		}
		if err := s.advanceAfterRefund(ctx, p, source); err != nil {
			return err
		}
		event := events.NewRefundRecordedEvent(p.ID, r.ID, r.AmountMinor, p.Currency, string(r.Status))
		return s.events.Append(ctx, p.ID, event)
	})
}

// ResumeRefunding takes a payment out of refunding when the request that
// reserved its refund never finalized. Refunds still pending stay reserved
// until ReconcileRefund settles them.
func (s *Service) ResumeRefunding(ctx context.Context, id int64, source string) (*payment.Payment, error) {
	var p *payment.Payment
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.load(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != payment.StatusRefunding {
			return nil
		}
		return s.advanceAfterRefund(ctx, p, source)
	})
	if err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			return nil, appErr
		}
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperrors.NewConflictError("Payment was updated concurrently", apperrors.ErrCodeConcurrentUpdate)
		}
		return nil, apperrors.NewInternalError("failed to resume refunding payment", err)
	}
	return p, nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func exceedsRemainder(p *payment.Payment, remaining int64) *apperrors.AppError {
	out := *apperrors.ErrRefundExceedsRemainder
	out.Details = map[string]interface{}{
		"reason":    apperrors.ErrCodeRefundExceedsRemainder,
		"remaining": money.Format(money.FromMinor(max(remaining, 0), p.Currency), p.Currency),
	}
	return &out
}
