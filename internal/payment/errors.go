package payment

import (
	"errors"
	"net/http"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

// NormalizeError turns adapter and routing errors into application errors.
// Provider response bodies stay behind this boundary.
func NormalizeError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, provider.ErrNoProviderSupportsCombination):
		return apperrors.NewRoutingError("No provider supports this currency and payment method", apperrors.ErrCodeNoProviderSupportsCombination)
	case errors.Is(err, provider.ErrUnknownProvider):
		return apperrors.NewRoutingError("Unknown payment provider", apperrors.ErrCodeUnknownProvider)
	}

	var pe *provider.Error
	name := ""
	message := ""
	if errors.As(err, &pe) {
		name = pe.Provider
		message = pe.Message
	}
	details := map[string]string{}
	if name != "" {
		details["provider"] = name
	}

	var appErr *apperrors.AppError
	switch provider.KindOf(err) {
	case provider.KindInvalidRequest:
		appErr = apperrors.NewValidationError(nonEmpty(message, "Request rejected as invalid by provider"), apperrors.ErrCodeInvalidRequest)
	case provider.KindRejected:
		appErr = apperrors.NewExternalError(nonEmpty(message, "Payment provider declined the operation"), apperrors.ErrCodeProviderRejected, http.StatusPaymentRequired, false)
	case provider.KindInvalidSignature:
		appErr = apperrors.NewUnauthorizedError("Webhook signature verification failed", apperrors.ErrCodeInvalidSignature)
	case provider.KindMalformedPayload:
		appErr = apperrors.NewValidationError("Webhook payload could not be parsed", apperrors.ErrCodeMalformedPayload)
	default:
		// anything unclassified may have reached the provider
		appErr = apperrors.NewExternalError("Payment provider unreachable", apperrors.ErrCodeProviderUnreachable, http.StatusServiceUnavailable, true)
	}
	if len(details) > 0 {
		appErr.Details = details
	}
	return appErr
}

// isAmbiguous reports whether the provider may have acted despite the error.
func isAmbiguous(err error) bool {
	if errors.Is(err, provider.ErrUnknownProvider) || errors.Is(err, provider.ErrNoProviderSupportsCombination) {
		return false
	}
	kind := provider.KindOf(err)
	return kind == provider.KindUnreachable || kind == ""
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
