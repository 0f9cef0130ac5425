package webhook

import (
	"io"
	"net/http"

	"github.com/go-chi/chi"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/transport"
)

const maxPayloadBytes = 1 << 20

type Handler struct {
	*transport.BaseHandler
	Dispatcher *Dispatcher
}

func NewHandler(baseHandler *transport.BaseHandler, dispatcher *Dispatcher) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Dispatcher:  dispatcher,
	}
}

// Receive handles POST /api/v1/webhooks and POST /api/v1/webhooks/{provider}
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	routeHint := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		h.HandleError(w, apperrors.NewValidationError("Webhook body could not be read", apperrors.ErrCodeMalformedPayload))
		return
	}
	if len(payload) > maxPayloadBytes {
		h.HandleError(w, apperrors.NewValidationError("Webhook body too large", apperrors.ErrCodeMalformedPayload))
		return
	}

	ack, err := h.Dispatcher.Receive(r.Context(), payload, r.Header, routeHint)
	if err != nil {
		appErr, ok := apperrors.IsAppError(err)
		if !ok {
			h.HandleServiceError(w, err)
			return
		}
		switch appErr.Code {
		case apperrors.ErrCodeInvalidSignature:
			// potential forgery
			h.Logger.Warn("webhook rejected",
				"provider", routeHint,
				"remote_addr", r.RemoteAddr,
				"reason", appErr.Message)
		case apperrors.ErrCodeMalformedPayload:
			h.Logger.Warn("webhook payload malformed",
				"provider", routeHint,
				"remote_addr", r.RemoteAddr,
				"details", appErr.Details)
		case apperrors.ErrCodeUnknownProvider:
			out := *appErr
			out.StatusCode = http.StatusNotFound
			appErr = &out
		}
		h.HandleError(w, appErr)
		return
	}

	h.WriteJSON(w, http.StatusOK, ack)
}
