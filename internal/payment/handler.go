package payment

import (
	"net/http"

	"github.com/aliuwahab/kitua-sub001/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

// InitializePayment handles POST /api/v1/payments
func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	var req InitializePaymentRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.Logger.Error("InitializePayment: failed to parse request body")
		h.HandleError(w, appErr)
		return
	}

	if err := req.Validate(); err != nil {
		h.Logger.Info("InitializePayment: validation error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	input, err := req.ToInput()
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	res, err := h.Service.InitializePayment(r.Context(), input)
	if err != nil {
		h.Logger.Error("InitializePayment: service error", "error", err, "reference", req.Reference)
		h.HandleServiceError(w, err)
		return
	}

	resp := NewPaymentResponse(res.Payment, nil)
	resp.NextAction = &res.NextAction
	h.WriteJSON(w, http.StatusCreated, resp)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.PathID(r, "id")
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, refunds, err := h.Service.GetPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, NewPaymentResponse(p, refunds))
}

// VerifyPayment handles POST /api/v1/payments/{id}/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.PathID(r, "id")
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, err := h.Service.VerifyPayment(r.Context(), id)
	if err != nil {
		h.Logger.Error("VerifyPayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, NewPaymentResponse(p, nil))
}

// RefundPayment handles POST /api/v1/payments/{id}/refunds
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.PathID(r, "id")
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	var req RefundPaymentRequest
	if r.ContentLength != 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.HandleError(w, appErr)
			return
		}
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	input, err := req.ToInput()
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	out, err := h.Service.RefundPayment(r.Context(), id, input)
	if err != nil {
		h.Logger.Error("RefundPayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("RefundPayment: refund recorded",
		"payment_id", id,
		"refund_id", out.Refund.ID,
		"refund_status", out.Refund.Status)

	h.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"payment": NewPaymentResponse(out.Payment, nil),
		"refund":  NewRefundResponse(out.Refund, out.Payment.Currency),
	})
}

// QuoteFees handles POST /api/v1/fees/quote
func (h *Handler) QuoteFees(w http.ResponseWriter, r *http.Request) {
	var req FeeQuoteRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	q, err := req.ToQuery()
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	quote, err := h.Service.CalculateFees(r.Context(), q)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, quote)
}

// ListProviders handles GET /api/v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.Service.Providers(),
	})
}
