package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aliuwahab/kitua-sub001/internal/core/events"
)

// EventHandler writes an audit trail of relayed payment events.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{
		logger: logger,
	}
}

func (h *EventHandler) HandleStatusChanged(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentStatusChangedEvent)
	if !ok {
		h.logger.Error("invalid event type for status changed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentStatusChangedEvent, got %T", event)
	}

	h.logger.Info("payment status changed",
		"event_id", e.EventID(),
		"payment_id", e.PaymentID,
		"reference", e.Reference,
		"provider", e.Provider,
		"provider_reference", e.ProviderReference,
		"old_status", e.OldStatus,
		"new_status", e.NewStatus,
		"source", e.Source,
		"occurred_at", e.OccurredAt())
	return nil
}

func (h *EventHandler) HandleRefundRecorded(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.RefundRecordedEvent)
	if !ok {
		h.logger.Error("invalid event type for refund handler", "event_type", event.EventType())
		return fmt.Errorf("expected RefundRecordedEvent, got %T", event)
	}

	h.logger.Info("refund recorded",
		"event_id", e.EventID(),
		"payment_id", e.PaymentID,
		"refund_id", e.RefundID,
		"amount_minor", e.AmountMinor,
		"currency", e.Currency,
		"status", e.Status)
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentStatusChanged, h.HandleStatusChanged)
	eventBus.Subscribe(events.EventTypeRefundRecorded, h.HandleRefundRecorded)

	h.logger.Info("payment event handlers registered",
		"handlers", []string{events.EventTypePaymentStatusChanged, events.EventTypeRefundRecorded})
}
