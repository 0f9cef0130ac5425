package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentStatusChanged = "payment.status_changed"
	EventTypeRefundRecorded       = "payment.refund_recorded"
)

// Sources of a status change.
const (
	SourceInitialize = "initialize"
	SourceWebhook    = "webhook"
	SourceVerify     = "verify"
	SourceRefund     = "refund"
	SourceReconcile  = "reconcile"
)

type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID         int64  `json:"payment_id"`
	Reference         string `json:"reference"`
	Provider          string `json:"provider"`
	ProviderReference string `json:"provider_reference,omitempty"`
	OldStatus         string `json:"old_status"`
	NewStatus         string `json:"new_status"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	Source            string `json:"source"`
}

func NewPaymentStatusChangedEvent(paymentID int64, reference, provider, providerReference, oldStatus, newStatus string, amountMinor int64, currency, source string) *PaymentStatusChangedEvent {
	return &PaymentStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentStatusChanged,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payment_id":         paymentID,
				"reference":          reference,
				"provider":           provider,
				"provider_reference": providerReference,
				"old_status":         oldStatus,
				"new_status":         newStatus,
				"amount_minor":       amountMinor,
				"currency":           currency,
				"source":             source,
			},
		},
		PaymentID:         paymentID,
		Reference:         reference,
		Provider:          provider,
		ProviderReference: providerReference,
		OldStatus:         oldStatus,
		NewStatus:         newStatus,
		AmountMinor:       amountMinor,
		Currency:          currency,
		Source:            source,
	}
}

type RefundRecordedEvent struct {
	BaseEvent
	PaymentID   int64  `json:"payment_id"`
	RefundID    int64  `json:"refund_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

func NewRefundRecordedEvent(paymentID, refundID, amountMinor int64, currency, status string) *RefundRecordedEvent {
	return &RefundRecordedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeRefundRecorded,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payment_id":   paymentID,
				"refund_id":    refundID,
				"amount_minor": amountMinor,
				"currency":     currency,
				"status":       status,
			},
		},
		PaymentID:   paymentID,
		RefundID:    refundID,
		AmountMinor: amountMinor,
		Currency:    currency,
		Status:      status,
	}
}
