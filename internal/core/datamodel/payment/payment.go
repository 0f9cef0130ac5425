package payment

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunding  Status = "refunding"
	StatusRefunded   Status = "refunded"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether no provider-driven update may change the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusProcessing, StatusSucceeded,
		StatusFailed, StatusRefunding, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

type Payment struct {
	ID                int64          `json:"id" gorm:"primaryKey"`
	Reference         string         `json:"reference" gorm:"column:reference;not null;uniqueIndex"`
	Provider          string         `json:"provider" gorm:"column:provider;not null;uniqueIndex:idx_payments_provider_reference"`
	ProviderReference *string        `json:"provider_reference,omitempty" gorm:"column:provider_reference;uniqueIndex:idx_payments_provider_reference"`
	AmountMinor       int64          `json:"amount_minor" gorm:"column:amount_minor;not null"`
	Currency          string         `json:"currency" gorm:"column:currency;size:3;not null"`
	Method            string         `json:"method" gorm:"column:method;not null"`
	Status            Status         `json:"status" gorm:"column:status;not null;index"`
	Metadata          datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`
	FailureReason     *string        `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	CreatedAt         time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"column:updated_at;index"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) ProviderRef() string {
	if p.ProviderReference == nil {
		return ""
	}
	return *p.ProviderReference
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

type Refund struct {
	ID                      int64          `json:"id" gorm:"primaryKey"`
	PaymentID               int64          `json:"payment_id" gorm:"column:payment_id;not null;index"`
	Reference               string         `json:"reference" gorm:"column:reference;not null;uniqueIndex"`
	AmountMinor             int64          `json:"amount_minor" gorm:"column:amount_minor;not null"`
	Requested               bool           `json:"requested" gorm:"column:requested;not null;default:false"`
	Reason                  *string        `json:"reason,omitempty" gorm:"column:reason"`
	ProviderRefundReference *string        `json:"provider_refund_reference,omitempty" gorm:"column:provider_refund_reference"`
	Status                  RefundStatus   `json:"status" gorm:"column:status;not null"`
	Metadata                datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`
	CreatedAt               time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt               time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (Refund) TableName() string {
	return "refunds"
}
