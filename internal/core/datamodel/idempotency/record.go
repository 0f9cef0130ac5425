package idempotency

import (
	"time"

	"gorm.io/datatypes"
)

type State string

const (
	// StatePending is a claimed delivery whose status has not been applied yet.
	StatePending State = "pending"
	// StateApplied means the status transition (or no-op) committed.
	StateApplied State = "applied"
	// StateDiscarded means the delivery was valid but could not be applied, e.g. a terminal regression.
	StateDiscarded State = "discarded"
	// StateDead means retries were exhausted.
	StateDead State = "dead"
)

// Record is the durable claim for one (provider, provider reference, fingerprint)
// key. It also holds the normalized payload so a failed application can be retried.
type Record struct {
	ID                int64          `json:"id" gorm:"primaryKey"`
	Provider          string         `json:"provider" gorm:"column:provider;not null;uniqueIndex:idx_idempotency_key"`
	ProviderReference string         `json:"provider_reference" gorm:"column:provider_reference;not null;uniqueIndex:idx_idempotency_key"`
	Fingerprint       string         `json:"fingerprint" gorm:"column:fingerprint;not null;uniqueIndex:idx_idempotency_key"`
	State             State          `json:"state" gorm:"column:state;not null;index"`
	ResultStatus      *string        `json:"result_status,omitempty" gorm:"column:result_status"`
	Payload           datatypes.JSON `json:"payload" gorm:"column:payload"`
	Attempts          int            `json:"attempts" gorm:"column:attempts;not null;default:0"`
	NextAttemptAt     *time.Time     `json:"next_attempt_at,omitempty" gorm:"column:next_attempt_at;index"`
	LastError         *string        `json:"last_error,omitempty" gorm:"column:last_error"`
	CreatedAt         time.Time      `json:"created_at" gorm:"column:created_at"`
	AppliedAt         *time.Time     `json:"applied_at,omitempty" gorm:"column:applied_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}
