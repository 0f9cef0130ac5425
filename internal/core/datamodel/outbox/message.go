package outbox

import (
	"time"

	"gorm.io/datatypes"
)

// Message is an event written in the same transaction as the state change it describes.
type Message struct {
	ID          int64          `gorm:"primaryKey"`
	EventID     string         `gorm:"column:event_id;not null;uniqueIndex"`
	EventType   string         `gorm:"column:event_type;not null"`
	PaymentID   int64          `gorm:"column:payment_id;not null;index"`
	Payload     datatypes.JSON `gorm:"column:payload;not null"`
	Published   bool           `gorm:"column:published;not null;default:false;index"`
	PublishedAt *time.Time     `gorm:"column:published_at"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (Message) TableName() string {
	return "payment_status_events"
}
