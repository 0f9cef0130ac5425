package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/outbox"
)

// Outbox stores events in the caller's transaction so they commit together
// with the state change they describe.
type Outbox struct {
	db *gorm.DB
}

func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

func (o *Outbox) Append(ctx context.Context, paymentID int64, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventType(), err)
	}

	msg := &outbox.Message{
		EventID:   event.EventID(),
		EventType: event.EventType(),
		PaymentID: paymentID,
		Payload:   payload,
	}
	if err := database.Conn(ctx, o.db).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.EventType(), err)
	}
	return nil
}

func (o *Outbox) unpublished(ctx context.Context, limit int) ([]outbox.Message, error) {
	var msgs []outbox.Message
	err := database.Conn(ctx, o.db).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (o *Outbox) markPublished(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	return database.Conn(ctx, o.db).
		Model(&outbox.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"published": true, "published_at": now}).Error
}

func decodeMessage(msg outbox.Message) (Event, error) {
	var (
		event Event
		err   error
	)
	switch msg.EventType {
	case EventTypePaymentStatusChanged:
		e := &PaymentStatusChangedEvent{}
		err = json.Unmarshal(msg.Payload, e)
		event = e
	case EventTypeRefundRecorded:
		e := &RefundRecordedEvent{}
		err = json.Unmarshal(msg.Payload, e)
		event = e
	default:
		e := BaseEvent{}
		err = json.Unmarshal(msg.Payload, &e)
		event = e
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode outbox message %d: %w", msg.ID, err)
	}
	return event, nil
}

// Relay polls the outbox and publishes pending events in insertion order.
type Relay struct {
	Outbox       *Outbox
	Bus          Publisher
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

func (r *Relay) Run(ctx context.Context) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Logger.Info("outbox relay started", "poll_interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.DispatchOnce(ctx); err != nil {
				r.Logger.Warn("outbox dispatch failed", "error", err)
			}
		}
	}
}

// DispatchOnce publishes one batch. It stops at the first failing event so
// later events for the same payment are not delivered ahead of it.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}

	msgs, err := r.Outbox.unpublished(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to load outbox: %w", err)
	}

	published := 0
	for _, msg := range msgs {
		event, err := decodeMessage(msg)
		if err != nil {
			// a payload that cannot be decoded will never succeed
			r.Logger.Error("dropping undecodable outbox message", "id", msg.ID, "error", err)
			if err := r.Outbox.markPublished(ctx, msg.ID); err != nil {
				return published, err
			}
			continue
		}

		if err := r.Bus.PublishSync(ctx, event); err != nil {
			return published, err
		}
		if err := r.Outbox.markPublished(ctx, msg.ID); err != nil {
			return published, fmt.Errorf("failed to mark event %s published: %w", msg.EventID, err)
		}
		published++
	}
	return published, nil
}
