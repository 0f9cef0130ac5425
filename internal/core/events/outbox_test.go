package events_test

import (
	"context"
	"errors"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/outbox"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
)

var _ = Describe("Outbox relay", func() {
	var (
		db     *gorm.DB
		box    *events.Outbox
		bus    *events.EventBus
		relay  *events.Relay
		ctx    context.Context
		logger *slog.Logger
	)

	BeforeEach(func() {
		var err error
		db, err = database.OpenSQLite(":memory:")
		Expect(err).ToNot(HaveOccurred())
		Expect(database.AutoMigrate(db)).To(Succeed())

		ctx = context.Background()
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		box = events.NewOutbox(db)
		bus = events.NewEventBus(logger)
		relay = &events.Relay{Outbox: box, Bus: bus, BatchSize: 10, Logger: logger}
	})

	It("publishes appended events in order and marks them published", func() {
		// Given
		var received []string
		bus.Subscribe(events.EventTypePaymentStatusChanged, func(ctx context.Context, event events.Event) error {
			e, ok := event.(*events.PaymentStatusChangedEvent)
			Expect(ok).To(BeTrue())
			received = append(received, e.NewStatus)
			return nil
		})
		Expect(box.Append(ctx, 1, events.NewPaymentStatusChangedEvent(1, "r", "momo", "PR-1", "created", "pending", 100, "GHS", events.SourceInitialize))).To(Succeed())
		Expect(box.Append(ctx, 1, events.NewPaymentStatusChangedEvent(1, "r", "momo", "PR-1", "pending", "succeeded", 100, "GHS", events.SourceWebhook))).To(Succeed())

		// When
		n, err := relay.DispatchOnce(ctx)

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(received).To(Equal([]string{"pending", "succeeded"}))

		n, err = relay.DispatchOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("discards events appended in a rolled back transaction", func() {
		tx := database.NewTransactor(db)
		err := tx.WithTransaction(ctx, func(ctx context.Context) error {
			if err := box.Append(ctx, 7, events.NewPaymentStatusChangedEvent(7, "r", "momo", "", "created", "failed", 100, "GHS", events.SourceInitialize)); err != nil {
				return err
			}
			return errors.New("boom")
		})
		Expect(err).To(HaveOccurred())

		var count int64
		Expect(db.Model(&outbox.Message{}).Count(&count).Error).To(Succeed())
		Expect(count).To(BeZero())
	})

	It("keeps an event pending when a subscriber fails", func() {
		bus.Subscribe(events.EventTypePaymentStatusChanged, func(ctx context.Context, event events.Event) error {
			return errors.New("subscriber down")
		})
		Expect(box.Append(ctx, 1, events.NewPaymentStatusChangedEvent(1, "r", "momo", "PR-1", "pending", "failed", 100, "GHS", events.SourceWebhook))).To(Succeed())

		n, err := relay.DispatchOnce(ctx)
		Expect(err).To(HaveOccurred())
		Expect(n).To(BeZero())

		var pending int64
		Expect(db.Model(&outbox.Message{}).Where("published = ?", false).Count(&pending).Error).To(Succeed())
		Expect(pending).To(Equal(int64(1)))
	})
})
