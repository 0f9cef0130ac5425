package events_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/internal/core/events"
)

var _ = Describe("EventBus", func() {
	var (
		bus    *events.EventBus
		logger *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		bus = events.NewEventBus(logger)
	})

	It("delivers synchronously to every subscriber", func() {
		var calls int32
		handler := func(ctx context.Context, event events.Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}
		bus.Subscribe(events.EventTypePaymentStatusChanged, handler)
		bus.Subscribe(events.EventTypePaymentStatusChanged, handler)

		event := events.NewPaymentStatusChangedEvent(1, "ref-1", "momo", "PR-1", "pending", "succeeded", 10000, "GHS", events.SourceWebhook)
		Expect(bus.PublishSync(context.Background(), event)).To(Succeed())
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(2)))
	})

	It("surfaces handler failures from PublishSync", func() {
		bus.Subscribe("audit", func(ctx context.Context, event events.Event) error {
			return errors.New("sink down")
		})

		err := bus.PublishSync(context.Background(), events.BaseEvent{ID: "1", Type: "audit"})
		Expect(err).To(MatchError(ContainSubstring("sink down")))
	})

	It("reports a panicking handler as a failure", func() {
		bus.Subscribe("audit", func(ctx context.Context, event events.Event) error {
			panic("nil map")
		})

		err := bus.PublishSync(context.Background(), events.BaseEvent{ID: "1", Type: "audit"})
		Expect(err).To(MatchError(ContainSubstring("panicked")))
	})

	It("runs async handlers even after the publishing context is cancelled", func() {
		var seen atomic.Bool
		bus.Subscribe("audit", func(ctx context.Context, event events.Event) error {
			if ctx.Err() == nil {
				seen.Store(true)
			}
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		Expect(bus.Publish(ctx, events.BaseEvent{ID: "1", Type: "audit"})).To(Succeed())
		cancel()
		bus.Wait()

		Expect(seen.Load()).To(BeTrue())
	})
})
