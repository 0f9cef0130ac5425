package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/outbox"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
	"github.com/aliuwahab/kitua-sub001/internal/payment"
	"github.com/aliuwahab/kitua-sub001/pkg/logger"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish test payment events and inspect events waiting in the outbox`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a test payment status event",
	Long:  `Publish a synthetic payment.status_changed event to an in-process bus with the audit handlers attached`,
	Run: func(cmd *cobra.Command, args []string) {
		publishTestEvent()
	},
}

var (
	eventLimit     int
	eventProvider  string
	eventOldStatus string
	eventNewStatus string
)

func publishTestEvent() {
	log := logger.LoggerWrapper()

	eventBus := events.NewEventBus(log)
	payment.NewEventHandler(log).RegisterEventHandlers(eventBus)

	testEvent := events.NewPaymentStatusChangedEvent(
		0,
		fmt.Sprintf("test-%d", time.Now().Unix()),
		eventProvider,
		"",
		eventOldStatus,
		eventNewStatus,
		100,
		"GHS",
		"cli",
	)

	log.Info("publishing test event", "event_type", testEvent.EventType(), "event_id", testEvent.EventID())

	if err := eventBus.PublishSync(context.Background(), testEvent); err != nil {
		log.Error("failed to publish event", "error", err)
		os.Exit(1)
	}
	log.Info("test event published successfully")
}

var pendingEventCmd = &cobra.Command{
	Use:   "pending",
	Short: "List unpublished outbox events",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApplication()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		var msgs []outbox.Message
		err = app.DB.WithContext(context.Background()).
			Where("published = ?", false).
			Order("id ASC").
			Limit(eventLimit).
			Find(&msgs).Error
		if err != nil {
			app.Logger.Error("failed to list outbox events", "error", err)
			os.Exit(1)
		}
		for _, m := range msgs {
			fmt.Printf("%d\t%s\t%s\tpayment=%d\t%s\n", m.ID, m.EventType, m.EventID, m.PaymentID, m.CreatedAt.Format(time.RFC3339))
		}
		fmt.Printf("%d pending\n", len(msgs))
	},
}

func init() {
	publishEventCmd.Flags().StringVar(&eventProvider, "provider", "test-provider", "Provider name on the event")
	publishEventCmd.Flags().StringVar(&eventOldStatus, "from", "pending", "Old payment status")
	publishEventCmd.Flags().StringVar(&eventNewStatus, "to", "succeeded", "New payment status")
	pendingEventCmd.Flags().IntVar(&eventLimit, "limit", 100, "Maximum number of events to list")

	eventCmd.AddCommand(publishEventCmd)
	eventCmd.AddCommand(pendingEventCmd)

	rootCmd.AddCommand(eventCmd)
}
