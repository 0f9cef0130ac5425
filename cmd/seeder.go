package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long: `Seed stale pending payments so the reconciler and the webhook retry sweeper
have work to do in development.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApplication()
		if err != nil {
			log.Fatalf("failed to initialize dependencies: %v", err)
		}
		defer app.Close()

		ctx := context.Background()
		db := app.DB.WithContext(ctx)

		if clearData {
			for _, table := range []string{"idempotency_records", "refunds", "payment_status_events", "payments"} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing payment data")
		}

		if len(app.Config.Providers) == 0 {
			log.Fatal("no providers configured")
		}

		now := time.Now().UTC()
		tx := database.NewTransactor(app.DB)
		err = tx.WithTransaction(ctx, func(ctx context.Context) error {
			conn := database.Conn(ctx, app.DB)
			for i, pc := range app.Config.Providers {
				currency := "GHS"
				if len(pc.Currencies) > 0 {
					currency = pc.Currencies[0]
				}
				method := "mobile_money"
				if len(pc.Methods) > 0 {
					method = pc.Methods[0]
				}

				for j := 0; j < seedCount; j++ {
					age := time.Duration(j+1) * 20 * time.Minute
					ref := "seed-" + uuid.NewString()
					providerRef := fmt.Sprintf("SEED-%s-%d-%d", pc.Name, i, j)
					p := &payment.Payment{
						Reference:         ref,
						Provider:          pc.Name,
						ProviderReference: &providerRef,
						AmountMinor:       int64(1000 * (j + 1)),
						Currency:          currency,
						Method:            method,
						Status:            payment.StatusPending,
						CreatedAt:         now.Add(-age),
						UpdatedAt:         now.Add(-age),
					}
					if err := conn.Create(p).Error; err != nil {
						return fmt.Errorf("insert payment %s: %w", ref, err)
					}
				}

				// An unapplied delivery for a payment that does not exist yet
				// exercises the retry sweeper.
				orphanRef := fmt.Sprintf("SEED-%s-orphan", pc.Name)
				payload := fmt.Sprintf(`{"provider":%q,"provider_reference":%q,"status":"succeeded","amount":"10.00","currency":%q,"occurred_at":%q}`,
					pc.Name, orphanRef, currency, now.Format(time.RFC3339Nano))
				retryAt := now
				if err := conn.Create(&idempotency.Record{
					Provider:          pc.Name,
					ProviderReference: orphanRef,
					Fingerprint:       uuid.NewString(),
					State:             idempotency.StatePending,
					Payload:           []byte(payload),
					NextAttemptAt:     &retryAt,
					CreatedAt:         now,
				}).Error; err != nil {
					return fmt.Errorf("insert retry record: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			log.Fatalf("seeding failed: %v", err)
		}

		fmt.Printf("Seeded %d stale pending payments per provider\n", seedCount)
	},
}

var seedCount int

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 5, "Number of pending payments per provider")
}
