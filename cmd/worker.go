package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background loops outside the HTTP server",
	Long:  `Run reconciliation, webhook retries or the outbox relay as standalone processes.`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Verify stale payments with their provider",
	Long:  `Poll providers for payments whose webhook is late and expire the ones that never completed`,
	Run: func(cmd *cobra.Command, args []string) {
		runWorker("reconcile", func(ctx context.Context, app *application) {
			rc := app.reconciler()
			if runOnce {
				stats, err := rc.SweepOnce(ctx)
				if err != nil {
					app.Logger.Error("reconciliation sweep failed", "error", err)
					return
				}
				app.Logger.Info("reconciliation sweep finished",
					"checked", stats.Checked, "changed", stats.Changed, "expired", stats.Expired, "failed", stats.Failed)
				return
			}
			rc.Run(ctx)
		})
	},
}

var webhookWorkerCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Retry webhook deliveries that failed to apply",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker("webhooks", func(ctx context.Context, app *application) {
			sw := app.sweeper()
			if runOnce {
				stats, err := sw.SweepOnce(ctx)
				if err != nil {
					app.Logger.Error("webhook retry sweep failed", "error", err)
					return
				}
				app.Logger.Info("webhook retry sweep finished",
					"due", stats.Due, "applied", stats.Applied, "skipped", stats.Skipped, "failed", stats.Failed)
				return
			}
			sw.Run(ctx)
		})
	},
}

var outboxWorkerCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Publish committed payment events",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker("outbox", func(ctx context.Context, app *application) {
			relay := app.relay()
			if runOnce {
				n, err := relay.DispatchOnce(ctx)
				if err != nil {
					app.Logger.Error("outbox dispatch failed", "error", err)
				}
				app.Logger.Info("outbox dispatch finished", "published", n)
				return
			}
			relay.Run(ctx)
		})
	},
}

var runOnce bool

// runWorker runs loop until SIGINT/SIGTERM and waits for it to return.
func runWorker(name string, loop func(ctx context.Context, app *application)) {
	app, err := newApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.Logger.Info("worker starting", "worker", name, "once", runOnce)
	done := make(chan struct{})
	go func() {
		loop(ctx, app)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		app.Logger.Info("received signal, shutting down worker", "worker", name)
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			app.Logger.Warn("shutdown timeout reached, forcing exit", "worker", name)
		}
	}
	app.Bus.Wait()
	app.Logger.Info("worker stopped", "worker", name)
}

func init() {
	workerCmd.PersistentFlags().BoolVar(&runOnce, "once", false, "Run a single pass and exit")

	workerCmd.AddCommand(reconcileWorkerCmd)
	workerCmd.AddCommand(webhookWorkerCmd)
	workerCmd.AddCommand(outboxWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
