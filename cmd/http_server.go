package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/aliuwahab/kitua-sub001/api"
	"github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/payment"
	"github.com/aliuwahab/kitua-sub001/internal/transport"
	"github.com/aliuwahab/kitua-sub001/internal/transport/middleware"
	"github.com/aliuwahab/kitua-sub001/internal/transport/rest"
	"github.com/aliuwahab/kitua-sub001/internal/webhook"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server with webhook processing, reconciliation and the outbox relay`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	app, err := newApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()
	cfg := app.Config
	log := app.Logger

	router, err := setupRoutes(app)
	if err != nil {
		log.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pool *webhook.Pool
	if cfg.Webhook.Async {
		pool = webhook.NewPool(webhook.PoolConfig{
			Workers:    cfg.Webhook.Workers,
			QueueSize:  cfg.Webhook.QueueSize,
			JobTimeout: 30 * time.Second,
		}, app.Dispatcher, log)
		app.Dispatcher.UsePool(pool)
		pool.Start()
	}

	var loops sync.WaitGroup
	runLoop := func(run func(ctx context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			run(ctx)
		}()
	}
	runLoop(app.relay().Run)
	runLoop(app.sweeper().Run)
	if cfg.Reconciliation.Enabled {
		runLoop(app.reconciler().Run)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down...", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
		}
	}

	cancel()
	if pool != nil {
		pool.Shutdown()
	}
	loops.Wait()
	app.Bus.Wait()
	log.Info("Server stopped")
}

func setupRoutes(app *application) (*chi.Mux, error) {
	cfg := app.Config
	base := transport.NewBaseHandler(app.Logger)

	deps := rest.Deps{
		DB:             app.SQL.DB,
		HealthChecks:   app.healthChecks(),
		PaymentHandler: payment.NewHandler(base, app.Service),
		WebhookHandler: webhook.NewHandler(base, app.Dispatcher),
		OpenAPI:        api.OpenAPI,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         app.Logger,
	}
	if cfg.Observability.Metrics.Enabled {
		deps.Metrics = app.Metrics.Handler()
		deps.MetricsPath = cfg.Observability.Metrics.Path
	}
	if cfg.Server.ValidateRequests {
		doc, err := middleware.LoadOpenAPI(context.Background(), api.OpenAPI)
		if err != nil {
			return nil, err
		}
		validator, err := middleware.ValidateRequests(doc, app.Logger, "/api/v1/webhooks")
		if err != nil {
			return nil, err
		}
		deps.Validator = validator
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps)
	return router, nil
}

// initDB initializes the postgres connection pool
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
