package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
	idem "github.com/aliuwahab/kitua-sub001/internal/idempotency"
	idempg "github.com/aliuwahab/kitua-sub001/internal/idempotency/postgres"
	idemredis "github.com/aliuwahab/kitua-sub001/internal/idempotency/redis"
	"github.com/aliuwahab/kitua-sub001/internal/observability"
	"github.com/aliuwahab/kitua-sub001/internal/payment"
	paymentpg "github.com/aliuwahab/kitua-sub001/internal/payment/postgres"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
	"github.com/aliuwahab/kitua-sub001/internal/transport/rest"
	"github.com/aliuwahab/kitua-sub001/internal/webhook"
	"github.com/aliuwahab/kitua-sub001/pkg/logger"
)

// application holds everything the server and the workers share.
type application struct {
	Config     *internal.Config
	Logger     *slog.Logger
	SQL        *sqlx.DB
	DB         *gorm.DB
	Redis      *goredis.Client
	Metrics    *observability.Metrics
	Registry   *provider.Registry
	Repository *paymentpg.PaymentRepository
	Service    *payment.Service
	Store      idem.Store
	Dispatcher *webhook.Dispatcher
	Outbox     *events.Outbox
	Bus        *events.EventBus
}

func newApplication() (*application, error) {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.Setup(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	app := &application{Config: cfg, Logger: log}

	if err := app.openDatabase(); err != nil {
		return nil, err
	}

	if cfg.Observability.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.Metrics = observability.New(reg, observability.Config{ServiceName: "kitua-payments"})
	}

	defs, err := providerDefinitions(cfg.Providers)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Registry, err = provider.Build(defs, factories, providerDeps(log, app.Metrics))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}

	app.Outbox = events.NewOutbox(app.DB)
	app.Bus = events.NewEventBus(log)
	payment.NewEventHandler(log).RegisterEventHandlers(app.Bus)

	app.Repository = paymentpg.NewPaymentRepository(app.DB)
	app.Service = payment.NewService(app.Repository, app.Registry, database.NewTransactor(app.DB), app.Outbox, log, serviceOptions(cfg, app.Metrics))

	app.Store = idempg.NewStore(app.DB)
	if cfg.Redis.Enabled {
		opts := idemredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, TTL: cfg.Redis.TTL}
		app.Redis = idemredis.NewClient(opts)
		app.Store = idemredis.NewCache(app.Store, app.Redis, opts, log)
	}

	app.Dispatcher = webhook.NewDispatcher(app.Registry, app.Store, app.Service, webhook.Config{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BaseDelay:   cfg.Webhook.BaseDelay,
		MaxDelay:    cfg.Webhook.MaxDelay,
	}, log, app.Metrics)

	return app, nil
}

// providerDeps shares one connection pool across adapters. Each adapter still
// applies its own configured timeout to it.
func providerDeps(log *slog.Logger, metrics *observability.Metrics) provider.Deps {
	return provider.Deps{
		HTTPClient: &http.Client{Transport: http.DefaultTransport},
		Logger:     log,
		Observer:   metrics,
	}
}

func serviceOptions(cfg *internal.Config, metrics *observability.Metrics) payment.Options {
	return payment.Options{
		CallTimeout: cfg.Payments.CallTimeout,
		Observer:    metrics,
	}
}

func (a *application) openDatabase() error {
	cfg := a.Config.Database
	if cfg.Driver == "sqlite" {
		db, err := database.OpenSQLite(cfg.Source)
		if err != nil {
			return err
		}
		if err := database.AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		a.DB = db
		a.SQL = sqlx.NewDb(sqlDB, "sqlite3")
		return nil
	}

	sqlDB, err := initDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	db, err := database.FromSQL(sqlDB.DB)
	if err != nil {
		_ = sqlDB.Close()
		return err
	}
	a.SQL = sqlDB
	a.DB = db
	return nil
}

func (a *application) healthChecks() []rest.Check {
	if a.Redis == nil {
		return nil
	}
	return []rest.Check{{
		Name: "redis",
		Fn: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		},
	}}
}

// relay publishes committed outbox events to the in-process bus.
func (a *application) relay() *events.Relay {
	return &events.Relay{
		Outbox:       a.Outbox,
		Bus:          a.Bus,
		PollInterval: a.Config.Outbox.PollInterval,
		BatchSize:    a.Config.Outbox.BatchSize,
		Logger:       a.Logger,
	}
}

func (a *application) reconciler() *payment.Reconciler {
	rc := a.Config.Reconciliation
	return &payment.Reconciler{
		Service:     a.Service,
		Repository:  a.Repository,
		Logger:      a.Logger,
		GracePeriod: rc.GracePeriod,
		ExpireAfter: rc.ExpireAfter,
		Interval:    rc.Interval,
		BatchSize:   rc.BatchSize,
		Observer:    a.Metrics,
	}
}

func (a *application) sweeper() *webhook.Sweeper {
	return &webhook.Sweeper{
		Dispatcher: a.Dispatcher,
		Logger:     a.Logger,
		Interval:   a.Config.Webhook.RetryInterval,
		BatchSize:  a.Config.Webhook.BatchSize,
	}
}

func (a *application) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}
	if a.SQL != nil {
		if err := a.SQL.Close(); err != nil {
			a.Logger.Error("database close error", "error", err)
		}
	}
}
