package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/aliuwahab/kitua-sub001/internal/payment"
	"github.com/aliuwahab/kitua-sub001/internal/transport/middleware"
	"github.com/aliuwahab/kitua-sub001/internal/transport/swagger"
	"github.com/aliuwahab/kitua-sub001/internal/webhook"
)

type Deps struct {
	DB             *sql.DB
	HealthChecks   []Check
	PaymentHandler *payment.Handler
	WebhookHandler *webhook.Handler
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	OpenAPI     []byte
	// Validator checks requests against OpenAPI when set.
	Validator      func(http.Handler) http.Handler
	AllowedOrigins string
	Logger         *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, deps Deps) {
	healthHandler := NewHealthHandler(deps.DB, deps.HealthChecks...)

	// Apply global middleware
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.CORS(deps.AllowedOrigins))
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(deps.Logger))
	router.Use(middleware.RecoveryMiddleware(deps.Logger))

	if deps.OpenAPI != nil {
		router.Get(swagger.DocPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(deps.OpenAPI)
		})
		router.Handle("/swagger/*", swagger.Handler(swagger.DocPath))
	}

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, deps.Metrics)
	}

	// Mount API under /api/v1 to match the OpenAPI paths
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if deps.WebhookHandler != nil {
			r.Post("/webhooks", deps.WebhookHandler.Receive)
			r.Post("/webhooks/{provider}", deps.WebhookHandler.Receive)
		}

		if deps.PaymentHandler != nil {
			r.Group(func(pr chi.Router) {
				if deps.Validator != nil {
					pr.Use(deps.Validator)
				}

				pr.Get("/providers", deps.PaymentHandler.ListProviders)
				pr.Post("/fees/quote", deps.PaymentHandler.QuoteFees)

				pr.Route("/payments", func(er chi.Router) {
					er.Post("/", deps.PaymentHandler.InitializePayment)
					er.Get("/{id}", deps.PaymentHandler.GetPayment)
					er.Post("/{id}/verify", deps.PaymentHandler.VerifyPayment)
					er.Post("/{id}/refunds", deps.PaymentHandler.RefundPayment)
				})
			})
		}
	})
}
