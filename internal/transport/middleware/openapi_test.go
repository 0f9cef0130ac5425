package middleware_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/api"
	"github.com/aliuwahab/kitua-sub001/internal/transport/middleware"
)

var _ = Describe("ValidateRequests", func() {
	var (
		handler http.Handler
		reached bool
	)

	BeforeEach(func() {
		doc, err := middleware.LoadOpenAPI(context.Background(), api.OpenAPI)
		Expect(err).ToNot(HaveOccurred())

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		validate, err := middleware.ValidateRequests(doc, logger, "/api/v1/webhooks")
		Expect(err).ToNot(HaveOccurred())

		reached = false
		handler = validate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			w.WriteHeader(http.StatusNoContent)
		}))
	})

	send := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	It("passes a request that matches the document", func() {
		rec := send(http.MethodPost, "/api/v1/fees/quote", `{"amount":"100.00","currency":"GHS","method":"mobile_money"}`)
		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(reached).To(BeTrue())
	})

	It("rejects a body with a missing required field", func() {
		rec := send(http.MethodPost, "/api/v1/fees/quote", `{"amount":"100.00","currency":"GHS"}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("VALIDATION_FAILED"))
		Expect(reached).To(BeFalse())
	})

	It("rejects an unknown payment method", func() {
		rec := send(http.MethodPost, "/api/v1/payments", `{"amount":"1","currency":"GHS","method":"cash"}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a non numeric path id", func() {
		rec := send(http.MethodGet, "/api/v1/payments/abc", "")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("skips webhook bodies", func() {
		rec := send(http.MethodPost, "/api/v1/webhooks/momo", `not json`)
		Expect(rec.Code).To(Equal(http.StatusNoContent))
	})

	It("lets undocumented routes through", func() {
		rec := send(http.MethodGet, "/metrics", "")
		Expect(rec.Code).To(Equal(http.StatusNoContent))
	})
})

var _ = Describe("CORS", func() {
	It("echoes an allowed origin and answers preflight", func() {
		handler := middleware.CORS("https://shop.example")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodOptions, "/api/v1/payments", nil)
		req.Header.Set("Origin", "https://shop.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("https://shop.example"))

		req = httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(BeEmpty())
	})
})
