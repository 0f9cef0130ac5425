package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var _ = Describe("Application wiring", func() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	It("carries each provider's configured timeout into its adapter", func() {
		// Given a provider that answers slower than its configured timeout
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte(`{"reference":"PR-1","status":"pending"}`))
		}))
		defer server.Close()

		defs, err := providerDefinitions([]internal.ProviderConfig{{
			Name:          "mtn-momo",
			Driver:        "MOMO",
			BaseURL:       server.URL,
			WebhookSecret: "whsec_test",
			Timeout:       20 * time.Millisecond,
			Currencies:    []string{"GHS"},
			Methods:       []string{provider.MethodMobileMoney},
		}})
		Expect(err).ToNot(HaveOccurred())
		registry, err := provider.Build(defs, factories, providerDeps(logger, nil))
		Expect(err).ToNot(HaveOccurred())
		adapter, err := registry.Get("mtn-momo")
		Expect(err).ToNot(HaveOccurred())

		// When
		start := time.Now()
		_, err = adapter.VerifyPayment(context.Background(), "PR-1")

		// Then
		Expect(provider.IsKind(err, provider.KindUnreachable)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically("<", 250*time.Millisecond))
	})

	It("passes the configured call timeout to the payment service", func() {
		cfg := &internal.Config{Payments: internal.PaymentsConfig{CallTimeout: 7 * time.Second}}

		Expect(serviceOptions(cfg, nil).CallTimeout).To(Equal(7 * time.Second))
	})

	It("reads the call timeout from the environment", func() {
		GinkgoT().Setenv("PAYMENTS_CALL_TIMEOUT", "12s")

		Expect(internal.LoadConfigFromEnv().Payments.CallTimeout).To(Equal(12 * time.Second))
	})
})
