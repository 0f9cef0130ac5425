package observability_test

import (
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/observability"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var _ = Describe("Metrics", func() {
	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)

	BeforeEach(func() {
		registry = prometheus.NewRegistry()
		metrics = observability.New(registry, observability.Config{ServiceName: "payments", Environment: "test"})
	})

	It("counts provider calls by result", func() {
		metrics.ObserveProviderCall("momo", "verify", "", 20*time.Millisecond)
		metrics.ObserveProviderCall("momo", "verify", provider.KindUnreachable, time.Second)

		Expect(testutil.GatherAndCount(registry, "payments_provider_calls_total")).To(Equal(2))
		Expect(testutil.GatherAndCount(registry, "payments_provider_call_duration_seconds")).To(Equal(1))
	})

	It("counts transitions and webhook outcomes", func() {
		metrics.ObserveTransition("momo", payment.StatusPending, payment.StatusSucceeded, "webhook")
		metrics.ObserveWebhook("momo", "applied")
		metrics.ObserveWebhook("momo", "duplicate")
		metrics.ObserveWebhook("momo", "duplicate")
		metrics.ObserveDiscarded("momo", "amount mismatch")

		Expect(testutil.GatherAndCount(registry, "payments_status_transitions_total")).To(Equal(1))
		Expect(testutil.GatherAndCount(registry, "payments_webhooks_total")).To(Equal(2))
		Expect(testutil.GatherAndCount(registry, "payments_provider_updates_discarded_total")).To(Equal(1))
	})

	It("serves the exposition format", func() {
		metrics.ObserveReconcile(3, 1, 1, 0)

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`payments_reconciliation_total{env="test",result="checked",service="payments"} 3`))
	})

	It("ignores observations on a nil collector", func() {
		var none *observability.Metrics
		Expect(func() {
			none.ObserveWebhook("momo", "applied")
			none.ObserveProviderCall("momo", "verify", "", time.Second)
		}).ToNot(Panic())
	})
})
