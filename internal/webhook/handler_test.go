package webhook_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/provider/momo"
	"github.com/aliuwahab/kitua-sub001/internal/transport"
	"github.com/aliuwahab/kitua-sub001/internal/webhook"
)

var _ = Describe("Handler", func() {
	var (
		env    *testEnv
		router chi.Router
	)

	BeforeEach(func() {
		env = newTestEnv(webhook.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
		handler := webhook.NewHandler(transport.NewBaseHandler(env.logger), env.dispatcher)
		router = chi.NewRouter()
		router.Post("/api/v1/webhooks", handler.Receive)
		router.Post("/api/v1/webhooks/{provider}", handler.Receive)
	})

	post := func(path, body string, headers http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		for k, v := range headers {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("acknowledges a verified webhook with 200", func() {
		env.seed("ref-h", "PR-H", payment.StatusPending)
		body := momoBody("PR-H", "success", "100.00")

		rec := post("/api/v1/webhooks/momo", body, momoHeaders(body))

		Expect(rec.Code).To(Equal(http.StatusOK))
		var ack webhook.Ack
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack.Provider).To(Equal("momo"))
		Expect(ack.Duplicate).To(BeFalse())

		rec = post("/api/v1/webhooks/momo", body, momoHeaders(body))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack.Duplicate).To(BeTrue())
	})

	It("answers 401 for a bad signature", func() {
		body := momoBody("PR-H", "success", "100.00")
		headers := http.Header{}
		headers.Set(momo.SignatureHeader, "deadbeef")

		rec := post("/api/v1/webhooks", body, headers)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring("INVALID_SIGNATURE"))
	})

	It("answers 400 for a malformed payload", func() {
		body := `not json`
		rec := post("/api/v1/webhooks/momo", body, momoHeaders(body))
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("MALFORMED_PAYLOAD"))
	})

	It("answers 404 for an unknown provider", func() {
		rec := post("/api/v1/webhooks/paypal", `{}`, nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})
