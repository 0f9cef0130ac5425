package provider_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var _ = Describe("HTTPClient", func() {
	var (
		server *httptest.Server
		status int
		body   string
		delay  time.Duration
	)

	BeforeEach(func() {
		status, body, delay = http.StatusOK, `{"id":"x"}`, 0
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(delay)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	call := func(timeout time.Duration) error {
		client := provider.NewHTTPClient("momo", server.URL, timeout, nil)
		var out map[string]interface{}
		_, err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil, &out)
		return err
	}

	DescribeTable("maps provider status codes onto error kinds",
		func(code int, kind provider.ErrorKind) {
			status, body = code, `{"message":"nope"}`
			err := call(time.Second)
			Expect(provider.KindOf(err)).To(Equal(kind))
		},
		Entry("bad request", http.StatusBadRequest, provider.KindInvalidRequest),
		Entry("unauthorized", http.StatusUnauthorized, provider.KindInvalidRequest),
		Entry("payment required", http.StatusPaymentRequired, provider.KindRejected),
		Entry("unprocessable", http.StatusUnprocessableEntity, provider.KindRejected),
		Entry("too many requests", http.StatusTooManyRequests, provider.KindUnreachable),
		Entry("bad gateway", http.StatusBadGateway, provider.KindUnreachable),
	)

	It("keeps the raw body and message on failures", func() {
		status, body = http.StatusUnprocessableEntity, `{"message":"limit exceeded"}`
		err := call(time.Second)

		var pe *provider.Error
		Expect(err).To(BeAssignableToTypeOf(pe))
		pe = err.(*provider.Error)
		Expect(pe.Message).To(Equal("limit exceeded"))
		Expect(string(pe.Raw)).To(Equal(body))
	})

	It("treats timeouts as unreachable", func() {
		delay = 200 * time.Millisecond
		err := call(20 * time.Millisecond)
		Expect(provider.KindOf(err)).To(Equal(provider.KindUnreachable))
	})

	It("applies the provider timeout to a shared client without changing it", func() {
		delay = 200 * time.Millisecond
		shared := &http.Client{}
		client := provider.NewHTTPClient("momo", server.URL, 20*time.Millisecond, shared)

		var out map[string]interface{}
		_, err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil, &out)

		Expect(provider.KindOf(err)).To(Equal(provider.KindUnreachable))
		Expect(shared.Timeout).To(BeZero())
	})
})
