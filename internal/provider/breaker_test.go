package provider_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var _ = Describe("WithBreaker", func() {
	var (
		stub    *stubProvider
		guarded provider.Provider
		logger  *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		stub = newStub("momo", []string{"GHS"}, []string{provider.MethodMobileMoney})
		guarded = provider.WithBreaker(stub, provider.BreakerSettings{FailureThreshold: 2, Timeout: time.Minute}, nil, logger)
	})

	It("opens after consecutive unreachable errors and stops calling the adapter", func() {
		stub.initErr = provider.Unreachable("momo", errors.New("connection refused"))

		for i := 0; i < 2; i++ {
			_, err := guarded.InitializePayment(context.Background(), provider.PaymentRequest{}, provider.InitOptions{})
			Expect(provider.IsKind(err, provider.KindUnreachable)).To(BeTrue())
		}
		Expect(atomic.LoadInt32(&stub.calls)).To(Equal(int32(2)))

		_, err := guarded.InitializePayment(context.Background(), provider.PaymentRequest{}, provider.InitOptions{})
		Expect(provider.IsKind(err, provider.KindUnreachable)).To(BeTrue())
		Expect(atomic.LoadInt32(&stub.calls)).To(Equal(int32(2)))
	})

	It("does not trip on business rejections", func() {
		stub.initErr = provider.Rejected("momo", "insufficient funds")

		for i := 0; i < 5; i++ {
			_, err := guarded.InitializePayment(context.Background(), provider.PaymentRequest{}, provider.InitOptions{})
			Expect(provider.IsKind(err, provider.KindRejected)).To(BeTrue())
		}
		Expect(atomic.LoadInt32(&stub.calls)).To(Equal(int32(5)))
	})

	It("keeps metadata and webhook handling on the wrapped adapter", func() {
		Expect(guarded.GetName()).To(Equal("momo"))
		Expect(guarded.SupportsCurrency("GHS")).To(BeTrue())

		_, err := guarded.HandleWebhook([]byte("{}"), nil)
		Expect(provider.IsKind(err, provider.KindInvalidSignature)).To(BeTrue())
	})
})
