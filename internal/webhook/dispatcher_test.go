package webhook_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	paymentpkg "github.com/aliuwahab/kitua-sub001/internal/payment"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
	"github.com/aliuwahab/kitua-sub001/internal/webhook"
)

func momoBody(ref, status, amount string) string {
	return fmt.Sprintf(`{"reference":%q,"status":%q,"amount":%q,"currency":"GHS","occurred_at":"2026-03-01T10:00:00Z"}`, ref, status, amount)
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx context.Context
		env *testEnv
	)

	BeforeEach(func() {
		ctx = context.Background()
		env = newTestEnv(webhook.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	})

	Describe("the mobile money happy path", func() {
		It("applies the first delivery and acknowledges repeats as duplicates", func() {
			// Given a payment initialized through the manager
			res, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount:   decimal.RequireFromString("100.00"),
				Currency: "GHS",
				Method:   provider.MethodMobileMoney,
				Customer: provider.Customer{Phone: "0240000000"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Payment.Status).To(Equal(payment.StatusPending))
			Expect(*res.Payment.ProviderReference).To(Equal("PR-123"))

			// When the same signed webhook is delivered five times
			body := momoBody("PR-123", "success", "100.00")
			var acks []*webhook.Ack
			for i := 0; i < 5; i++ {
				ack, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")
				Expect(err).ToNot(HaveOccurred())
				acks = append(acks, ack)
			}

			// Then exactly one transition happened
			Expect(acks[0].Duplicate).To(BeFalse())
			Expect(acks[0].Provider).To(Equal("momo"))
			Expect(acks[0].Status).To(Equal("succeeded"))
			for _, ack := range acks[1:] {
				Expect(ack.Duplicate).To(BeTrue())
			}
			Expect(env.reload(res.Payment.ID).Status).To(Equal(payment.StatusSucceeded))
			Expect(env.observer.count(webhook.OutcomeApplied)).To(Equal(1))
			Expect(env.observer.count(webhook.OutcomeDuplicate)).To(Equal(4))

			records := env.records("PR-123")
			Expect(records).To(HaveLen(1))
			Expect(records[0].State).To(Equal(idempotency.StateApplied))
			Expect(*records[0].ResultStatus).To(Equal("succeeded"))
		})

		It("lets exactly one of many concurrent deliveries win", func() {
			p := env.seed("ref-c", "PR-C", payment.StatusPending)
			body := momoBody("PR-C", "success", "100.00")

			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				duplicates int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					ack, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "momo")
					Expect(err).ToNot(HaveOccurred())
					if ack.Duplicate {
						mu.Lock()
						duplicates++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(duplicates).To(Equal(7))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})

		It("treats a later distinct status as a new delivery", func() {
			p := env.seed("ref-d", "PR-D", payment.StatusPending)
			processing := momoBody("PR-D", "processing", "100.00")
			success := momoBody("PR-D", "success", "100.00")

			_, err := env.dispatcher.Receive(ctx, []byte(processing), momoHeaders(processing), "")
			Expect(err).ToNot(HaveOccurred())
			ack, err := env.dispatcher.Receive(ctx, []byte(success), momoHeaders(success), "")
			Expect(err).ToNot(HaveOccurred())

			Expect(ack.Duplicate).To(BeFalse())
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
			Expect(env.records("PR-D")).To(HaveLen(2))
		})
	})

	Describe("authenticity", func() {
		It("rejects a tampered payload without touching the payment", func() {
			p := env.seed("ref-t", "PR-T", payment.StatusPending)
			body := momoBody("PR-T", "success", "100.00")
			headers := momoHeaders(body)
			tampered := momoBody("PR-T", "success", "1.00")

			ack, err := env.dispatcher.Receive(ctx, []byte(tampered), headers, "")

			Expect(ack).To(BeNil())
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidSignature))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusPending))
			Expect(env.records("PR-T")).To(BeEmpty())
			Expect(env.observer.count(webhook.OutcomeRejected)).To(Equal(1))
		})

		It("rejects a payload no adapter can verify", func() {
			_, err := env.dispatcher.Receive(ctx, []byte(`{"reference":"PR-X"}`), http.Header{}, "")
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidSignature))
		})

		It("reports an unknown route hint", func() {
			_, err := env.dispatcher.Receive(ctx, []byte(`{}`), http.Header{}, "paypal")
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeUnknownProvider))
		})

		It("reports a signed but unparseable payload as malformed", func() {
			body := `{"reference":"PR-M","status":"teleported"}`
			_, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "momo")
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeMalformedPayload))
		})

		It("identifies card webhooks by their signature header", func() {
			p := &payment.Payment{
				Reference:   "ref-card",
				Provider:    "cardpay",
				AmountMinor: 2550,
				Currency:    "USD",
				Method:      provider.MethodCard,
				Status:      payment.StatusPending,
			}
			ref := "ch_1"
			p.ProviderReference = &ref
			Expect(env.repo.Create(ctx, p)).To(Succeed())

			body := `{"id":"evt_1","type":"charge.succeeded","created":1767261600,"data":{"object":{"id":"ch_1","merchant_reference":"ref-card","amount_minor":2550,"currency":"usd","state":"succeeded"}}}`
			ack, err := env.dispatcher.Receive(ctx, []byte(body), cardHeaders(body), "")

			Expect(err).ToNot(HaveOccurred())
			Expect(ack.Provider).To(Equal("cardpay"))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})
	})

	Describe("statuses that cannot be applied", func() {
		It("discards a regression from a terminal status", func() {
			p := env.seed("ref-r", "PR-R", payment.StatusSucceeded)
			body := momoBody("PR-R", "failed", "100.00")

			ack, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")

			Expect(err).ToNot(HaveOccurred())
			Expect(ack.Duplicate).To(BeFalse())
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
			Expect(env.records("PR-R")[0].State).To(Equal(idempotency.StateDiscarded))
			Expect(env.observer.count(webhook.OutcomeDiscarded)).To(Equal(1))
		})

		It("discards a status whose amount disagrees with the payment", func() {
			p := env.seed("ref-a", "PR-A", payment.StatusPending)
			body := momoBody("PR-A", "success", "1.00")

			_, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")

			Expect(err).ToNot(HaveOccurred())
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusPending))
			Expect(env.records("PR-A")[0].State).To(Equal(idempotency.StateDiscarded))
		})
	})

	Describe("retries", func() {
		It("acknowledges a webhook that arrives before its payment and applies it later", func() {
			// Given a webhook for a payment that is not stored yet
			body := momoBody("PR-L", "success", "100.00")
			ack, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")

			// Then the provider still gets an acknowledgment
			Expect(err).ToNot(HaveOccurred())
			Expect(ack.Deferred).To(BeTrue())
			records := env.records("PR-L")
			Expect(records).To(HaveLen(1))
			Expect(records[0].State).To(Equal(idempotency.StatePending))
			Expect(records[0].Attempts).To(Equal(1))

			// When the payment appears and the sweeper runs
			p := env.seed("ref-l", "PR-L", payment.StatusPending)
			sweeper := &webhook.Sweeper{Dispatcher: env.dispatcher, Logger: env.logger, Now: func() time.Time { return time.Now().Add(time.Hour) }}
			stats, err := sweeper.SweepOnce(ctx)

			// Then the stored status is applied
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Applied).To(Equal(1))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
			Expect(env.records("PR-L")[0].State).To(Equal(idempotency.StateApplied))
		})

		It("gives up after the configured attempts", func() {
			body := momoBody("PR-G", "success", "100.00")
			_, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")
			Expect(err).ToNot(HaveOccurred())

			sweeper := &webhook.Sweeper{Dispatcher: env.dispatcher, Logger: env.logger, Now: func() time.Time { return time.Now().Add(time.Hour) }}
			for i := 0; i < 2; i++ {
				_, err := sweeper.SweepOnce(ctx)
				Expect(err).ToNot(HaveOccurred())
			}

			rec := env.records("PR-G")[0]
			Expect(rec.State).To(Equal(idempotency.StateDead))
			Expect(rec.Attempts).To(Equal(3))
			Expect(env.observer.count(webhook.OutcomeDead)).To(Equal(1))
		})

		It("waits for an older pending record of the same reference", func() {
			first := momoBody("PR-O", "processing", "100.00")
			second := momoBody("PR-O", "success", "100.00")
			_, err := env.dispatcher.Receive(ctx, []byte(first), momoHeaders(first), "")
			Expect(err).ToNot(HaveOccurred())
			_, err = env.dispatcher.Receive(ctx, []byte(second), momoHeaders(second), "")
			Expect(err).ToNot(HaveOccurred())

			// Given the older record is backing off further than the newer one
			older := env.records("PR-O")[0]
			Expect(env.db.Model(&idempotency.Record{}).Where("id = ?", older.ID).
				Update("next_attempt_at", time.Now().Add(2*time.Hour)).Error).To(Succeed())
			p := env.seed("ref-o", "PR-O", payment.StatusPending)

			// When the sweeper runs before the older record is due
			sweeper := &webhook.Sweeper{Dispatcher: env.dispatcher, Logger: env.logger, Now: func() time.Time { return time.Now().Add(time.Hour) }}
			stats, err := sweeper.SweepOnce(ctx)

			// Then the newer record waits its turn
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Due).To(Equal(1))
			Expect(stats.Skipped).To(Equal(1))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusPending))

			// And both apply in order once the older one is due
			sweeper.Now = func() time.Time { return time.Now().Add(3 * time.Hour) }
			stats, err = sweeper.SweepOnce(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Applied).To(Equal(2))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})
	})

	Describe("asynchronous mode", func() {
		It("acknowledges first and applies on the pool", func() {
			pool := webhook.NewPool(webhook.PoolConfig{Workers: 2, QueueSize: 10}, env.dispatcher, env.logger)
			env.dispatcher.UsePool(pool)
			pool.Start()
			DeferCleanup(pool.Shutdown)

			p := env.seed("ref-q", "PR-Q", payment.StatusPending)
			body := momoBody("PR-Q", "success", "100.00")

			ack, err := env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")
			Expect(err).ToNot(HaveOccurred())
			Expect(ack.Deferred).To(BeTrue())

			Eventually(func() payment.Status {
				return env.reload(p.ID).Status
			}).WithTimeout(5 * time.Second).Should(Equal(payment.StatusSucceeded))

			ack, err = env.dispatcher.Receive(ctx, []byte(body), momoHeaders(body), "")
			Expect(err).ToNot(HaveOccurred())
			Expect(ack.Duplicate).To(BeTrue())
		})
	})
})

var _ = DescribeTable("Backoff",
	func(attempts int, expected time.Duration) {
		Expect(webhook.Backoff(attempts, time.Second, time.Minute)).To(Equal(expected))
	},
	Entry("first retry", 1, time.Second),
	Entry("second retry", 2, 2*time.Second),
	Entry("fourth retry", 4, 8*time.Second),
	Entry("capped", 10, time.Minute),
	Entry("zero attempts", 0, time.Second),
)
